package relaychat

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnsupportedKind = errors.New("unsupported entity kind")
	ErrQueueFull       = errors.New("queue full")
)

// EntityKind names the four entity namespaces the relay understands.
type EntityKind string

const (
	KindMessage   EntityKind = "slack.message"
	KindChannel   EntityKind = "slack.channel"
	KindUser      EntityKind = "slack.user"
	KindWorkspace EntityKind = "slack.workspace"
)

// EntityRef is the deterministic identity of an entity. For messages the
// triple (workspace, channel, ts) names one logical record: both ingestion
// paths producing the same triple refer to the same record.
type EntityRef struct {
	Kind        EntityKind `json:"kind"`
	WorkspaceID string     `json:"workspaceId"`
	ChannelID   string     `json:"channelId,omitempty"`
	UserID      string     `json:"userId,omitempty"`
	TS          string     `json:"ts,omitempty"`
}

func MessageRef(workspaceID, channelID, ts string) EntityRef {
	return EntityRef{Kind: KindMessage, WorkspaceID: workspaceID, ChannelID: channelID, TS: ts}
}

func ChannelRef(workspaceID, channelID string) EntityRef {
	return EntityRef{Kind: KindChannel, WorkspaceID: workspaceID, ChannelID: channelID}
}

func UserRef(workspaceID, userID string) EntityRef {
	return EntityRef{Kind: KindUser, WorkspaceID: workspaceID, UserID: userID}
}

func WorkspaceRef(workspaceID string) EntityRef {
	return EntityRef{Kind: KindWorkspace, WorkspaceID: workspaceID}
}

func (r EntityRef) Validate() error {
	if r.WorkspaceID == "" {
		return fmt.Errorf("%w: missing workspace id", ErrInvalidInput)
	}
	switch r.Kind {
	case KindMessage:
		if r.ChannelID == "" || r.TS == "" {
			return fmt.Errorf("%w: message ref requires channel and ts", ErrInvalidInput)
		}
	case KindChannel:
		if r.ChannelID == "" {
			return fmt.Errorf("%w: channel ref requires channel id", ErrInvalidInput)
		}
	case KindUser:
		if r.UserID == "" {
			return fmt.Errorf("%w: user ref requires user id", ErrInvalidInput)
		}
	case KindWorkspace:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, r.Kind)
	}
	return nil
}

// String renders the canonical reference, e.g.
// "slack.message:T024BE/C1A2B3/1714.000100".
func (r EntityRef) String() string {
	switch r.Kind {
	case KindMessage:
		return fmt.Sprintf("%s:%s/%s/%s", r.Kind, r.WorkspaceID, r.ChannelID, r.TS)
	case KindChannel:
		return fmt.Sprintf("%s:%s/%s", r.Kind, r.WorkspaceID, r.ChannelID)
	case KindUser:
		return fmt.Sprintf("%s:%s/%s", r.Kind, r.WorkspaceID, r.UserID)
	case KindWorkspace:
		return fmt.Sprintf("%s:%s", r.Kind, r.WorkspaceID)
	default:
		return string(r.Kind) + ":"
	}
}

// ParseEntityRef parses the canonical reference format produced by String.
func ParseEntityRef(raw string) (EntityRef, error) {
	raw = strings.TrimSpace(raw)
	kindPart, refPart, ok := strings.Cut(raw, ":")
	if !ok || kindPart == "" || refPart == "" {
		return EntityRef{}, fmt.Errorf("%w: malformed entity reference %q", ErrInvalidInput, raw)
	}
	kind := EntityKind(kindPart)
	parts := strings.Split(refPart, "/")
	for _, p := range parts {
		if p == "" {
			return EntityRef{}, fmt.Errorf("%w: empty segment in reference %q", ErrInvalidInput, raw)
		}
	}
	switch kind {
	case KindMessage:
		if len(parts) != 3 {
			return EntityRef{}, fmt.Errorf("%w: message reference needs workspace/channel/ts, got %q", ErrInvalidInput, raw)
		}
		return MessageRef(parts[0], parts[1], parts[2]), nil
	case KindChannel:
		if len(parts) != 2 {
			return EntityRef{}, fmt.Errorf("%w: channel reference needs workspace/channel, got %q", ErrInvalidInput, raw)
		}
		return ChannelRef(parts[0], parts[1]), nil
	case KindUser:
		if len(parts) != 2 {
			return EntityRef{}, fmt.Errorf("%w: user reference needs workspace/user, got %q", ErrInvalidInput, raw)
		}
		return UserRef(parts[0], parts[1]), nil
	case KindWorkspace:
		if len(parts) != 1 {
			return EntityRef{}, fmt.Errorf("%w: workspace reference needs a single workspace id, got %q", ErrInvalidInput, raw)
		}
		return WorkspaceRef(parts[0]), nil
	default:
		return EntityRef{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
}

// Record is one fully populated entity as published to the distribution
// network. Contents are rebuilt on every emission and never mutated after.
type Record struct {
	Ref      EntityRef      `json:"ref"`
	Contents map[string]any `json:"contents"`
}

// Network is the distribution-network collaborator. Publishing the same
// identity twice is an idempotent upsert on the collaborator's side.
type Network interface {
	Publish(ctx context.Context, rec Record) error
	Forget(ctx context.Context, ref EntityRef) error
}

// RecordSource answers lookups from the collaborator's cache. Refs it cannot
// serve come back in missing and may then be resolved against the platform.
type RecordSource interface {
	Lookup(ctx context.Context, refs []EntityRef) (found []Record, missing []EntityRef, err error)
}
