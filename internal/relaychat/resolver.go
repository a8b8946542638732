package relaychat

import (
	"context"
	"errors"
	"fmt"
	"log"
)

type resolveFunc func(ctx context.Context, ref EntityRef) (map[string]any, error)

// Resolver fetches fully populated records on demand for the four supported
// entity kinds. Dispatch goes through a single resolution table, so adding a
// kind is a one-entry change.
type Resolver struct {
	client ChatClient
	logger *log.Logger
	table  map[EntityKind]resolveFunc
}

func NewResolver(client ChatClient, logger *log.Logger) (*Resolver, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: resolver requires a chat client", ErrInvalidInput)
	}
	if logger == nil {
		logger = log.Default()
	}
	r := &Resolver{client: client, logger: logger}
	r.table = map[EntityKind]resolveFunc{
		KindMessage:   r.resolveMessage,
		KindChannel:   r.resolveChannel,
		KindUser:      r.resolveUser,
		KindWorkspace: r.resolveWorkspace,
	}
	return r, nil
}

// Resolve fetches the record named by ref. Unsupported kinds fail with
// ErrUnsupportedKind; platform misses surface as ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, ref EntityRef) (Record, error) {
	fn, ok := r.table[ref.Kind]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, ref.Kind)
	}
	if err := ref.Validate(); err != nil {
		return Record{}, err
	}
	contents, err := fn(ctx, ref)
	if err != nil {
		return Record{}, err
	}
	return Record{Ref: ref, Contents: contents}, nil
}

// UnresolvedRef is a lookup miss that survived resolution, with the reason
// it stayed missing.
type UnresolvedRef struct {
	Ref    EntityRef `json:"ref"`
	Reason string    `json:"reason,omitempty"`
}

// ResolveMissing attempts resolution for every ref in a peer lookup's
// not-found list. Resolved records are returned for merging into the
// response; failures of any kind leave the ref in the unresolved list
// instead of raising.
func (r *Resolver) ResolveMissing(ctx context.Context, refs []EntityRef) ([]Record, []UnresolvedRef) {
	var resolved []Record
	var unresolved []UnresolvedRef
	for _, ref := range refs {
		rec, err := r.Resolve(ctx, ref)
		if err == nil {
			resolved = append(resolved, rec)
			continue
		}
		if errors.Is(err, ErrUnsupportedKind) {
			unresolved = append(unresolved, UnresolvedRef{Ref: ref, Reason: "unsupported entity kind"})
			continue
		}
		r.logger.Printf("resolver: %s stays unresolved: %v", ref, err)
		unresolved = append(unresolved, UnresolvedRef{Ref: ref, Reason: err.Error()})
	}
	return resolved, unresolved
}

func (r *Resolver) resolveMessage(ctx context.Context, ref EntityRef) (map[string]any, error) {
	msg, err := r.client.MessageAt(ctx, ref.ChannelID, ref.TS)
	if err != nil {
		return nil, err
	}
	return messageContents(msg), nil
}

func (r *Resolver) resolveChannel(ctx context.Context, ref EntityRef) (map[string]any, error) {
	ch, err := r.client.ChannelInfo(ctx, ref.ChannelID)
	if err != nil {
		return nil, err
	}
	return channelContents(ch), nil
}

func (r *Resolver) resolveUser(ctx context.Context, ref EntityRef) (map[string]any, error) {
	u, err := r.client.UserInfo(ctx, ref.UserID)
	if err != nil {
		return nil, err
	}
	return userContents(u), nil
}

func (r *Resolver) resolveWorkspace(ctx context.Context, ref EntityRef) (map[string]any, error) {
	ws, err := r.client.WorkspaceInfo(ctx)
	if err != nil {
		return nil, err
	}
	if ws.ID != ref.WorkspaceID {
		return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, ref.WorkspaceID)
	}
	return workspaceContents(ws), nil
}
