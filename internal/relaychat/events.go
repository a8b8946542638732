package relaychat

import (
	"context"
	"fmt"
	"log"
)

// InboundEvent is a live message event as delivered by the platform, either
// over the webhook endpoint or the socket source. Nested message objects for
// edit/delete subtypes reuse the same shape.
type InboundEvent struct {
	Type            string        `json:"type"`
	Subtype         string        `json:"subtype,omitempty"`
	Team            string        `json:"team,omitempty"`
	Channel         string        `json:"channel,omitempty"`
	ChannelType     string        `json:"channel_type,omitempty"`
	User            string        `json:"user,omitempty"`
	Text            string        `json:"text,omitempty"`
	TS              string        `json:"ts,omitempty"`
	EventTS         string        `json:"event_ts,omitempty"`
	ThreadTS        string        `json:"thread_ts,omitempty"`
	Edited          *EditMarker   `json:"edited,omitempty"`
	Message         *InboundEvent `json:"message,omitempty"`
	PreviousMessage *InboundEvent `json:"previous_message,omitempty"`
}

const (
	subtypeMessageChanged = "message_changed"
	subtypeMessageDeleted = "message_deleted"
)

// Normalizer converts live events into the same record/identity shape the
// backfill scanner produces, publishing or forgetting against the network.
type Normalizer struct {
	network  Network
	channels *Allowlist
	logger   *log.Logger
}

func NewNormalizer(network Network, channels *Allowlist, logger *log.Logger) (*Normalizer, error) {
	if network == nil || channels == nil {
		return nil, fmt.Errorf("%w: normalizer requires network and allow-list", ErrInvalidInput)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Normalizer{network: network, channels: channels, logger: logger}, nil
}

// HandleEvent dispatches on the event subtype. New messages for channels
// outside the observed allow-list are silently dropped; edited and deleted
// messages are not filtered that way (see the decision log in DESIGN.md).
func (n *Normalizer) HandleEvent(ctx context.Context, ev InboundEvent) error {
	switch ev.Subtype {
	case "":
		if ev.Team == "" || ev.Channel == "" || ev.TS == "" {
			return fmt.Errorf("%w: message event missing team/channel/ts", ErrInvalidInput)
		}
		if !n.channels.Contains(ev.Channel) {
			n.logger.Printf("events: dropping message for unobserved channel %s", ev.Channel)
			return nil
		}
		rec := Record{
			Ref:      MessageRef(ev.Team, ev.Channel, ev.TS),
			Contents: eventContents(ev),
		}
		return n.network.Publish(ctx, rec)

	case subtypeMessageChanged:
		nested := ev.Message
		if nested == nil || nested.Team == "" || nested.TS == "" || ev.Channel == "" {
			return fmt.Errorf("%w: %s event missing nested message identity", ErrInvalidInput, subtypeMessageChanged)
		}
		// Republish by identity: the network treats this as an overwrite.
		rec := Record{
			Ref:      MessageRef(nested.Team, ev.Channel, nested.TS),
			Contents: eventContents(*nested),
		}
		return n.network.Publish(ctx, rec)

	case subtypeMessageDeleted:
		previous := ev.PreviousMessage
		if previous == nil || previous.Team == "" || previous.TS == "" || ev.Channel == "" {
			return fmt.Errorf("%w: %s event missing previous message identity", ErrInvalidInput, subtypeMessageDeleted)
		}
		return n.network.Forget(ctx, MessageRef(previous.Team, ev.Channel, previous.TS))

	default:
		// New subtypes appear over time; ignoring them is not an error.
		n.logger.Printf("events: ignoring unsupported subtype %q", ev.Subtype)
		return nil
	}
}

// eventContents strips the transport-only fields (channel, event_ts,
// channel_type) and keeps the authored payload.
func eventContents(ev InboundEvent) map[string]any {
	contents := map[string]any{"ts": ev.TS}
	if ev.Type != "" {
		contents["type"] = ev.Type
	}
	if ev.User != "" {
		contents["user"] = ev.User
	}
	if ev.Text != "" {
		contents["text"] = ev.Text
	}
	if ev.Team != "" {
		contents["team"] = ev.Team
	}
	if ev.ThreadTS != "" {
		contents["thread_ts"] = ev.ThreadTS
	}
	if ev.Edited != nil {
		contents["edited"] = map[string]any{"user": ev.Edited.User, "ts": ev.Edited.TS}
	}
	return contents
}
