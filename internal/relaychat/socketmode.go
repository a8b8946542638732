package relaychat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// socketConn is the slice of the websocket connection the source needs;
// tests substitute an in-memory implementation.
type socketConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type socketDialFunc func(ctx context.Context, url string) (socketConn, error)

type SocketSourceOptions struct {
	URL        string
	Normalizer *Normalizer
	Logger     *log.Logger
	HTTPClient *http.Client
	// Dial is a test hook; the default dials URL over websocket.
	Dial           socketDialFunc
	ReconnectDelay time.Duration
}

// SocketSource delivers the same live events as the webhook endpoint over a
// long-lived websocket connection (socket-mode transport). Each event frame
// is acked by envelope id, then handed to the normalizer.
type SocketSource struct {
	url            string
	normalizer     *Normalizer
	logger         *log.Logger
	dial           socketDialFunc
	reconnectDelay time.Duration
}

type socketFrame struct {
	Type       string `json:"type"`
	EnvelopeID string `json:"envelope_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Payload    struct {
		TeamID string       `json:"team_id,omitempty"`
		Event  InboundEvent `json:"event,omitempty"`
	} `json:"payload,omitempty"`
}

type socketAck struct {
	EnvelopeID string `json:"envelope_id"`
}

func NewSocketSource(opts SocketSourceOptions) (*SocketSource, error) {
	if opts.URL == "" || opts.Normalizer == nil {
		return nil, fmt.Errorf("%w: socket source requires url and normalizer", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	dial := opts.Dial
	if dial == nil {
		httpClient := opts.HTTPClient
		dial = func(ctx context.Context, url string) (socketConn, error) {
			conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: httpClient})
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}
	return &SocketSource{
		url:            opts.URL,
		normalizer:     opts.Normalizer,
		logger:         logger,
		dial:           dial,
		reconnectDelay: reconnectDelay,
	}, nil
}

// Run reads event frames until ctx is cancelled, redialing after disconnects.
func (s *SocketSource) Run(ctx context.Context) error {
	for {
		if err := s.runConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Printf("socket: connection ended: %v", err)
		}
		if err := sleepContext(ctx, s.reconnectDelay); err != nil {
			return err
		}
	}
}

func (s *SocketSource) runConnection(ctx context.Context) error {
	conn, err := s.dial(ctx, s.url)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var frame socketFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Printf("socket: dropping malformed frame: %v", err)
			continue
		}

		switch frame.Type {
		case "hello":
			s.logger.Printf("socket: connected to %s", s.url)
		case "disconnect":
			return fmt.Errorf("server requested disconnect: %s", frame.Reason)
		case "events_api":
			if frame.EnvelopeID != "" {
				ack, _ := json.Marshal(socketAck{EnvelopeID: frame.EnvelopeID})
				if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
					return err
				}
			}
			ev := frame.Payload.Event
			if ev.Team == "" {
				ev.Team = frame.Payload.TeamID
			}
			// Handlers are one-shot: a failed event is logged, not retried.
			if err := s.normalizer.HandleEvent(ctx, ev); err != nil {
				s.logger.Printf("socket: event %s dropped: %v", ev.EventTS, err)
			}
		default:
			s.logger.Printf("socket: ignoring frame type %q", frame.Type)
		}
	}
}
