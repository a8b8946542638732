package relaychat

import (
	"context"
	"fmt"
	"log"
)

type ScannerOptions struct {
	Client     ChatClient
	Network    Network
	Checkpoint Checkpoint
	// Channels is the configured allow-list. Listed channels are scanned
	// first; the full channel listing is always appended afterwards, so an
	// empty list means "discover all".
	Channels []string
	// StartTS overrides the stored checkpoint as the oldest bound when set.
	StartTS string
	Logger  *log.Logger
	// Sleep is the suspension primitive used for rate-limit backoff.
	// Defaults to a context-aware timer; tests inject a recorder.
	Sleep sleepFunc
}

// Scanner is the historical backfill engine. A run is terminal: it walks
// every channel once, oldest-bounded by the checkpoint, and returns. Any
// platform error that is not a recoverable rate limit aborts the whole run;
// progress up to the last advanced checkpoint survives for the next run.
type Scanner struct {
	client     ChatClient
	network    Network
	checkpoint Checkpoint
	channels   []string
	startTS    string
	logger     *log.Logger
	sleep      sleepFunc
}

func NewScanner(opts ScannerOptions) (*Scanner, error) {
	if opts.Client == nil || opts.Network == nil || opts.Checkpoint == nil {
		return nil, fmt.Errorf("%w: scanner requires client, network and checkpoint", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Scanner{
		client:     opts.Client,
		network:    opts.Network,
		checkpoint: opts.Checkpoint,
		channels:   append([]string(nil), opts.Channels...),
		startTS:    opts.StartTS,
		logger:     logger,
		sleep:      sleep,
	}, nil
}

func (s *Scanner) Run(ctx context.Context) error {
	oldest := s.startTS
	if oldest == "" {
		stored, err := s.checkpoint.Load()
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		oldest = stored
	}

	workspace, err := callWithBackoff(ctx, s.sleep, s.client.WorkspaceInfo)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	channels, err := s.collectChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	s.logger.Printf("backfill: scanning %d channel(s) in workspace %s since %q", len(channels), workspace.ID, oldest)

	for _, channelID := range channels {
		if err := s.scanChannel(ctx, workspace.ID, channelID, oldest); err != nil {
			return fmt.Errorf("scan channel %s: %w", channelID, err)
		}
	}
	s.logger.Printf("backfill: completed scan of %d channel(s)", len(channels))
	return nil
}

// collectChannels seeds the configured allow-list, then appends every channel
// discovered through the paginated listing. Seeded channels are guaranteed
// inclusion even if the listing never completes; a channel is never scanned
// twice.
func (s *Scanner) collectChannels(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool, len(s.channels))
	var channels []string
	for _, id := range s.channels {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		channels = append(channels, id)
	}

	cursor := ""
	for {
		page, err := callWithBackoff(ctx, s.sleep, func(ctx context.Context) (ChannelPage, error) {
			return s.client.ListChannels(ctx, cursor)
		})
		if err != nil {
			return nil, err
		}
		for _, ch := range page.Channels {
			if ch.ID == "" || seen[ch.ID] {
				continue
			}
			seen[ch.ID] = true
			channels = append(channels, ch.ID)
		}
		if page.NextCursor == "" {
			return channels, nil
		}
		cursor = page.NextCursor
	}
}

func (s *Scanner) scanChannel(ctx context.Context, workspaceID, channelID, oldest string) error {
	cursor := ""
	for {
		page, err := callWithBackoff(ctx, s.sleep, func(ctx context.Context) (MessagePage, error) {
			return s.client.ChannelHistory(ctx, channelID, oldest, cursor)
		})
		if err != nil {
			return err
		}

		// History pages arrive newest-first; process each page in
		// chronological order so emission is monotonic in time.
		for i := len(page.Messages) - 1; i >= 0; i-- {
			msg := page.Messages[i]
			if msg.Subtype != "" {
				continue
			}
			// A reply visible in channel history is emitted from its
			// thread's reply listing, never from here.
			if msg.ThreadTS != "" && msg.ThreadTS != msg.TS {
				continue
			}
			if err := s.emit(ctx, workspaceID, channelID, msg); err != nil {
				return err
			}
			if msg.ThreadTS == msg.TS && msg.ThreadTS != "" {
				if err := s.scanThread(ctx, workspaceID, channelID, msg.TS); err != nil {
					return err
				}
			}
		}

		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

func (s *Scanner) scanThread(ctx context.Context, workspaceID, channelID, threadTS string) error {
	cursor := ""
	firstPage := true
	for {
		page, err := callWithBackoff(ctx, s.sleep, func(ctx context.Context) (MessagePage, error) {
			return s.client.ThreadReplies(ctx, channelID, threadTS, cursor)
		})
		if err != nil {
			return err
		}

		replies := page.Messages
		// The reply listing leads with the parent itself; drop it so the
		// parent is emitted exactly once, from the channel pass.
		if firstPage && len(replies) > 0 {
			replies = replies[1:]
		}
		firstPage = false

		for _, msg := range replies {
			if msg.Subtype != "" {
				continue
			}
			if err := s.emit(ctx, workspaceID, channelID, msg); err != nil {
				return err
			}
		}

		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

func (s *Scanner) emit(ctx context.Context, workspaceID, channelID string, msg ChannelMessage) error {
	rec := Record{
		Ref:      MessageRef(workspaceID, channelID, msg.TS),
		Contents: messageContents(msg),
	}
	if err := s.network.Publish(ctx, rec); err != nil {
		return fmt.Errorf("publish %s: %w", rec.Ref, err)
	}
	if err := s.checkpoint.Advance(msg.TS); err != nil {
		return fmt.Errorf("advance checkpoint to %s: %w", msg.TS, err)
	}
	return nil
}
