package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// messageEventSchema constrains the inbound event object before it reaches
// the normalizer; anything else in the envelope is transport framing.
const messageEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"const": "message"},
		"subtype": {"type": "string"},
		"team": {"type": "string"},
		"channel": {"type": "string"},
		"channel_type": {"type": "string"},
		"user": {"type": "string"},
		"text": {"type": "string"},
		"ts": {"type": "string"},
		"event_ts": {"type": "string"},
		"thread_ts": {"type": "string"},
		"message": {"type": "object"},
		"previous_message": {"type": "object"}
	}
}`

var eventSchema = mustCompileEventSchema()

func mustCompileEventSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(messageEventSchema))
	if err != nil {
		panic(fmt.Sprintf("httpapi: bad event schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event.json", doc); err != nil {
		panic(fmt.Sprintf("httpapi: bad event schema: %v", err))
	}
	schema, err := compiler.Compile("event.json")
	if err != nil {
		panic(fmt.Sprintf("httpapi: bad event schema: %v", err))
	}
	return schema
}

type ServerOptions struct {
	Normalizer *relaychat.Normalizer
	Resolver   *relaychat.Resolver
	// Records is the distribution node's cache; nil means every requested
	// ref starts out missing and goes straight to the resolver.
	Records relaychat.RecordSource
	Scan    *relaychat.ScanTask
	Logger  *log.Logger

	// SigningSecret enables webhook signature verification. Empty skips
	// verification with a warning.
	SigningSecret string
	MaxSkew       time.Duration
	MaxBodyBytes  int64
}

type Server struct {
	normalizer *relaychat.Normalizer
	resolver   *relaychat.Resolver
	records    relaychat.RecordSource
	scan       *relaychat.ScanTask
	logger     *log.Logger

	signingSecret string
	maxSkew       time.Duration
	maxBodyBytes  int64
	warnNoAuth    sync.Once
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Normalizer == nil || opts.Resolver == nil {
		return nil, fmt.Errorf("%w: server requires normalizer and resolver", relaychat.ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	maxSkew := opts.MaxSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	maxBodyBytes := opts.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &Server{
		normalizer:    opts.Normalizer,
		resolver:      opts.Resolver,
		records:       opts.Records,
		scan:          opts.Scan,
		logger:        logger,
		signingSecret: strings.TrimSpace(opts.SigningSecret),
		maxSkew:       maxSkew,
		maxBodyBytes:  maxBodyBytes,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/v1/chat/events" && r.Method == http.MethodPost:
		s.handleChatEvents(w, r)
	case r.URL.Path == "/v1/net/records/fetch" && r.Method == http.MethodPost:
		s.handleRecordsFetch(w, r)
	case r.URL.Path == "/v1/admin/scan" && r.Method == http.MethodGet:
		s.handleScanStatus(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

type eventEnvelope struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge,omitempty"`
	TeamID    string          `json:"team_id,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

func (s *Server) handleChatEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	if s.signingSecret == "" {
		s.warnNoAuth.Do(func() {
			s.logger.Printf("httpapi: webhook signature verification skipped, no signing secret configured")
		})
	} else if err := verifySignature(
		s.signingSecret,
		body,
		r.Header.Get("X-Slack-Request-Timestamp"),
		r.Header.Get("X-Slack-Signature"),
		time.Now(),
		s.maxSkew,
	); err != nil {
		writeError(w, http.StatusForbidden, "forbidden", "invalid signature")
		return
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed envelope")
		return
	}

	switch envelope.Type {
	case "url_verification":
		writeJSON(w, http.StatusOK, map[string]string{"challenge": envelope.Challenge})
		return
	case "event_callback":
	default:
		// Unknown envelope types are acknowledged so the platform stops
		// retrying them.
		s.logger.Printf("httpapi: ignoring envelope type %q", envelope.Type)
		writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
		return
	}

	if len(envelope.Event) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "envelope has no event")
		return
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(envelope.Event)))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed event")
		return
	}
	if err := eventSchema.Validate(instance); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "event failed validation: "+err.Error())
		return
	}

	var ev relaychat.InboundEvent
	if err := json.Unmarshal(envelope.Event, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed event")
		return
	}
	if ev.Team == "" {
		ev.Team = envelope.TeamID
	}

	if err := s.normalizer.HandleEvent(r.Context(), ev); err != nil {
		if errors.Is(err, relaychat.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		s.logger.Printf("httpapi: event handling failed: %v", err)
		writeError(w, http.StatusBadGateway, "publish_failed", "event could not be published")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

type fetchRequest struct {
	Refs []string `json:"refs"`
}

type fetchResponse struct {
	Records  []relaychat.Record `json:"records"`
	NotFound []notFoundEntry    `json:"notFound"`
}

type notFoundEntry struct {
	Ref    string `json:"ref"`
	Reason string `json:"reason,omitempty"`
}

// handleRecordsFetch answers a peer lookup: the node's cache is consulted
// first, then the resolver shrinks whatever is still missing by fetching
// from the platform.
func (s *Server) handleRecordsFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed request")
		return
	}
	if len(req.Refs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "refs is required")
		return
	}

	refs := make([]relaychat.EntityRef, 0, len(req.Refs))
	response := fetchResponse{Records: []relaychat.Record{}, NotFound: []notFoundEntry{}}
	for _, raw := range req.Refs {
		ref, err := relaychat.ParseEntityRef(raw)
		if err != nil {
			response.NotFound = append(response.NotFound, notFoundEntry{Ref: raw, Reason: err.Error()})
			continue
		}
		refs = append(refs, ref)
	}

	found, missing, err := s.lookupCached(r.Context(), refs)
	if err != nil {
		s.logger.Printf("httpapi: cache lookup failed, resolving everything upstream: %v", err)
		found, missing = nil, refs
	}
	response.Records = append(response.Records, found...)

	resolved, unresolved := s.resolver.ResolveMissing(r.Context(), missing)
	response.Records = append(response.Records, resolved...)
	for _, miss := range unresolved {
		response.NotFound = append(response.NotFound, notFoundEntry{Ref: miss.Ref.String(), Reason: miss.Reason})
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) lookupCached(ctx context.Context, refs []relaychat.EntityRef) ([]relaychat.Record, []relaychat.EntityRef, error) {
	if s.records == nil {
		return nil, refs, nil
	}
	return s.records.Lookup(ctx, refs)
}

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	if s.scan == nil {
		writeError(w, http.StatusNotFound, "not_found", "no scan has been started")
		return
	}
	writeJSON(w, http.StatusOK, s.scan.Status())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
