// Package relay is the orchestrator: it accepts chat requests, drives the
// attachment stager, session registry, upstream client, and permission
// rendezvous, and streams the normalized frames back to clients over NDJSON
// or WebSocket.
package relay

import (
	"context"
	"net/http"
	"sync"

	"goa.design/clue/log"

	"agentrelay/internal/attach"
	"agentrelay/internal/permission"
	"agentrelay/internal/protocol"
	"agentrelay/internal/session"
	"agentrelay/internal/upstream"
	"agentrelay/internal/usage"
)

const defaultRingCapacity = 200

// UpstreamClient is the slice of the upstream client the relay needs.
type UpstreamClient interface {
	Invoke(ctx context.Context, req upstream.Request) (upstream.Stream, error)
	RespondPermission(ctx context.Context, requestID string, allowed bool, reason string) error
}

// Server routes requests between clients, the upstream runtime, and the
// shared registries.
type Server struct {
	baseCtx    context.Context
	registry   *session.Registry
	rendezvous *permission.Rendezvous
	stager     *attach.Stager
	upstream   UpstreamClient
	translator *Translator
	ring       *FrameRing

	clients   map[*client]bool
	clientsMu sync.RWMutex
}

// New creates a relay server. ctx carries the logger for work that outlives
// individual requests (WebSocket pumps, permission awaiters).
func New(ctx context.Context, registry *session.Registry, rendezvous *permission.Rendezvous, stager *attach.Stager, upstreamClient UpstreamClient, pricing func() usage.Table) *Server {
	return &Server{
		baseCtx:    ctx,
		registry:   registry,
		rendezvous: rendezvous,
		stager:     stager,
		upstream:   upstreamClient,
		translator: NewTranslator(registry, rendezvous, pricing, upstreamClient),
		ring:       NewFrameRing(defaultRingCapacity),
		clients:    make(map[*client]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/permissions/resolve", s.handleResolvePermission)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// runTurn drives one chat turn end to end: stage attachments, resolve the
// resume handle, invoke the upstream, and translate its stream into frames.
// Failures reaching the upstream become a single terminal error frame; a
// failed emit means the client is gone and consumption is abandoned.
func (s *Server) runTurn(ctx context.Context, req *protocol.ChatRequest, emit Sink) {
	sink := func(ev *protocol.Event) error {
		ev.ChatID = req.ChatID
		s.ring.Append(req.ChatID, ev)
		return emit(ev)
	}

	prompt := req.Message
	if len(req.Attachments) > 0 {
		manifest := s.stager.Stage(ctx, req.Attachments)
		prompt = attach.AugmentPrompt(prompt, manifest)
	}

	upReq := upstream.Request{Prompt: prompt}
	if handle, ok := s.registry.Lookup(req.ChatID); ok {
		upReq.Resume = handle
	}

	stream, err := s.upstream.Invoke(ctx, upReq)
	if err != nil {
		log.Errorf(ctx, err, "upstream invocation failed")
		frame, ferr := protocol.NewErrorEvent(protocol.ErrUpstreamFailed, err.Error())
		if ferr == nil {
			_ = sink(frame)
		}
		return
	}
	defer stream.Close()

	if err := s.translator.Translate(ctx, req.ChatID, stream, sink); err != nil {
		log.Debugf(ctx, "client stream aborted: %v", err)
	}
}

// resolvePermission fulfills a pending permission request. Shared by the
// REST and WebSocket paths.
func (s *Server) resolvePermission(p *protocol.PermissionResolvePayload) bool {
	return s.rendezvous.Resolve(p.RequestID, permission.Decision{
		Allowed: p.Allowed,
		Reason:  p.Reason,
	})
}
