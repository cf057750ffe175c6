package relay

import (
	"context"
	"encoding/json"

	"goa.design/clue/log"

	"agentrelay/internal/permission"
	"agentrelay/internal/protocol"
	"agentrelay/internal/session"
	"agentrelay/internal/upstream"
	"agentrelay/internal/usage"
)

// Sink receives normalized frames in upstream emission order. Returning an
// error aborts translation; the caller abandons the upstream stream.
type Sink func(*protocol.Event) error

// PermissionResponder delivers a human decision back to the upstream so the
// paused tool invocation can proceed.
type PermissionResponder interface {
	RespondPermission(ctx context.Context, requestID string, allowed bool, reason string) error
}

// Translator converts one upstream event stream into the client frame
// vocabulary, recording session handles, accumulating usage, and brokering
// permission requests along the way.
type Translator struct {
	registry   *session.Registry
	rendezvous *permission.Rendezvous
	pricing    func() usage.Table
	responder  PermissionResponder
}

// NewTranslator wires a translator over the shared registries.
func NewTranslator(registry *session.Registry, rendezvous *permission.Rendezvous, pricing func() usage.Table, responder PermissionResponder) *Translator {
	return &Translator{
		registry:   registry,
		rendezvous: rendezvous,
		pricing:    pricing,
		responder:  responder,
	}
}

// Translate consumes the stream and emits frames until the upstream ends.
// The emitted sequence terminates with exactly one done or error frame. The
// returned error is only ever a sink failure; upstream failures become error
// frames instead.
func (t *Translator) Translate(ctx context.Context, chatID string, stream upstream.Stream, emit Sink) error {
	var totals usage.Totals
	var model string
	var initSeen bool

	for stream.Next() {
		ev := stream.Current()

		switch ev.Classify() {
		case upstream.KindInit:
			// Only the first init counts; session_init must precede every
			// other frame, so a stray late init is dropped.
			if initSeen {
				log.Debugf(ctx, "dropping duplicate init event for session %q", ev.SessionID)
				continue
			}
			initSeen = true
			// The handle must be recorded before any frame for this turn is
			// forwarded: a client that disconnects right after session_init
			// still resumes correctly on its next call.
			t.registry.Record(chatID, ev.SessionID)
			if model == "" {
				model = ev.Model
			}
			if err := send(emit, protocol.TypeSessionInit, protocol.SessionInitPayload{
				SessionID: ev.SessionID,
				Model:     ev.Model,
			}); err != nil {
				return err
			}

		case upstream.KindAssistant:
			msg := ev.Message
			if model == "" {
				model = msg.Model
			}
			snapshot := tokenUsage(msg.Usage)
			if snapshot != nil {
				totals.Add(usage.Totals(*snapshot))
			}
			if err := t.emitBlocks(emit, msg.Content, snapshot); err != nil {
				return err
			}

		case upstream.KindUserEcho:
			// The echo path delivers the same tool results as embedded
			// assistant blocks; both normalize to one tool_result shape.
			for _, blk := range ev.Message.Content {
				if blk.Type != upstream.BlockToolResult {
					continue
				}
				if err := send(emit, protocol.TypeToolResult, protocol.ToolResultPayload{
					ToolUseID: blk.ToolUseID,
					Content:   blk.Content,
					IsError:   blk.IsError,
				}); err != nil {
					return err
				}
			}

		case upstream.KindToolResult:
			if err := send(emit, protocol.TypeToolResult, protocol.ToolResultPayload{
				ToolUseID: ev.ToolUseID,
				Content:   ev.Content,
			}); err != nil {
				return err
			}

		case upstream.KindResult:
			if ev.IsError || ev.Subtype == "error" {
				if err := send(emit, protocol.TypeError, protocol.ErrorPayload{
					Message: ev.Result,
					Code:    protocol.ErrUpstreamFailed,
				}); err != nil {
					return err
				}
				return nil
			}
			content, _ := json.Marshal(ev.Result)
			if err := send(emit, protocol.TypeToolResult, protocol.ToolResultPayload{
				ToolUseID: ev.ToolUseID,
				Content:   content,
			}); err != nil {
				return err
			}

		case upstream.KindControlRequest:
			ch := t.rendezvous.Register(ev.RequestID)
			if err := send(emit, protocol.TypePermissionRequest, protocol.PermissionRequestPayload{
				RequestID: ev.RequestID,
				Tool:      ev.Tool,
				Input:     ev.Input,
			}); err != nil {
				return err
			}
			go t.awaitDecision(ctx, ev.RequestID, ch)

		default:
			log.Debugf(ctx, "dropping unrecognized upstream event type %q", ev.Type)
		}
	}

	if err := stream.Err(); err != nil {
		log.Errorf(ctx, err, "upstream stream failed")
		return send(emit, protocol.TypeError, protocol.ErrorPayload{
			Message: err.Error(),
			Code:    protocol.ErrUpstreamFailed,
		})
	}

	if !totals.IsZero() {
		price := t.pricing().Price(model)
		if err := send(emit, protocol.TypeUsage, protocol.UsagePayload{
			TokenUsage: protocol.TokenUsage(totals),
			CostUSD:    totals.Cost(price),
			Model:      model,
		}); err != nil {
			return err
		}
	}

	return send(emit, protocol.TypeDone, protocol.DonePayload{})
}

// emitBlocks forwards assistant content blocks in order. The usage snapshot
// attached to tool_use frames is the parent message's delta, not the
// cumulative total.
func (t *Translator) emitBlocks(emit Sink, blocks upstream.BlockList, snapshot *protocol.TokenUsage) error {
	for _, blk := range blocks {
		switch blk.Type {
		case upstream.BlockText:
			if err := send(emit, protocol.TypeText, protocol.TextPayload{Text: blk.Text}); err != nil {
				return err
			}
		case upstream.BlockToolUse:
			if err := send(emit, protocol.TypeToolUse, protocol.ToolUsePayload{
				ID:    blk.ID,
				Name:  blk.Name,
				Input: blk.Input,
				Usage: snapshot,
			}); err != nil {
				return err
			}
		case upstream.BlockToolResult:
			if err := send(emit, protocol.TypeToolResult, protocol.ToolResultPayload{
				ToolUseID: blk.ToolUseID,
				Content:   blk.Content,
				IsError:   blk.IsError,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// awaitDecision waits for the human decision and relays it upstream. When
// the originating request ends first the entry is abandoned: nothing is sent
// and the tool invocation stays paused on the upstream side.
func (t *Translator) awaitDecision(ctx context.Context, requestID string, ch <-chan permission.Decision) {
	select {
	case d := <-ch:
		if err := t.responder.RespondPermission(ctx, requestID, d.Allowed, d.Reason); err != nil {
			log.Errorf(ctx, err, "relaying permission decision for %s", requestID)
		}
	case <-ctx.Done():
		t.rendezvous.Abandon(requestID)
	}
}

func tokenUsage(u *upstream.TokenUsage) *protocol.TokenUsage {
	if u == nil {
		return nil
	}
	return &protocol.TokenUsage{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheWriteTokens: u.CacheCreationInputTokens,
		CacheReadTokens:  u.CacheReadInputTokens,
	}
}

func send(emit Sink, eventType string, payload interface{}) error {
	ev, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	return emit(ev)
}
