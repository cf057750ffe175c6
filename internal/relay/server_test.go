package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrelay/internal/attach"
	"agentrelay/internal/permission"
	"agentrelay/internal/protocol"
	"agentrelay/internal/session"
	"agentrelay/internal/upstream"
	"agentrelay/internal/usage"
)

type fakeUpstream struct {
	mu        sync.Mutex
	requests  []upstream.Request
	events    []upstream.Event
	invokeErr error
	permCalls []respondCall
}

func (f *fakeUpstream) Invoke(ctx context.Context, req upstream.Request) (upstream.Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	return &fakeStream{events: f.events}, nil
}

func (f *fakeUpstream) RespondPermission(ctx context.Context, requestID string, allowed bool, reason string) error {
	f.mu.Lock()
	f.permCalls = append(f.permCalls, respondCall{requestID, allowed, reason})
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) lastRequest(t *testing.T) upstream.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

type testServer struct {
	srv        *Server
	registry   *session.Registry
	rendezvous *permission.Rendezvous
	up         *fakeUpstream
}

func newTestServer(t *testing.T, up *fakeUpstream) *testServer {
	t.Helper()
	stager, err := attach.NewStager(t.TempDir())
	require.NoError(t, err)

	registry := session.NewRegistry()
	rendezvous := permission.New()
	srv := New(context.Background(), registry, rendezvous, stager, up, func() usage.Table {
		return usage.DefaultTable()
	})

	return &testServer{srv: srv, registry: registry, rendezvous: rendezvous, up: up}
}

func (ts *testServer) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeFrames(t *testing.T, body string) []*protocol.Event {
	t.Helper()
	var frames []*protocol.Event
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev protocol.Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		frames = append(frames, &ev)
	}
	return frames
}

func TestHandleChat_RejectsBlankMessageBeforeStreaming(t *testing.T) {
	ts := newTestServer(t, &fakeUpstream{})

	w := ts.post(t, "/api/chat", map[string]any{"message": "   ", "chatId": "c1"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, protocol.ErrInvalidMessage, p.Code)
	assert.Contains(t, p.Message, "message")

	ts.up.mu.Lock()
	defer ts.up.mu.Unlock()
	assert.Empty(t, ts.up.requests)
}

func TestHandleChat_RejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t, &fakeUpstream{})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChat_StreamsNDJSONFrames(t *testing.T) {
	up := &fakeUpstream{events: []upstream.Event{
		{Type: "system", Subtype: "init", SessionID: "s-7", Model: "claude-sonnet-4-5"},
		assistantEvent(`[{"type":"text","text":"hello"}]`, nil),
	}}
	ts := newTestServer(t, up)

	w := ts.post(t, "/api/chat", map[string]any{"message": "hi", "chatId": "c1"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	frames := decodeFrames(t, w.Body.String())
	require.Equal(t, []string{"session_init", "text", "done"}, frameTypes(frames))
	for _, f := range frames {
		assert.Equal(t, "c1", f.ChatID)
		assert.False(t, f.Timestamp.IsZero())
	}

	// The turn's handle is now resumable.
	handle, ok := ts.registry.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, "s-7", handle)
}

func TestHandleChat_ResumesKnownChat(t *testing.T) {
	up := &fakeUpstream{events: []upstream.Event{
		assistantEvent(`[{"type":"text","text":"back"}]`, nil),
	}}
	ts := newTestServer(t, up)
	ts.registry.Record("c1", "s-42")

	w := ts.post(t, "/api/chat", map[string]any{"message": "continue", "chatId": "c1"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s-42", up.lastRequest(t).Resume)
}

func TestHandleChat_UnknownChatStartsFresh(t *testing.T) {
	up := &fakeUpstream{events: []upstream.Event{
		assistantEvent(`[{"type":"text","text":"fresh"}]`, nil),
	}}
	ts := newTestServer(t, up)

	ts.post(t, "/api/chat", map[string]any{"message": "hi", "chatId": "brand-new"})

	assert.Empty(t, up.lastRequest(t).Resume)
}

func TestHandleChat_UpstreamFailureYieldsSingleErrorFrame(t *testing.T) {
	up := &fakeUpstream{invokeErr: errors.New("dial tcp: refused")}
	ts := newTestServer(t, up)

	w := ts.post(t, "/api/chat", map[string]any{"message": "hi", "chatId": "c1"})

	frames := decodeFrames(t, w.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeError, frames[0].Type)

	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(frames[0].Payload, &p))
	assert.Equal(t, protocol.ErrUpstreamFailed, p.Code)
}

func TestHandleChat_AttachmentsAugmentPrompt(t *testing.T) {
	up := &fakeUpstream{events: []upstream.Event{
		assistantEvent(`[{"type":"text","text":"got it"}]`, nil),
	}}
	ts := newTestServer(t, up)

	ts.post(t, "/api/chat", map[string]any{
		"message": "describe this",
		"chatId":  "c1",
		"attachments": []map[string]any{
			{"name": "pic.png", "type": "image", "data": "data:image/png;base64,aGVsbG8="},
		},
	})

	prompt := up.lastRequest(t).Prompt
	assert.Contains(t, prompt, "describe this")
	assert.Contains(t, prompt, "Attached files:")
	assert.Contains(t, prompt, "pic.png")
}

func TestHandleChat_FramesRetainedForReplay(t *testing.T) {
	up := &fakeUpstream{events: []upstream.Event{
		assistantEvent(`[{"type":"text","text":"hello"}]`, nil),
	}}
	ts := newTestServer(t, up)

	ts.post(t, "/api/chat", map[string]any{"message": "hi", "chatId": "c1"})

	recent := ts.srv.ring.Recent("c1")
	require.Len(t, recent, 2)
	assert.Equal(t, protocol.TypeText, recent[0].Type)
	assert.Equal(t, protocol.TypeDone, recent[1].Type)
}

func TestResolvePermission_Flow(t *testing.T) {
	ts := newTestServer(t, &fakeUpstream{})
	ch := ts.rendezvous.Register("p1")

	w := ts.post(t, "/api/permissions/resolve", map[string]any{
		"requestId": "p1", "allowed": true, "reason": "looks safe",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"resolved"}`, w.Body.String())

	select {
	case d := <-ch:
		assert.True(t, d.Allowed)
		assert.Equal(t, "looks safe", d.Reason)
	case <-time.After(time.Second):
		t.Fatal("decision never delivered")
	}
}

func TestResolvePermission_Unknown(t *testing.T) {
	ts := newTestServer(t, &fakeUpstream{})

	w := ts.post(t, "/api/permissions/resolve", map[string]any{"requestId": "ghost", "allowed": false})

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, protocol.ErrPermissionNotFound, p.Code)
}

func TestResolvePermission_SecondResolutionRejected(t *testing.T) {
	ts := newTestServer(t, &fakeUpstream{})
	ts.rendezvous.Register("p1")

	first := ts.post(t, "/api/permissions/resolve", map[string]any{"requestId": "p1", "allowed": true})
	second := ts.post(t, "/api/permissions/resolve", map[string]any{"requestId": "p1", "allowed": false})

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusNotFound, second.Code)
}

func TestResolvePermission_MissingRequestID(t *testing.T) {
	ts := newTestServer(t, &fakeUpstream{})

	w := ts.post(t, "/api/permissions/resolve", map[string]any{"allowed": true})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, &fakeUpstream{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status string `json:"status"`
		Time   string `json:"time"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	_, err := time.Parse(time.RFC3339Nano, body.Time)
	assert.NoError(t, err)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, &fakeUpstream{})

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
