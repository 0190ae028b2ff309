package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mindgraph/internal/protocol"
	"mindgraph/internal/session"
	"mindgraph/internal/store"
	"mindgraph/internal/stream"
)

// scriptedProcess fakes the agent subprocess: it announces an init
// record on launch and answers every user message with a text block
// followed by a result record.
type scriptedProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	exitOnce sync.Once
	exited   chan struct{}
}

func (p *scriptedProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *scriptedProcess) Stdout() io.Reader     { return p.stdoutR }

func (p *scriptedProcess) Interrupt() error {
	p.exit()
	return nil
}

func (p *scriptedProcess) Kill() error {
	p.exit()
	return nil
}

func (p *scriptedProcess) Wait() error {
	<-p.exited
	return nil
}

func (p *scriptedProcess) exit() {
	p.exitOnce.Do(func() {
		p.stdoutW.Close()
		p.stdinR.Close()
		close(p.exited)
	})
}

type scriptedLauncher struct {
	n   int32
	err error
}

func (l *scriptedLauncher) Launch() (session.Process, error) {
	if l.err != nil {
		return nil, l.err
	}
	p := &scriptedProcess{exited: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()

	id := fmt.Sprintf("sess-%d", atomic.AddInt32(&l.n, 1))
	go func() {
		fmt.Fprintf(p.stdoutW, `{"type":"system","subtype":"init","session_id":"%s"}`+"\n", id)
		scanner := bufio.NewScanner(p.stdinR)
		for scanner.Scan() {
			fmt.Fprintln(p.stdoutW, `{"type":"assistant","message":{"content":[{"type":"text","text":"echo"}]}}`)
			fmt.Fprintln(p.stdoutW, `{"type":"result","subtype":"success","duration_ms":1}`)
		}
	}()
	return p, nil
}

func newTestServer(launcher session.Launcher, st store.Store) (*Server, *session.Registry) {
	factory := func(graphID string) *session.Session {
		return session.New(launcher, st, graphID)
	}
	registry := session.NewRegistry(factory, st)
	srv := New(registry, st, "")
	return srv, registry
}

func TestServer_Handler(t *testing.T) {
	srv, _ := newTestServer(&scriptedLauncher{}, nil)
	if srv.Handler() == nil {
		t.Fatal("expected non-nil handler")
	}
}

func TestServer_GetSessionBeforeStart(t *testing.T) {
	srv, _ := newTestServer(&scriptedLauncher{}, nil)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/session", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_SendMessageBadBody(t *testing.T) {
	srv, _ := newTestServer(&scriptedLauncher{}, nil)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/session/messages", strings.NewReader("invalid json"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_SendMessageMissingContent(t *testing.T) {
	srv, _ := newTestServer(&scriptedLauncher{}, nil)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/session/messages", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_SendMessageLaunchFailure(t *testing.T) {
	srv, _ := newTestServer(&scriptedLauncher{err: errors.New("agent unavailable")}, nil)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/session/messages", strings.NewReader(`{"content":"hi"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestServer_SendMessageQueuesAndConflicts(t *testing.T) {
	srv, registry := newTestServer(&scriptedLauncher{}, nil)
	defer registry.StopAll()
	handler := srv.Handler()

	// Walk the session to Ready before the first send.
	sess, err := registry.Get()
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}

	req := httptest.NewRequest("POST", "/session/messages", strings.NewReader(`{"content":"hi"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	// A second message during the in-flight turn conflicts. The fake
	// answers quickly, so only check the race-free outcomes.
	req = httptest.NewRequest("POST", "/session/messages", strings.NewReader(`{"content":"again"}`))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusConflict && w.Code != http.StatusAccepted {
		t.Errorf("expected 409 or 202, got %d", w.Code)
	}
}

func TestServer_CancelWithoutSession(t *testing.T) {
	srv, _ := newTestServer(&scriptedLauncher{}, nil)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/session/cancel", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
}

func TestServer_ResetStartsNewSession(t *testing.T) {
	srv, registry := newTestServer(&scriptedLauncher{}, nil)
	defer registry.StopAll()
	handler := srv.Handler()

	first, err := registry.Get()
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := first.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	firstID := first.ID()

	req := httptest.NewRequest("POST", "/session/reset", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	replacement := registry.Current()
	if replacement == first {
		t.Error("reset did not replace the session")
	}
	rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rcancel()
	if err := replacement.WaitReady(rctx); err != nil {
		t.Fatalf("replacement not ready: %v", err)
	}
	if replacement.ID() == firstID {
		t.Error("replacement reused the old session id")
	}
}

func TestServer_ResumeMissingTarget(t *testing.T) {
	srv, _ := newTestServer(&scriptedLauncher{}, nil)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/session/resume", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_ResumeUnknownSession(t *testing.T) {
	srv, registry := newTestServer(&scriptedLauncher{}, store.NewMemoryStore())
	defer registry.StopAll()
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/session/resume", strings.NewReader(`{"sessionId":"missing"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestServer_ResumeCarriesStoredContext(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now().UTC()
	if err := st.SaveSession(context.Background(), store.SessionRecord{
		ID: "prior", Context: "graph-9", CreatedAt: now, LastUsedAt: now,
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	srv, registry := newTestServer(&scriptedLauncher{}, st)
	defer registry.StopAll()
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/session/resume", strings.NewReader(`{"sessionId":"prior"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var info session.Info
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.GraphID != "graph-9" {
		t.Errorf("expected graph-9 context, got %q", info.GraphID)
	}
	if info.ID == "prior" {
		t.Error("resume must assign a fresh session id")
	}
}

func TestServer_ListSessionsEmpty(t *testing.T) {
	srv, _ := newTestServer(&scriptedLauncher{}, store.NewMemoryStore())
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var records []store.SessionRecord
	json.NewDecoder(w.Body).Decode(&records)
	if len(records) != 0 {
		t.Errorf("expected empty list, got %d records", len(records))
	}
}

func TestServer_DeleteSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(&scriptedLauncher{}, store.NewMemoryStore())
	handler := srv.Handler()

	req := httptest.NewRequest("DELETE", "/sessions/nonexistent", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_DeleteSession(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now().UTC()
	st.SaveSession(context.Background(), store.SessionRecord{ID: "sess-1", CreatedAt: now, LastUsedAt: now})

	srv, _ := newTestServer(&scriptedLauncher{}, st)
	handler := srv.Handler()

	req := httptest.NewRequest("DELETE", "/sessions/sess-1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if _, err := st.GetSession(context.Background(), "sess-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("record should be gone, got %v", err)
	}
}

func TestServer_WebSocketTurnRoundTrip(t *testing.T) {
	srv, registry := newTestServer(&scriptedLauncher{}, nil)
	defer registry.StopAll()
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	msg := map[string]interface{}{
		"type":      protocol.TypeSessionSend,
		"payload":   map[string]interface{}{"content": "ping"},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)
	ws.WriteMessage(websocket.TextMessage, data)

	// The client should observe the text block and the turn result,
	// interleaved with state broadcasts.
	var sawText, sawResult bool
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !(sawText && sawResult) {
		ws.SetReadDeadline(deadline)
		_, respData, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read message failed: %v", err)
		}
		var resp protocol.Message
		json.Unmarshal(respData, &resp)
		switch resp.Type {
		case "session.text":
			sawText = true
		case "session.turn_result":
			sawResult = true
		case protocol.TypeError:
			t.Fatalf("unexpected error message: %s", respData)
		}
	}
	if !sawText || !sawResult {
		t.Errorf("incomplete turn over websocket: text=%v result=%v", sawText, sawResult)
	}
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	srv, _ := newTestServer(&scriptedLauncher{}, nil)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	ws.WriteMessage(websocket.TextMessage, []byte("not json"))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, respData, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}

	var resp protocol.Message
	json.Unmarshal(respData, &resp)
	if resp.Type != protocol.TypeError {
		t.Errorf("expected error type, got %s", resp.Type)
	}
}

func TestServer_ClientDisconnectMidStream(t *testing.T) {
	srv, registry := newTestServer(&scriptedLauncher{}, nil)
	defer registry.StopAll()

	sess, err := registry.Get()
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}

	// A tiny buffer keeps agent events queued on the subscription when
	// the client goes away mid-turn.
	c := &client{send: make(chan []byte, 1), server: srv}
	srv.clientsMu.Lock()
	srv.clients[c] = true
	srv.clientsMu.Unlock()
	srv.subscribeClient(c, sess)

	if err := sess.SendMessage("ping"); err != nil {
		t.Fatalf("send: %v", err)
	}
	srv.removeClient(c)

	// The forwarding goroutine drains whatever was buffered before the
	// unsubscribe; late deliveries must be dropped, not crash anything.
	srv.sendEvent(c, stream.NewError("late"))
	srv.sendState(c, sess)
	srv.broadcastState(sess)
	time.Sleep(50 * time.Millisecond)
}

func TestServer_CORSHeaders(t *testing.T) {
	srv, _ := newTestServer(&scriptedLauncher{}, nil)
	handler := srv.Handler()

	req := httptest.NewRequest("OPTIONS", "/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
}
