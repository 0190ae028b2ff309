// Package realtime exposes the session over WebSocket and REST and
// fans agent events out to connected dashboard clients.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mindgraph/internal/protocol"
	"mindgraph/internal/session"
	"mindgraph/internal/store"
	"mindgraph/internal/stream"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	resumeTimeout = 30 * time.Second
	readyTimeout  = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server manages WebSocket connections and routes messages between
// clients, the session registry, and the graph watcher.
type Server struct {
	registry  *session.Registry
	store     store.Store // may be nil
	staticDir string

	clientsMu sync.RWMutex
	clients   map[*client]bool

	// trackMu guards the session the clients are currently wired to.
	// Reset and resume swap it; every swap resubscribes all clients.
	trackMu sync.Mutex
	tracked *session.Session
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu    sync.Mutex
	sess  *session.Session
	subID string
}

// New creates a realtime server. st may be nil.
func New(registry *session.Registry, st store.Store, staticDir string) *Server {
	return &Server{
		registry:  registry,
		store:     st,
		staticDir: staticDir,
		clients:   make(map[*client]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /session", s.handleGetSession)
	mux.HandleFunc("POST /session/messages", s.handleSendMessage)
	mux.HandleFunc("POST /session/cancel", s.handleCancel)
	mux.HandleFunc("POST /session/reset", s.handleReset)
	mux.HandleFunc("POST /session/resume", s.handleResume)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// Wire the new client into the live session, if one exists, so it
	// receives the replayed history and current state immediately.
	if sess := s.registry.Current(); sess != nil && sess.State() != session.StateStopped {
		s.trackMu.Lock()
		s.tracked = sess
		s.trackMu.Unlock()
		s.subscribeClient(c, sess)
		s.sendState(c, sess)
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient detaches a disconnected client. Its send channel stays
// open: the subscription drain may still deliver buffered events after
// Unsubscribe closes the event channel, and a send case on a closed
// channel panics even under select. writePump exits via the closed
// connection instead.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	c.mu.Lock()
	sess, subID := c.sess, c.subID
	c.sess, c.subID = nil, ""
	c.mu.Unlock()
	if sess != nil && subID != "" {
		sess.Unsubscribe(subID)
	}
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionSend:
		s.handleWSSend(c, msg)
	case protocol.TypeSessionCancel:
		s.handleWSCancel(c)
	case protocol.TypeSessionReset:
		s.handleWSReset(c)
	case protocol.TypeSessionResume:
		s.handleWSResume(c, msg)
	}
}

func (s *Server) handleWSSend(c *client, msg *protocol.Message) {
	var payload protocol.SessionSendPayload
	json.Unmarshal(msg.Payload, &payload)

	sess, err := s.ensureSession()
	if err != nil {
		s.sendError(c, protocol.ErrSpawnFailed, err.Error())
		return
	}

	if err := sess.SendMessage(payload.Content); err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}
	s.broadcastState(sess)
}

func (s *Server) handleWSCancel(c *client) {
	sess := s.registry.Current()
	if sess == nil {
		s.sendError(c, protocol.ErrNotReady, "no active session")
		return
	}
	if err := sess.Cancel(); err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}
	s.broadcastState(sess)
}

func (s *Server) handleWSReset(c *client) {
	sess, err := s.registry.Reset()
	if err != nil {
		s.sendError(c, protocol.ErrSpawnFailed, err.Error())
		return
	}
	s.adoptSession(sess)
}

func (s *Server) handleWSResume(c *client, msg *protocol.Message) {
	var payload protocol.SessionResumePayload
	json.Unmarshal(msg.Payload, &payload)

	ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
	defer cancel()
	sess, err := s.registry.ResumeFrom(ctx, payload.SessionID, payload.GraphID)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}
	s.adoptSession(sess)
}

// ensureSession returns the live session, creating one if needed, and
// wires all connected clients to it when it is new. It blocks until the
// agent has announced its session id so a send right after startup is
// not rejected.
func (s *Server) ensureSession() (*session.Session, error) {
	sess, err := s.registry.Get()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()
	if err := sess.WaitReady(ctx); err != nil {
		return nil, err
	}

	s.trackMu.Lock()
	known := s.tracked == sess
	s.tracked = sess
	s.trackMu.Unlock()

	if !known {
		s.resubscribeAll(sess)
		s.broadcastState(sess)
	}
	return sess, nil
}

// adoptSession rewires every connected client to a replacement session
// after a reset or resume.
func (s *Server) adoptSession(sess *session.Session) {
	s.trackMu.Lock()
	s.tracked = sess
	s.trackMu.Unlock()

	s.resubscribeAll(sess)
	s.broadcastState(sess)
}

func (s *Server) resubscribeAll(sess *session.Session) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.subscribeClient(c, sess)
	}
}

// subscribeClient attaches a client to a session's event stream,
// replacing any previous subscription. History is replayed first.
func (s *Server) subscribeClient(c *client, sess *session.Session) {
	c.mu.Lock()
	if c.sess == sess {
		c.mu.Unlock()
		return
	}
	oldSess, oldSub := c.sess, c.subID

	subID, ch, history := sess.Subscribe()
	c.sess, c.subID = sess, subID
	c.mu.Unlock()

	if oldSess != nil && oldSub != "" {
		oldSess.Unsubscribe(oldSub)
	}

	for _, event := range history {
		s.sendEvent(c, event)
	}

	go func() {
		for event := range ch {
			s.sendEvent(c, event)
			if event.Kind == stream.KindTurnResult || event.Kind == stream.KindClosed {
				s.broadcastState(sess)
			}
		}
	}()
}

func (s *Server) sendEvent(c *client, event stream.Event) {
	msg, err := protocol.EventMessage(event)
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) sendState(c *client, sess *session.Session) {
	data, err := stateMessage(sess)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// broadcastState sends the session snapshot to all connected clients.
func (s *Server) broadcastState(sess *session.Session) {
	data, err := stateMessage(sess)
	if err != nil {
		return
	}
	s.broadcastRaw(data)
}

func stateMessage(sess *session.Session) ([]byte, error) {
	info := sess.Info()
	msg, err := protocol.NewMessage(protocol.TypeSessionState, protocol.SessionStatePayload{
		ID:           info.ID,
		State:        string(info.State),
		GraphID:      info.GraphID,
		MessageCount: info.MessageCount,
		CreatedAt:    info.CreatedAt,
		LastUsedAt:   info.LastUsedAt,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func (s *Server) broadcastRaw(data []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
	}
}

// errorCode maps session and store errors to protocol error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrTurnInProgress):
		return protocol.ErrTurnInProgress
	case errors.Is(err, session.ErrNotReady):
		return protocol.ErrNotReady
	case errors.Is(err, store.ErrNotFound):
		return protocol.ErrSessionNotFound
	default:
		return protocol.ErrInternal
	}
}

// OnGraphUpdate is the graph watcher callback: it notifies every client
// that the named graph exports changed on disk.
func (s *Server) OnGraphUpdate(graphs []string) {
	msg, err := protocol.NewMessage(protocol.TypeGraphUpdated, protocol.GraphUpdatedPayload{Graphs: graphs})
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	s.broadcastRaw(data)
}
