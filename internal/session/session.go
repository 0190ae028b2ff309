// Package session owns the lifecycle of the agent subprocess: one
// running process at a time, one in-flight turn at a time, with events
// fanned out to any number of subscribers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"mindgraph/internal/store"
	"mindgraph/internal/stream"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStarting      State = "starting"
	StateReady         State = "ready"
	StateProcessing    State = "processing"
	StateCancelling    State = "cancelling"
	StateStopped       State = "stopped"
)

var (
	// ErrNotReady is returned when an operation needs a live, initialized
	// session and the session is not in that state.
	ErrNotReady = errors.New("session not ready")

	// ErrTurnInProgress is returned by SendMessage while a previous turn
	// has not produced its result yet.
	ErrTurnInProgress = errors.New("turn already in progress")
)

const (
	subscriberBufferSize = 256
	historySize          = 512

	defaultGracefulTimeout = 5 * time.Second
	persistTimeout         = 5 * time.Second
)

// Info is a point-in-time snapshot of session metadata.
type Info struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	GraphID      string    `json:"graphId,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUsedAt   time.Time `json:"lastUsedAt"`
}

// Session drives a single agent subprocess. All state transitions are
// serialized by mu; the read and write loops run as goroutines for the
// lifetime of the process.
type Session struct {
	launcher Launcher
	store    store.Store // nil disables persistence

	gracefulTimeout time.Duration

	mu           sync.Mutex
	state        State
	id           string // set once by the first init event
	graphID      string
	messageCount int
	createdAt    time.Time
	lastUsedAt   time.Time
	proc         Process
	outbox       *MessageChannel
	initCh       chan struct{}
	initDone     bool
	stopCh       chan struct{}
	stopOnce     *sync.Once
	readDone     chan struct{}

	subMu       sync.RWMutex
	subscribers map[string]chan stream.Event
	history     *RingBuffer
}

// New creates an unstarted session. graphID is the working context the
// agent is pointed at; it may be empty.
func New(launcher Launcher, st store.Store, graphID string) *Session {
	now := time.Now().UTC()
	return &Session{
		launcher:        launcher,
		store:           st,
		gracefulTimeout: defaultGracefulTimeout,
		state:           StateUninitialized,
		graphID:         graphID,
		createdAt:       now,
		lastUsedAt:      now,
		outbox:          NewMessageChannel(),
		initCh:          make(chan struct{}),
		stopCh:          make(chan struct{}),
		stopOnce:        &sync.Once{},
		readDone:        make(chan struct{}),
		subscribers:     make(map[string]chan stream.Event),
		history:         NewRingBuffer(historySize),
	}
}

// Start launches the subprocess and begins the read and write loops.
// The session stays in Starting until the agent's init event arrives.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot start session in state %s", state)
	}

	proc, err := s.launcher.Launch()
	if err != nil {
		s.state = StateStopped
		s.mu.Unlock()
		s.markStopped()
		return fmt.Errorf("launch agent: %w", err)
	}
	s.proc = proc
	s.state = StateStarting
	outbox := s.outbox
	s.mu.Unlock()

	go s.readLoop(proc)
	go s.writeLoop(proc, outbox)
	return nil
}

// WaitReady blocks until the agent announces its session id, the
// session stops, or ctx ends.
func (s *Session) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	initCh, stopCh := s.initCh, s.stopCh
	s.mu.Unlock()

	select {
	case <-initCh:
		return nil
	case <-stopCh:
		return errors.New("session stopped before init")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage enqueues one turn. It is rejected with ErrTurnInProgress
// while a previous turn is still running, and with ErrNotReady before
// init or after the session stopped.
func (s *Session) SendMessage(content string) error {
	s.mu.Lock()
	switch s.state {
	case StateProcessing, StateCancelling:
		s.mu.Unlock()
		return ErrTurnInProgress
	case StateReady:
	default:
		s.mu.Unlock()
		return ErrNotReady
	}
	s.state = StateProcessing
	s.messageCount++
	s.lastUsedAt = time.Now().UTC()
	id := s.id
	outbox := s.outbox
	s.mu.Unlock()

	if err := outbox.Push(content); err != nil {
		// The channel stopped between the state check and the push, so
		// the process is on its way down.
		return ErrNotReady
	}

	s.touch(id)
	return nil
}

// Cancel interrupts the turn in flight. The session is Ready again when
// Cancel returns, so the caller may immediately send the next message.
// Cancelling an idle session returns ErrNotReady.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.state != StateProcessing {
		s.mu.Unlock()
		return ErrNotReady
	}
	s.state = StateCancelling
	proc := s.proc
	s.mu.Unlock()

	if proc != nil {
		if err := proc.Interrupt(); err != nil {
			log.Printf("session: interrupt failed: %v", err)
		}
	}

	s.mu.Lock()
	if s.state == StateCancelling {
		s.state = StateReady
	}
	s.mu.Unlock()

	s.publish(stream.NewCancelled())
	return nil
}

// Stop terminates the subprocess, escalating from interrupt to a group
// kill after the graceful timeout. It is idempotent.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	proc := s.proc
	outbox := s.outbox
	readDone := s.readDone
	s.mu.Unlock()

	outbox.Stop()
	s.markStopped()

	if proc == nil {
		return nil
	}

	if err := proc.Interrupt(); err != nil {
		log.Printf("session: interrupt on stop failed: %v", err)
	}
	select {
	case <-readDone:
		return nil
	case <-time.After(s.gracefulTimeout):
	}

	if err := proc.Kill(); err != nil {
		log.Printf("session: kill failed: %v", err)
	}
	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		log.Printf("session: process did not exit after kill")
	}
	return nil
}

// Reset stops the current process and starts a fresh one with the same
// graph context. History and subscribers are discarded; the new process
// will announce a new session id.
func (s *Session) Reset() error {
	if err := s.Stop(); err != nil {
		return err
	}

	s.mu.Lock()
	now := time.Now().UTC()
	s.state = StateUninitialized
	s.id = ""
	s.messageCount = 0
	s.createdAt = now
	s.lastUsedAt = now
	s.proc = nil
	s.outbox = NewMessageChannel()
	s.initCh = make(chan struct{})
	s.initDone = false
	s.stopCh = make(chan struct{})
	s.stopOnce = &sync.Once{}
	s.readDone = make(chan struct{})
	s.mu.Unlock()

	s.subMu.Lock()
	s.subscribers = make(map[string]chan stream.Event)
	s.history = NewRingBuffer(historySize)
	s.subMu.Unlock()

	return s.Start()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the agent-assigned session id, or "" before init.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Info returns a snapshot of the session's metadata.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.id,
		State:        s.state,
		GraphID:      s.graphID,
		MessageCount: s.messageCount,
		CreatedAt:    s.createdAt,
		LastUsedAt:   s.lastUsedAt,
	}
}

// Subscribe registers an event channel and returns its id together with
// the buffered history so late subscribers can catch up. Slow
// subscribers have events dropped rather than blocking the read loop.
func (s *Session) Subscribe() (string, <-chan stream.Event, []stream.Event) {
	subID := uuid.New().String()
	ch := make(chan stream.Event, subscriberBufferSize)

	s.subMu.Lock()
	s.subscribers[subID] = ch
	history := s.history.ReadAll()
	s.subMu.Unlock()

	return subID, ch, history
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Session) Unsubscribe(subID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subscribers[subID]; ok {
		delete(s.subscribers, subID)
		close(ch)
	}
}

func (s *Session) publish(event stream.Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	s.history.Write(event)
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber is full; drop rather than stall the stream.
		}
	}
}

func (s *Session) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}

// markStopped unblocks WaitReady callers when no init will ever come.
func (s *Session) markStopped() {
	s.mu.Lock()
	once, stopCh := s.stopOnce, s.stopCh
	s.mu.Unlock()
	once.Do(func() { close(stopCh) })
}

// readLoop consumes the agent's stdout until the process exits, then
// performs the terminal transition and closes all subscriber channels.
func (s *Session) readLoop(proc Process) {
	s.mu.Lock()
	readDone := s.readDone
	outbox := s.outbox
	s.mu.Unlock()
	defer close(readDone)

	dec := stream.Decoder{
		OnUnknown: func(line []byte) {
			log.Printf("session: unknown record on agent stream: %.200s", line)
		},
	}

	buf := make([]byte, 64*1024)
	for {
		n, rerr := proc.Stdout().Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				if s.handleEvent(ev) {
					s.publish(ev)
				}
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				log.Printf("session: read agent stdout: %v", rerr)
			}
			break
		}
	}

	err := proc.Wait()
	code := exitCode(err)

	s.mu.Lock()
	stale := s.readDone != readDone
	requested := s.state == StateStopped
	if !stale {
		s.state = StateStopped
	}
	s.mu.Unlock()

	outbox.Stop()
	if stale {
		// A reset already swapped in a fresh generation; its state and
		// subscribers are no longer ours to touch.
		return
	}
	s.markStopped()

	if err != nil && !requested {
		log.Printf("session: agent process exited: %v", err)
		s.publish(stream.NewError(fmt.Sprintf("agent process exited unexpectedly (code %d)", code)))
	}
	s.publish(stream.NewClosed(code))
	s.closeSubscribers()
}

// handleEvent applies an event's state effects and reports whether the
// event should be forwarded to subscribers.
func (s *Session) handleEvent(ev stream.Event) bool {
	switch ev.Kind {
	case stream.KindInit:
		return s.handleInit(ev.Init.SessionID)

	case stream.KindTurnResult:
		s.mu.Lock()
		if s.state == StateProcessing || s.state == StateCancelling {
			s.state = StateReady
		}
		s.mu.Unlock()
		return true
	}
	return true
}

func (s *Session) handleInit(sessionID string) bool {
	s.mu.Lock()
	if s.initDone {
		if sessionID != s.id {
			current := s.id
			s.mu.Unlock()
			log.Printf("session %s: protocol violation: init with conflicting id %s ignored", current, sessionID)
			return false
		}
		s.mu.Unlock()
		return true
	}

	s.id = sessionID
	s.initDone = true
	if s.state == StateStarting {
		s.state = StateReady
	}
	close(s.initCh)
	s.mu.Unlock()

	s.persistInit()
	return true
}

// persistInit records the freshly initialized session. Persistence is
// best effort: a gateway failure is logged, never surfaced to the turn.
func (s *Session) persistInit() {
	if s.store == nil {
		return
	}
	info := s.Info()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := s.store.SaveSession(ctx, store.SessionRecord{
		ID:           info.ID,
		Context:      info.GraphID,
		MessageCount: info.MessageCount,
		CreatedAt:    info.CreatedAt,
		LastUsedAt:   info.LastUsedAt,
	})
	if err != nil {
		log.Printf("session %s: persist: %v", info.ID, err)
	}
}

func (s *Session) touch(id string) {
	if s.store == nil || id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.TouchSession(ctx, id); err != nil {
		log.Printf("session %s: touch: %v", id, err)
	}
}

// writeLoop drains the outbox into the agent's stdin, one stream-json
// record per line. It exits when the channel stops or the pipe breaks.
func (s *Session) writeLoop(proc Process, outbox *MessageChannel) {
	stdin := proc.Stdin()
	defer stdin.Close()

	for {
		msg, err := outbox.Next(context.Background())
		if err != nil {
			return
		}
		data, err := json.Marshal(stream.NewUserMessage(msg.Content))
		if err != nil {
			log.Printf("session: encode user message: %v", err)
			continue
		}
		data = append(data, '\n')
		if _, err := stdin.Write(data); err != nil {
			log.Printf("session: write agent stdin: %v", err)
			return
		}
	}
}
