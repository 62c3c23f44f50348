// Package hub implements the live-update hub described in spec.md section
// 4.F: an execution-keyed pub/sub with buffering for late subscribers, fed
// by every task's log events and drained by websocket sessions.
//
// The Hub is a single-goroutine mailbox actor (spec.md section 5): its
// three operations (Subscribe, Unsubscribe, Publish) each send a command on
// their own channel, and the single Run goroutine handles one command at a
// time, so they are mutually exclusive and race-free by construction
// without any lock.
package hub

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"alex/internal/async"
	"alex/internal/logging"
	"alex/internal/telemetry"
	"alex/internal/worker/interp"
)

// Sink is the destination a subscribed session drains events from —
// implemented by internal/hub's websocket Session, and by any other test
// double that wants to observe published events.
type Sink interface {
	Send(event interp.LogEvent) error
}

// maxBufferedExecutions bounds the number of distinct execution ids the
// Hub will hold a replay buffer for at once, so an abandoned execution
// (trigger call whose caller never subscribes) cannot grow the process's
// memory without limit.
const maxBufferedExecutions = 4096

type subscribeCmd struct {
	exeID string
	sink  Sink
	reply chan string
}

type unsubscribeCmd struct {
	sessionID string
	done      chan struct{}
}

type publishCmd struct {
	exeID string
	event interp.LogEvent
}

// Hub is the process-wide coordinator. Construct with New and start its
// mailbox loop with Run before issuing any Subscribe/Unsubscribe/Publish.
type Hub struct {
	subscribeCh   chan subscribeCmd
	unsubscribeCh chan unsubscribeCmd
	publishCh     chan publishCmd

	logger    logging.Logger
	telemetry *telemetry.Telemetry

	// mailbox-owned state — touched only from the Run goroutine.
	sessions      map[string]Sink
	subscriptions map[string]map[string]struct{} // exeID -> sessionIDs
	sessionExe    map[string]string               // sessionID -> exeID, for O(1) unsubscribe
	buffered      *lru.Cache[string, []interp.LogEvent]
}

// Option configures optional Hub collaborators.
type Option func(*Hub)

// WithTelemetry records a publish counter on every Publish call.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(h *Hub) { h.telemetry = t }
}

// New constructs a Hub. Call Run in its own goroutine before use.
func New(logger logging.Logger, opts ...Option) *Hub {
	buffered, _ := lru.New[string, []interp.LogEvent](maxBufferedExecutions)
	h := &Hub{
		subscribeCh:   make(chan subscribeCmd),
		unsubscribeCh: make(chan unsubscribeCmd),
		publishCh:     make(chan publishCmd, 256),
		logger:        logging.OrNop(logger),
		sessions:      map[string]Sink{},
		subscriptions: map[string]map[string]struct{}{},
		sessionExe:    map[string]string{},
		buffered:      buffered,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes commands until ctx is cancelled. Intended to be started
// once via internal/async.Go at process startup.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.subscribeCh:
			h.handleSubscribe(cmd)
		case cmd := <-h.unsubscribeCh:
			h.handleUnsubscribe(cmd)
		case cmd := <-h.publishCh:
			h.handlePublish(cmd)
		}
	}
}

// Subscribe registers sink for exeID's events, draining any buffered
// events to it in publish order before returning the new sessionID.
func (h *Hub) Subscribe(ctx context.Context, exeID string, sink Sink) string {
	reply := make(chan string, 1)
	select {
	case h.subscribeCh <- subscribeCmd{exeID: exeID, sink: sink, reply: reply}:
	case <-ctx.Done():
		return ""
	}
	select {
	case sessionID := <-reply:
		return sessionID
	case <-ctx.Done():
		return ""
	}
}

// Unsubscribe removes sessionID from every subscription it held.
func (h *Hub) Unsubscribe(sessionID string) {
	done := make(chan struct{})
	h.unsubscribeCh <- unsubscribeCmd{sessionID: sessionID, done: done}
	<-done
}

// Publish implements interp.Publisher: fire-and-forget from the
// interpreter's point of view. If the send queue is full the event is
// dropped and logged — a slow Hub must never back-pressure task
// execution.
func (h *Hub) Publish(exeID string, event interp.LogEvent) {
	if h.telemetry != nil {
		h.telemetry.RecordHubPublish(context.Background())
	}
	select {
	case h.publishCh <- publishCmd{exeID: exeID, event: event}:
	default:
		h.logger.Warn("hub: publish queue full, dropping event for execution %s", exeID)
	}
}

func (h *Hub) handleSubscribe(cmd subscribeCmd) {
	sessionID := uuid.NewString()
	h.sessions[sessionID] = cmd.sink
	h.sessionExe[sessionID] = cmd.exeID
	if h.subscriptions[cmd.exeID] == nil {
		h.subscriptions[cmd.exeID] = map[string]struct{}{}
	}
	h.subscriptions[cmd.exeID][sessionID] = struct{}{}

	if events, ok := h.buffered.Get(cmd.exeID); ok {
		for _, e := range events {
			if err := cmd.sink.Send(e); err != nil {
				h.logger.Warn("hub: replay send failed for session %s: %v", sessionID, err)
				break
			}
		}
		h.buffered.Remove(cmd.exeID)
	}

	cmd.reply <- sessionID
}

func (h *Hub) handleUnsubscribe(cmd unsubscribeCmd) {
	defer close(cmd.done)
	exeID, ok := h.sessionExe[cmd.sessionID]
	if !ok {
		return
	}
	delete(h.sessions, cmd.sessionID)
	delete(h.sessionExe, cmd.sessionID)
	if set, ok := h.subscriptions[exeID]; ok {
		delete(set, cmd.sessionID)
		if len(set) == 0 {
			delete(h.subscriptions, exeID)
			h.buffered.Remove(exeID)
		}
	}
}

func (h *Hub) handlePublish(cmd publishCmd) {
	subs := h.subscriptions[cmd.exeID]
	if len(subs) == 0 {
		existing, _ := h.buffered.Get(cmd.exeID)
		h.buffered.Add(cmd.exeID, append(existing, cmd.event))
		return
	}
	for sessionID := range subs {
		sink := h.sessions[sessionID]
		if sink == nil {
			continue
		}
		if err := sink.Send(cmd.event); err != nil {
			h.logger.Warn("hub: send failed for session %s, dropping event: %v", sessionID, err)
		}
	}
}

// StartBackground runs the Hub's mailbox loop on a guarded goroutine,
// returning a cancel function to stop it. Used by cmd/engine's wiring.
func StartBackground(ctx context.Context, h *Hub, logger logging.Logger) context.CancelFunc {
	runCtx, cancel := context.WithCancel(ctx)
	async.Go(panicLogger{logger}, "hub", func() {
		h.Run(runCtx)
	})
	return cancel
}

type panicLogger struct {
	logger logging.Logger
}

func (p panicLogger) Error(format string, args ...any) {
	logging.OrNop(p.logger).Error(format, args...)
}
