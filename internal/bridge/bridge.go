// Package bridge adapts one agent invocation's server-push event stream
// into an ordered, pull-based AiEvent sequence for downstream consumers.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jkaninda/ngome/internal/gateway"
	"github.com/jkaninda/ngome/internal/protocol"
)

// AiEvent kinds.
const (
	EventTextDelta      = "text_delta"
	EventAssistantFinal = "assistant_final"
	EventDone           = "done"
	EventError          = "error"
)

// CodeClosedBeforeTerminal marks a stream whose connection died before the
// gateway sent the terminal frame. The consumer must treat any accumulated
// deltas as incomplete.
const CodeClosedBeforeTerminal = "ws_closed_before_terminal"

// Conn is the slice of the gateway client the bridge needs: event
// delivery and close notification.
type Conn interface {
	OnEvent(gateway.EventHandler) func()
	Done() <-chan struct{}
}

// AiEvent is one normalized event of the invocation stream.
type AiEvent struct {
	Kind    string
	Delta   string // text_delta
	Content string // assistant_final
	Code    string // error
	Message string // error
}

// Stream is the pull side of one agent invocation. Events come out in the
// order the gateway pushed them; the stream ends only after a terminal
// event (done or error) has been delivered.
type Stream struct {
	sessionKey string
	logger     *slog.Logger

	events chan AiEvent
	unsub  func()

	mu        sync.Mutex
	finalSeen bool
	closed    bool
}

// defaultQueueSize bounds the push side. A misbehaving server that floods
// deltas faster than the consumer pulls gets its oldest deltas dropped
// rather than growing memory without bound; final and terminal events are
// never dropped.
const defaultQueueSize = 256

// Open attaches a stream to the client for one invocation's session key.
// Events for other sessions sharing the connection are invisible to this
// stream. The caller must consume the stream until it ends.
func Open(client Conn, sessionKey string, logger *slog.Logger) *Stream {
	s := &Stream{
		sessionKey: sessionKey,
		logger:     logger,
		events:     make(chan AiEvent, defaultQueueSize),
	}
	s.unsub = client.OnEvent(s.handleEvent)
	go s.watchClose(client)
	return s
}

// Next returns the next event. ok is false once the stream has ended,
// which happens only after a terminal event was delivered.
func (s *Stream) Next(ctx context.Context) (AiEvent, bool, error) {
	select {
	case ev, open := <-s.events:
		if !open {
			return AiEvent{}, false, nil
		}
		return ev, true, nil
	case <-ctx.Done():
		return AiEvent{}, false, ctx.Err()
	}
}

// Events exposes the stream as a channel for range-style consumption. The
// channel closes after the terminal event.
func (s *Stream) Events() <-chan AiEvent {
	return s.events
}

// handleEvent runs on the client's read loop: filter, normalize, enqueue.
func (s *Stream) handleEvent(event string, payload json.RawMessage) {
	if event != protocol.EventAgent {
		return
	}
	var p protocol.AgentEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Warn("dropping undecodable agent event", slog.String("error", err.Error()))
		return
	}
	if p.SessionKey != s.sessionKey {
		return
	}

	switch p.Kind {
	case protocol.AgentEventDelta:
		s.push(AiEvent{Kind: EventTextDelta, Delta: p.Delta}, false)

	case protocol.AgentEventFinal:
		// The terminal frame's text is authoritative. Deltas are UX-only
		// and are never stitched together here: delta sequences reset and
		// duplicate across multi-turn tool use, so a concatenation can
		// under-count the real output.
		s.mu.Lock()
		already := s.finalSeen
		s.finalSeen = true
		s.mu.Unlock()
		if already {
			s.logger.Warn("dropping duplicate final event", slog.String("session_key", s.sessionKey))
			return
		}
		s.push(AiEvent{Kind: EventAssistantFinal, Content: p.Text}, true)
		s.terminate(AiEvent{Kind: EventDone})

	case protocol.AgentEventLifecycle:
		// Lifecycle chatter (queued, started, tool use) is noise to the
		// normalized stream.

	default:
		s.logger.Debug("ignoring agent event kind", slog.String("kind", p.Kind))
	}
}

// watchClose turns a dead connection into a terminal error unless the
// terminal frame already arrived. The stream never ends silently just
// because the socket closed.
func (s *Stream) watchClose(client Conn) {
	<-client.Done()
	s.mu.Lock()
	sawFinal := s.finalSeen
	s.mu.Unlock()
	if sawFinal {
		return
	}
	s.terminate(AiEvent{
		Kind:    EventError,
		Code:    CodeClosedBeforeTerminal,
		Message: "connection closed before the terminal frame",
	})
}

// push enqueues one event. When the queue is full, non-critical events are
// shed oldest-first so a critical event always fits.
func (s *Stream) push(ev AiEvent, critical bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		if !critical {
			s.logger.Warn("event queue full, dropping delta", slog.String("session_key", s.sessionKey))
			return
		}
		select {
		case dropped := <-s.events:
			s.logger.Warn("event queue full, shedding oldest event",
				slog.String("session_key", s.sessionKey),
				slog.String("kind", dropped.Kind),
			)
		default:
		}
	}
}

// terminate delivers the last event and closes the stream exactly once.
func (s *Stream) terminate(last AiEvent) {
	s.push(last, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	if s.unsub != nil {
		s.unsub()
	}
}
