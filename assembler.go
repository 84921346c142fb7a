package revoagent

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Streaming Assembler
// ============================================================================

// messageEvents holds the registered message-lifecycle handlers, shared by
// every per-endpoint assembler a Manager owns.
type messageEvents struct {
	mu          sync.RWMutex
	onCreated   []func(endpoint string, msg ChatMessage)
	onAppend    []func(endpoint string, msg ChatMessage)
	onFinalized []func(endpoint string, msg ChatMessage)
	onErrored   []func(endpoint string, msg ChatMessage)
}

func (e *messageEvents) emitCreated(endpoint string, msg ChatMessage) {
	e.mu.RLock()
	handlers := append([]func(string, ChatMessage){}, e.onCreated...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h(endpoint, msg)
	}
}

func (e *messageEvents) emitAppend(endpoint string, msg ChatMessage) {
	e.mu.RLock()
	handlers := append([]func(string, ChatMessage){}, e.onAppend...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h(endpoint, msg)
	}
}

func (e *messageEvents) emitFinalized(endpoint string, msg ChatMessage) {
	e.mu.RLock()
	handlers := append([]func(string, ChatMessage){}, e.onFinalized...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h(endpoint, msg)
	}
}

func (e *messageEvents) emitErrored(endpoint string, msg ChatMessage) {
	e.mu.RLock()
	handlers := append([]func(string, ChatMessage){}, e.onErrored...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h(endpoint, msg)
	}
}

// exchange is one in-flight streamed response. Content accumulates in
// arrival order; the transport guarantees in-order delivery per connection.
type exchange struct {
	id          string
	model       string
	started     time.Time
	content     strings.Builder
	progress    float64
	hasProgress bool
}

// assembler turns the tagged stream_* frame sequence for one endpoint into
// message-lifecycle events. At most one active exchange exists per endpoint;
// a stream_start observed mid-stream force-errors the stale exchange rather
// than merging two unrelated responses.
type assembler struct {
	endpoint string
	logger   zerolog.Logger
	events   *messageEvents

	mu     sync.Mutex
	active *exchange
}

func newAssembler(endpoint string, events *messageEvents, logger zerolog.Logger) *assembler {
	return &assembler{
		endpoint: endpoint,
		events:   events,
		logger:   logger,
	}
}

// handle consumes one streaming frame. It never panics on malformed
// payloads; protocol violations are logged and ignored without a state
// change.
func (a *assembler) handle(frame Frame) {
	switch frame.Type {
	case "stream_start":
		var p StreamStartPayload
		if err := frame.Decode(&p); err != nil {
			a.drop(frame.Type, err)
			return
		}
		a.start(p)
	case "stream_chunk":
		var p StreamChunkPayload
		if err := frame.Decode(&p); err != nil {
			a.drop(frame.Type, err)
			return
		}
		a.chunk(p)
	case "stream_complete":
		a.complete()
	case "stream_error":
		var p StreamErrorPayload
		if err := frame.Decode(&p); err != nil {
			a.drop(frame.Type, err)
			return
		}
		a.fail(p.Error)
	default:
		a.logger.Debug().
			Str("endpoint", a.endpoint).
			Str("type", frame.Type).
			Msg("assembler ignoring non-streaming frame")
	}
}

func (a *assembler) start(p StreamStartPayload) {
	a.mu.Lock()
	stale := a.active
	a.active = &exchange{
		id:      uuid.NewString(),
		model:   p.Model,
		started: time.Now(),
	}
	created := a.snapshotLocked()
	a.mu.Unlock()

	if stale != nil {
		a.logger.Warn().
			Str("endpoint", a.endpoint).
			Str("exchange", stale.id).
			Msg("stream_start with exchange in flight, erroring stale exchange")
		a.events.emitErrored(a.endpoint, terminalSnapshot(stale, false, "superseded by new stream"))
	}
	a.events.emitCreated(a.endpoint, created)
}

func (a *assembler) chunk(p StreamChunkPayload) {
	a.mu.Lock()
	if a.active == nil {
		a.mu.Unlock()
		a.logger.Warn().
			Str("endpoint", a.endpoint).
			Msg("stream_chunk without active exchange, dropping")
		return
	}
	a.active.content.WriteString(p.Content)
	if p.Progress != nil {
		// Forwarded as received: no clamping, no monotonicity check.
		a.active.progress = *p.Progress
		a.active.hasProgress = true
	}
	msg := a.snapshotLocked()
	a.mu.Unlock()

	a.events.emitAppend(a.endpoint, msg)
}

func (a *assembler) complete() {
	a.mu.Lock()
	ex := a.active
	a.active = nil
	a.mu.Unlock()

	if ex == nil {
		a.logger.Warn().
			Str("endpoint", a.endpoint).
			Msg("stream_complete without active exchange, dropping")
		return
	}
	if ex.hasProgress {
		ex.progress = 100
	}
	a.events.emitFinalized(a.endpoint, terminalSnapshot(ex, true, ""))
}

// fail terminates the active exchange with the partial content retained.
// Used for explicit stream_error frames and for connection loss mid-stream.
func (a *assembler) fail(errMsg string) {
	a.mu.Lock()
	ex := a.active
	a.active = nil
	a.mu.Unlock()

	if ex == nil {
		return
	}
	a.events.emitErrored(a.endpoint, terminalSnapshot(ex, false, errMsg))
}

// streaming reports whether an exchange is currently active.
func (a *assembler) streaming() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active != nil
}

func (a *assembler) drop(frameType string, err error) {
	a.logger.Warn().
		Err(err).
		Str("endpoint", a.endpoint).
		Str("type", frameType).
		Msg("dropping malformed streaming frame")
}

func (a *assembler) snapshotLocked() ChatMessage {
	ex := a.active
	return ChatMessage{
		ID:        ex.id,
		Role:      RoleAssistant,
		Content:   ex.content.String(),
		Timestamp: ex.started,
		Model:     ex.model,
		Progress:  ex.progress,
		Streaming: true,
	}
}

func terminalSnapshot(ex *exchange, complete bool, errMsg string) ChatMessage {
	return ChatMessage{
		ID:        ex.id,
		Role:      RoleAssistant,
		Content:   ex.content.String(),
		Timestamp: ex.started,
		Model:     ex.model,
		Progress:  ex.progress,
		Streaming: false,
		Complete:  complete,
		Errored:   !complete,
		Error:     errMsg,
	}
}
