package revoagent

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// FrameHandler is the generic subscriber callback type.
type FrameHandler func(endpoint string, frame Frame)

// dispatcher demultiplexes non-streaming inbound frames by their type
// discriminator and fans out connection meta-events. Handlers run on the
// owning connection's read goroutine so frames on one endpoint are observed
// in arrival order; handlers must not block.
type dispatcher struct {
	mu      sync.RWMutex
	logger  zerolog.Logger
	generic map[string][]FrameHandler

	onTyping       []func(endpoint string, p TypingPayload)
	onStatusUpdate []func(endpoint string, p StatusUpdatePayload)
	onResponse     []func(endpoint string, p ResponsePayload)
	onServerError  []func(endpoint string, p ServerErrorPayload)

	onConnected          []func(endpoint string)
	onDisconnected       []func(endpoint string, reason error)
	onReconnecting       []func(endpoint string, attempt int, delay time.Duration)
	onReconnectExhausted []func(endpoint string)
}

func newDispatcher(logger zerolog.Logger) *dispatcher {
	return &dispatcher{
		logger:  logger,
		generic: make(map[string][]FrameHandler),
	}
}

// dispatch routes one non-streaming frame. Unknown types with no subscribers
// are logged and dropped; new server-emitted types must never crash the
// client. Handler slices are snapshotted before invocation, so a handler may
// safely register further handlers.
func (d *dispatcher) dispatch(endpoint string, frame Frame) {
	switch frame.Type {
	case "typing":
		var p TypingPayload
		if frame.Decode(&p) == nil {
			d.mu.RLock()
			handlers := append([]func(string, TypingPayload){}, d.onTyping...)
			d.mu.RUnlock()
			for _, h := range handlers {
				h(endpoint, p)
			}
		}
	case "status_update":
		var p StatusUpdatePayload
		if frame.Decode(&p) == nil {
			d.mu.RLock()
			handlers := append([]func(string, StatusUpdatePayload){}, d.onStatusUpdate...)
			d.mu.RUnlock()
			for _, h := range handlers {
				h(endpoint, p)
			}
		}
	case "response":
		var p ResponsePayload
		if frame.Decode(&p) == nil {
			d.mu.RLock()
			handlers := append([]func(string, ResponsePayload){}, d.onResponse...)
			d.mu.RUnlock()
			for _, h := range handlers {
				h(endpoint, p)
			}
		}
	case "error":
		var p ServerErrorPayload
		if frame.Decode(&p) == nil {
			d.mu.RLock()
			handlers := append([]func(string, ServerErrorPayload){}, d.onServerError...)
			d.mu.RUnlock()
			for _, h := range handlers {
				h(endpoint, p)
			}
		}
	}

	d.mu.RLock()
	generic := append([]FrameHandler{}, d.generic[frame.Type]...)
	d.mu.RUnlock()
	for _, h := range generic {
		h(endpoint, frame)
	}

	if len(generic) == 0 && !d.isTyped(frame.Type) {
		d.logger.Debug().
			Str("endpoint", endpoint).
			Str("type", frame.Type).
			Msg("dropped frame with no subscribers")
	}
}

func (d *dispatcher) isTyped(frameType string) bool {
	switch frameType {
	case "typing", "status_update", "response", "error", "connection", "system":
		return true
	}
	return false
}

func (d *dispatcher) emitConnected(endpoint string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(endpoint)
	}
}

func (d *dispatcher) emitDisconnected(endpoint string, reason error) {
	d.mu.RLock()
	handlers := append([]func(string, error){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(endpoint, reason)
	}
}

func (d *dispatcher) emitReconnecting(endpoint string, attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(string, int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(endpoint, attempt, delay)
	}
}

func (d *dispatcher) emitReconnectExhausted(endpoint string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onReconnectExhausted...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(endpoint)
	}
}
