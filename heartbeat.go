package revoagent

import (
	"context"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Heartbeat Monitor
// ============================================================================

// heartbeatLoop sends a liveness frame at a fixed interval and watches for
// the matching pong. A socket that looks open but has gone silent past the
// timeout window is forced through the same close → reconnect path as a
// transport-level close.
func (m *Manager) heartbeatLoop(ctx context.Context, c *connection, sock *websocket.Conn) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			live := c.sock == sock && c.state == StateConnected
			stale := time.Since(c.lastPong) > m.config.HeartbeatTimeout
			m.mu.Unlock()

			if !live {
				return
			}
			if stale {
				m.logger.Warn().Str("endpoint", c.key).Msg("heartbeat timeout, forcing close")
				// Unblocks the read loop, which owns cleanup.
				sock.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if err := m.writeJSON(ctx, sock, map[string]string{"type": "ping"}); err != nil {
				m.logger.Debug().Err(err).Str("endpoint", c.key).Msg("heartbeat send failed")
				return
			}
		}
	}
}
