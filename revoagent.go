// Package revoagent provides the Go client SDK for the reVoAgent realtime API.
//
// Covers the WebSocket connection layer: multi-endpoint connection
// management with automatic reconnection and heartbeat, and assembly of
// streamed chat responses into complete messages.
//
// Example:
//
//	client := revoagent.NewClient(revoagent.WithBaseURL("http://localhost:12001"))
//	rt := client.Realtime(&revoagent.Config{AutoReconnect: true})
//
//	rt.OnMessageAppend(func(endpoint string, msg revoagent.ChatMessage) {
//		fmt.Print(msg.Content)
//	})
//	rt.OnMessageFinalized(func(endpoint string, msg revoagent.ChatMessage) {
//		fmt.Println("\ndone:", msg.Model)
//	})
//
//	rt.Connect(ctx, "chat", revoagent.Callbacks{})
//	rt.SendChat(ctx, "chat", &revoagent.ChatRequest{Message: "Hello"})
package revoagent

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:12001"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client holds connection settings shared by everything built from it.
// It does not own any sockets; call Realtime to get a connection Manager.
type Client struct {
	baseURL string
	logger  zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithLogger sets the logger used for local diagnostics (dropped frames,
// reconnect scheduling, heartbeat misses). Defaults to a no-op logger.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a new reVoAgent client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured HTTP base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WSUrl returns the WebSocket URL for an endpoint key, e.g. "chat" or
// "dashboard". URL derivation is the only endpoint resolution the SDK does;
// path layout follows the backend's /ws/<endpoint> convention.
func (c *Client) WSUrl(endpoint string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws/" + endpoint
}

// Realtime creates a connection Manager. Pass nil for defaults.
// Call Connect on the returned manager to establish connections.
func (r *Client) Realtime(config *Config) *Manager {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return newManager(r, &cfg)
}
