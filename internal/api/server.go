// Package api exposes the WhaleFlow control plane over HTTP.
//
// It provides RESTful endpoints for loading and stopping flow definitions,
// inspecting runtime statistics, and managing the WhatsApp connection.
package api

import (
	"net/http"
	"time"

	"github.com/whaleflow/whaleflow/internal/flow"
	"github.com/whaleflow/whaleflow/internal/messaging"
	"github.com/whaleflow/whaleflow/internal/whatsapp"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr       string
	RecordsDir string
	SessionTTL time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the API server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithRecordsDir sets the directory where database_save records are written.
func WithRecordsDir(dir string) Option {
	return func(o *Opts) {
		o.RecordsDir = dir
	}
}

// WithSessionTTL enables periodic purging of sessions idle longer than ttl.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.SessionTTL = ttl
	}
}

// Server ties the flow engine and the messaging channel to the HTTP control API.
type Server struct {
	addr       string
	engine     *flow.Engine
	msgService messaging.Service
	waClient   *whatsapp.Client // nil when the channel is not Whatsmeow-backed
}

// NewServer creates a control API server. waClient may be nil when running on
// a channel without a local WhatsApp session (e.g. Twilio).
func NewServer(engine *flow.Engine, msgService messaging.Service, waClient *whatsapp.Client, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		addr:       cfg.Addr,
		engine:     engine,
		msgService: msgService,
		waClient:   waClient,
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler builds the route table for the control API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start", s.startHandler)
	mux.HandleFunc("/api/stop", s.stopHandler)
	mux.HandleFunc("/api/stats", s.statsHandler)
	mux.HandleFunc("/api/whatsapp/status", s.whatsappStatusHandler)
	mux.HandleFunc("/api/whatsapp/logout", s.whatsappLogoutHandler)
	mux.HandleFunc("/api/whatsapp/restart", s.whatsappRestartHandler)

	// Twilio delivers inbound messages over a webhook rather than a socket.
	if ts, ok := s.msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("/webhook/twilio", ts.TwilioWebhookHandler)
	}
	return mux
}
