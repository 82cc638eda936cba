// Package server exposes the bridge over HTTP: channel handles, the control
// websocket, session listing, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/lspbridge/internal/channel"
	"github.com/gaspardpetit/lspbridge/internal/config"
	"github.com/gaspardpetit/lspbridge/internal/metrics"
	"github.com/gaspardpetit/lspbridge/internal/sandbox"
	"github.com/gaspardpetit/lspbridge/internal/serverstate"
	"github.com/gaspardpetit/lspbridge/internal/workspace"
)

// Deps are the collaborators shared by every session.
type Deps struct {
	Runtime  sandbox.Runtime
	Channels *channel.Registry
	Sources  workspace.Sources
	// Gatherer backs /metrics when metrics share the main listener. A fresh
	// registry with the bridge collectors is used when nil.
	Gatherer prometheus.Gatherer
}

type Server struct {
	cfg           config.BridgeConfig
	runtime       sandbox.Runtime
	channels      *channel.Registry
	sources       workspace.Sources
	gatherer      prometheus.Gatherer
	acceptOptions *websocket.AcceptOptions
	live          *liveSessions
}

// New builds a server. The channel registry is created from cfg when deps
// does not carry one.
func New(cfg config.BridgeConfig, deps Deps) *Server {
	if deps.Channels == nil {
		deps.Channels = channel.NewRegistry(cfg.ChannelTTL)
	}
	if deps.Gatherer == nil {
		preg := prometheus.NewRegistry()
		metrics.Register(preg)
		deps.Gatherer = preg
	}
	s := &Server{
		cfg:           cfg,
		runtime:       deps.Runtime,
		channels:      deps.Channels,
		sources:       deps.Sources,
		gatherer:      deps.Gatherer,
		acceptOptions: acceptOptions(cfg.AllowedOrigins),
		live:          newLiveSessions(),
	}
	s.channels.AcceptOptions = s.acceptOptions
	if cfg.MaxMessageBytes > 0 {
		s.channels.ReadLimit = int64(cfg.MaxMessageBytes)
	}
	return s
}

// Handler constructs the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(ar chi.Router) {
		ar.Use(bearerMiddleware(s.cfg.ClientKey))
		ar.Route("/channels", func(cr chi.Router) {
			cr.Post("/", s.channels.HandleCreate)
			cr.Get("/{channel_id}", func(w http.ResponseWriter, r *http.Request) {
				s.channels.HandleAttach(w, r, chi.URLParam(r, "channel_id"))
			})
		})
		ar.Get("/control", s.handleControl)
		ar.Get("/sessions", s.handleSessions)
	})

	if s.cfg.MetricsAddr == "" || s.cfg.MetricsAddr == fmt.Sprintf(":%d", s.cfg.Port) {
		r.Handle("/metrics", metrics.Handler(s.gatherer))
	}
	return r
}

// LiveSessions returns the number of open control connections.
func (s *Server) LiveSessions() int { return s.live.Len() }

// WaitIdle blocks until no session is live or ctx is done.
func (s *Server) WaitIdle(ctx context.Context) bool { return s.live.WaitForZero(ctx) }

// CloseSessions kills every live process and closes its control connection.
func (s *Server) CloseSessions() { s.live.CloseAll() }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := serverstate.Active().Load()
	status := st.Status
	if status == "" {
		status = "ok"
	}
	code := http.StatusOK
	if st.Draining {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"sessions": s.live.Len(),
		"channels": s.channels.Len(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	recs := serverstate.Active().Sessions()
	if recs == nil {
		recs = []serverstate.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": recs})
}

// acceptOptions maps CORS origins onto websocket origin patterns, which match
// on host only.
func acceptOptions(origins []string) *websocket.AcceptOptions {
	if len(origins) == 0 {
		return nil
	}
	opts := &websocket.AcceptOptions{}
	for _, o := range origins {
		if o == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
			continue
		}
		opts.OriginPatterns = append(opts.OriginPatterns, o)
	}
	return opts
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
