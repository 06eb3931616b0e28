package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentkanban/kanband/internal/config"
	"github.com/agentkanban/kanband/internal/natsbus"
	"github.com/agentkanban/kanband/internal/registry"
	"github.com/nats-io/nats.go"
)

type Server struct {
	agents    *registry.AgentRegistry
	tasks     *registry.TaskRegistry
	ingest    *Ingest
	bus       *natsbus.Bus
	nats      *natsbus.Client
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

func NewServer(agents *registry.AgentRegistry, tasks *registry.TaskRegistry, bus *natsbus.Bus, cfg config.WebConfig, version string) *Server {
	return &Server{
		agents:    agents,
		tasks:     tasks,
		ingest:    NewIngest(agents, tasks),
		bus:       bus,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	// Forward board events from NATS to all dashboard observers.
	s.subscribeEvents()

	mux := http.NewServeMux()

	s.registerAPI(mux)

	// WebSocket endpoints: observers and reporters.
	mux.HandleFunc("/api/ws", s.handleDashboard)
	mux.HandleFunc("/api/ws/agent", s.handleReporter)

	handler := s.withMiddleware(mux)
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		// One bad request must never take the server down with it.
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("request panic", "path", r.URL.Path, "panic", rec)
				if strings.HasPrefix(r.URL.Path, "/api/") {
					jsonError(w, "internal error", http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) subscribeEvents() {
	if s.bus == nil {
		return
	}
	client, err := natsbus.NewClient(s.bus)
	if err != nil {
		slog.Error("web server nats client failed", "error", err)
		return
	}
	s.nats = client

	_, _ = client.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		var event natsbus.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("invalid NATS event payload", "error", err)
			return
		}
		s.hub.Broadcast(event)
	})
}
