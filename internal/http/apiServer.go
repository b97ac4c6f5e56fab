package http

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"parley/internal/api"
	"parley/internal/gateway"
	"parley/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

type APIConfig struct {
	Addr          string
	AllowedOrigin string
	PingInterval  time.Duration
}

func NewAPIServer(gw *gateway.Gateway, cfg APIConfig) *APIServer {
	server := ws.NewServer(gw, cfg.AllowedOrigin, cfg.PingInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", api.HealthHandler)

	// WebSocket endpoint
	mux.HandleFunc("/ws", server.HandleConnections)

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
