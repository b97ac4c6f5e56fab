package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"parley/internal/api"
	"parley/internal/gateway"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminServer(store api.Provisioner, users gateway.UserFinder, gw *gateway.Gateway, addr string) *AdminServer {
	adminHandler := api.NewAdminHandler(store, users, gw)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/stats", adminHandler.StatsHandler)
	mux.HandleFunc("GET /admin/users/{id}", adminHandler.GetUserHandler)
	mux.HandleFunc("POST /admin/users", adminHandler.AddUserHandler)
	mux.HandleFunc("POST /admin/communities", adminHandler.AddCommunityHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
