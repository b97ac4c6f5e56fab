package ws

import (
	"log"
	"net/http"
	"time"

	"parley/internal/gateway"

	"github.com/gorilla/websocket"
)

type Server struct {
	gateway      *gateway.Gateway
	upgrader     *websocket.Upgrader
	pingInterval time.Duration
}

// NewServer builds the WebSocket endpoint. An empty allowedOrigin accepts
// any origin.
func NewServer(gw *gateway.Gateway, allowedOrigin string, pingInterval time.Duration) *Server {
	return &Server{
		gateway: gw,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "" || origin == "" || origin == allowedOrigin
			},
		},
		pingInterval: pingInterval,
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	if s.pingInterval > 0 {
		deadline := 2 * s.pingInterval
		_ = ws.SetReadDeadline(time.Now().Add(deadline))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	conn := NewConnection(s.gateway, ws, s.pingInterval)
	err = conn.Handle(r.Context())
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Printf("connection %s closed: %v", conn.ID(), err)
	}
}
