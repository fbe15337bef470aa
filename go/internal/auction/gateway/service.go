package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Service is the session gateway: websocket connections in, auction core calls out
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
}

type Config struct {
	ConnectionConfig ConnectionConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
	}
}

func NewService(config Config, bidder Bidder, rooms Rooms) *Service {
	handler := NewCommandHandler(bidder, rooms)
	connectionManager := NewConnectionManager(config.ConnectionConfig, handler)

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
	}
}

// Start blocks until ctx is cancelled, then disconnects every client
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("auction gateway started")
	<-ctx.Done()

	log.Info().Msg("auction gateway shutting down")
	s.connectionManager.CloseAll()
	return nil
}

// RegisterRoutes registers the WebSocket HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	log.Info().Msg("auction gateway routes registered")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() ConnectionStats {
	return s.connectionManager.GetConnectionStats()
}
