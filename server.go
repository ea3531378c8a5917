package oauth

import (
	"log/slog"

	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/server"
	"github.com/giantswarm/oauth-server/storage"
)

// Server is the authorization server core the handler adapts to HTTP.
type Server = server.Server

// ServerConfig is the authorization server configuration.
type ServerConfig = server.Config

// NewServer creates an authorization server with security audit logging
// enabled on logger.
func NewServer(store storage.Store, config *ServerConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	srv, err := server.New(store, config, logger)
	if err != nil {
		return nil, err
	}
	srv.SetAuditor(security.NewAuditor(logger, true))
	return srv, nil
}
