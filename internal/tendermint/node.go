// Package tendermint connects the node to a Tendermint consensus process.
//
// The node runs an ABCI socket server that Tendermint dials (--proxy_app),
// submits transactions through Tendermint's RPC, and can optionally manage
// the tendermint binary as a child process.
package tendermint

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	abciserver "github.com/tendermint/tendermint/abci/server"
	abci "github.com/tendermint/tendermint/abci/types"
	"github.com/tendermint/tendermint/libs/service"

	"exoneum.core/exc/internal/logger"
)

// Config holds configuration for the ABCI server and Tendermint connection.
type Config struct {
	// TendermintHome is the directory for Tendermint data and config
	TendermintHome string

	// SocketAddress is the listen address, "unix://path" or "tcp://host:port"
	SocketAddress string
}

// ABCIServer wraps an ABCI socket server.
type ABCIServer struct {
	server  service.Service
	abciApp abci.Application
	config  *Config
	socket  string
}

// NewABCIServer creates a socket-based ABCI server for app. The server is
// created but not started.
func NewABCIServer(app abci.Application, config *Config, log *logrus.Entry) (*ABCIServer, error) {
	if app == nil {
		return nil, fmt.Errorf("ABCI application cannot be nil")
	}
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.SocketAddress == "" {
		return nil, fmt.Errorf("socket address cannot be empty")
	}

	server := abciserver.NewSocketServer(config.SocketAddress, app)
	if log != nil {
		server.SetLogger(logger.Tendermint(log.WithField("module", "abci-server")))
	}

	return &ABCIServer{
		server:  server,
		abciApp: app,
		config:  config,
		socket:  config.SocketAddress,
	}, nil
}

// Start begins listening for Tendermint connections.
func (s *ABCIServer) Start() error {
	if path, ok := unixPath(s.socket); ok {
		// A stale socket file from an unclean shutdown blocks listening.
		_ = os.Remove(path)
	}
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("failed to start ABCI server: %w", err)
	}
	return nil
}

// Stop shuts down the ABCI server and removes a unix socket file.
func (s *ABCIServer) Stop() error {
	if s.server.IsRunning() {
		if err := s.server.Stop(); err != nil {
			return fmt.Errorf("failed to stop ABCI server: %w", err)
		}
	}

	if path, ok := unixPath(s.socket); ok {
		if _, err := os.Stat(path); err == nil {
			os.Remove(path)
		}
	}

	return nil
}

// IsRunning returns true if the ABCI server is currently running.
func (s *ABCIServer) IsRunning() bool {
	return s.server.IsRunning()
}

// SocketPath returns the socket address the server is listening on.
func (s *ABCIServer) SocketPath() string {
	return s.socket
}

func unixPath(addr string) (string, bool) {
	if strings.HasPrefix(addr, "unix://") {
		return strings.TrimPrefix(addr, "unix://"), true
	}
	return "", false
}
