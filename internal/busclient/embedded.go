package busclient

import (
	"fmt"
	"net"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/gokr/niffler/internal/logger"
)

// EmbeddedServer runs an in-process NATS server with JetStream enabled, for
// single-machine use when no external NATS deployment is configured.
// Grounded on the teacher's pkg/swarm.EmbeddedNATS; niffler only ever binds
// to localhost since there is no multi-host swarm discovery to serve.
type EmbeddedServer struct {
	server *server.Server
	port   int
}

// NewEmbeddedServer prepares (but does not start) an embedded server on
// port. Port 0 lets the OS choose a free port, discoverable afterward via
// Port().
func NewEmbeddedServer(port int) *EmbeddedServer {
	return &EmbeddedServer{port: port}
}

// Start launches the server and blocks until it accepts connections.
func (e *EmbeddedServer) Start() error {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           e.port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
		MaxPayload:     4 * 1024 * 1024,
		JetStream:      true,
		StoreDir:       "memory://",
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("busclient: starting embedded nats: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("busclient: embedded nats did not become ready in time")
	}

	e.server = ns
	if addr, ok := ns.Addr().(*net.TCPAddr); ok {
		e.port = addr.Port
	}
	logger.InfoCF("busclient", "embedded nats started", map[string]any{"port": e.port})
	return nil
}

// Stop shuts the embedded server down.
func (e *EmbeddedServer) Stop() {
	if e.server != nil {
		e.server.Shutdown()
	}
}

// Port returns the bound listen port, useful when Start was called with 0.
func (e *EmbeddedServer) Port() int { return e.port }

// ClientURL is the URL a Client should Connect to.
func (e *EmbeddedServer) ClientURL() string {
	return fmt.Sprintf("nats://127.0.0.1:%d", e.port)
}
