package events

import (
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// ErrBrokerNotReady indicates the embedded server did not start in time.
var ErrBrokerNotReady = errors.New("embedded nats server not ready")

// EmbeddedBroker is an in-process NATS server for single-host setups.
type EmbeddedBroker struct {
	server *natsserver.Server
}

// StartEmbedded starts a NATS server on host:port. Port -1 picks a free port.
func StartEmbedded(host string, port int) (*EmbeddedBroker, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, ErrBrokerNotReady
	}
	return &EmbeddedBroker{server: srv}, nil
}

// ClientURL is the URL clients connect to.
func (b *EmbeddedBroker) ClientURL() string { return b.server.ClientURL() }

// Connect opens a client connection to the broker.
func (b *EmbeddedBroker) Connect(opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(b.ClientURL(), opts...)
}

// Shutdown stops the server and waits for it to exit.
func (b *EmbeddedBroker) Shutdown() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
