// Package bus is the concrete mechanism behind spec.md §5's "a worker is
// awoken by subscriber-side writes": an embedded, in-process NATS server
// plus connection used as a publish/subscribe wake-up channel for the
// query runner's WakeBus strategy. The broker never leaves the process,
// so this does not amount to distributed execution (spec.md §1's
// non-goal) — it is an implementation detail of suspension/wake, not an
// RPC boundary.
package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Bus wraps an embedded nats-server instance and one client connection.
type Bus struct {
	srv  *server.Server
	conn *nats.Conn
}

// Start boots an embedded NATS server on a random loopback port
// (server.RANDOM_PORT) and connects to it. Callers must call Close when done.
func Start() (*Bus, error) {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("bus: start embedded server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("bus: embedded server did not become ready")
	}

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	return &Bus{srv: srv, conn: conn}, nil
}

// Publish announces that path has completed. The payload is just the
// path name — subscribers read the actual value back out of the flat
// store (already synchronized by the runner's single mutex), so the
// bus only needs to carry the wake-up, not the data.
func (b *Bus) Publish(subject, path string) error {
	return b.conn.Publish(subject, []byte(path))
}

// Subscribe registers handler for every path name published on subject,
// returning an unsubscribe function.
func (b *Bus) Subscribe(subject string, handler func(path string)) (func(), error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(string(msg.Data))
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close closes the connection and shuts down the embedded server.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
	if b.srv != nil {
		b.srv.Shutdown()
		b.srv.WaitForShutdown()
	}
}
