package receiver

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"github.com/BMEG-457/emgstream/internal/device"
)

// Listener accepts the amplifier's TCP connection and performs the
// configuration handshake. The device initiates the connection once it joins
// the network; the application answers with the 16-bit configuration word,
// after which the device starts streaming frames on the same socket.
type Listener struct {
	ln net.Listener
}

// Listen binds the amplifier port (conventionally 0.0.0.0:45454).
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("receiver: listen %q: %w", addr, err)
	}
	slog.Info("waiting for amplifier", "addr", ln.Addr())
	return &Listener{ln: ln}, nil
}

// Addr returns the bound address, useful when listening on port 0 in tests.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Accept waits for the amplifier to connect and sends it the big-endian
// configuration word for cmd. Cancelling ctx aborts the wait.
func (l *Listener) Accept(ctx context.Context, cmd device.Command) (net.Conn, error) {
	word, err := cmd.Word()
	if err != nil {
		return nil, err
	}

	unhook := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer unhook()

	conn, err := l.ln.Accept()
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("receiver: accept: %w", err)
	}

	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], word)
	if _, err := conn.Write(buf[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("receiver: send configuration word: %w", err)
	}

	slog.Info("amplifier connected",
		"remote", conn.RemoteAddr(),
		"word", fmt.Sprintf("%#04x", word),
	)
	return conn, nil
}
