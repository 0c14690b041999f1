// Package receiver implements the UDP syslog receiver: it binds a
// socket, parses each datagram, and submits successfully parsed records
// to a batcher without ever blocking on it.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"syslogd/internal/logging"
	"syslogd/internal/record"
	"syslogd/internal/syslogparse"
)

// maxDatagramSize is the largest UDP payload accepted, matching the
// practical maximum a syslog sender will produce.
const maxDatagramSize = 65536

// readPollInterval bounds how long a single Read blocks before the
// context cancellation is re-checked. Run also closes the connection on
// cancellation, which makes a pending Read return at once.
const readPollInterval = time.Second

// BindError marks a fatal failure to bind the UDP socket at startup.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("receiver: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Submitter is the batcher's inbound side, narrowed to what the
// receiver needs.
type Submitter interface {
	Submit(rec *record.LogRecord) error
}

// Config configures the receiver.
type Config struct {
	// Addr is the UDP address to listen on, e.g. "0.0.0.0:5140".
	Addr string

	// ReadBufferBytes requests a socket receive buffer of this size via
	// SO_RCVBUF; 0 leaves the OS default in place. This is the principal
	// knob against packet loss under burst load, alongside the batcher's
	// queue capacity.
	ReadBufferBytes int

	Logger *slog.Logger
}

// Stats are the receiver's atomic counters, safe to read concurrently
// with the receive loop.
type Stats struct {
	Received     int64
	ParseErrors  int64
	SubmitErrors int64
}

// Receiver is the UDP syslog listener.
type Receiver struct {
	cfg       Config
	submitter Submitter
	logger    *slog.Logger

	received     atomic.Int64
	parseErrors  atomic.Int64
	submitErrors atomic.Int64

	conn atomic.Pointer[net.UDPConn]
}

// New creates a Receiver bound to submitter. No socket is opened until Run.
func New(cfg Config, submitter Submitter) *Receiver {
	return &Receiver{
		cfg:       cfg,
		submitter: submitter,
		logger:    logging.Default(cfg.Logger).With("component", "receiver", "type", "udp"),
	}
}

// Stats returns a snapshot of the receiver's counters.
func (r *Receiver) Stats() Stats {
	return Stats{
		Received:     r.received.Load(),
		ParseErrors:  r.parseErrors.Load(),
		SubmitErrors: r.submitErrors.Load(),
	}
}

// Run binds the UDP socket and processes datagrams until ctx is
// cancelled. It returns a *BindError if the socket cannot be bound, and
// nil once ctx is cancelled; any other read error is logged and the loop
// continues.
func (r *Receiver) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", r.cfg.Addr)
	if err != nil {
		return &BindError{Addr: r.cfg.Addr, Err: err}
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return &BindError{Addr: r.cfg.Addr, Err: err}
	}
	defer conn.Close()

	if r.cfg.ReadBufferBytes > 0 {
		if err := conn.SetReadBuffer(r.cfg.ReadBufferBytes); err != nil {
			r.logger.Warn("failed to set SO_RCVBUF", "requested", r.cfg.ReadBufferBytes, "error", err)
		}
	}

	r.conn.Store(conn)
	r.logger.Info("udp receiver listening", "addr", conn.LocalAddr().String())

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readPollInterval))

		n, remoteAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Warn("udp read error", "error", err)
			continue
		}
		if n == 0 {
			continue
		}

		r.received.Add(1)
		receivedAt := time.Now()

		rec, err := syslogparse.Parse(buf[:n], remoteAddr.IP, receivedAt)
		if err != nil {
			r.parseErrors.Add(1)
			r.logger.Debug("parse failure", "sender", remoteAddr.IP.String(), "error", err)
			continue
		}

		if err := r.submitter.Submit(rec); err != nil {
			r.submitErrors.Add(1)
			r.logger.Debug("submit failure", "sender", remoteAddr.IP.String(), "error", err)
		}
	}
}
