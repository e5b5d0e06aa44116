// Package uplink owns the outbound TCP connection to an NMEA source and its read loop.
package uplink

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmea-ws-proxy/backend/internal/buffer"
	"github.com/nmea-ws-proxy/backend/internal/logger"
	"github.com/nmea-ws-proxy/backend/internal/metrics"
	"github.com/nmea-ws-proxy/backend/internal/model"
)

const (
	// DefaultDialTimeout bounds the initial TCP connect.
	DefaultDialTimeout = 10 * time.Second

	// DefaultReadChunkSize is the buffer size for each socket read.
	DefaultReadChunkSize = 1024
)

// State is the lifecycle state of an Uplink.
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Frame is one accepted sentence and the time its chunk arrived.
type Frame struct {
	Sentence   string
	ReceivedAt time.Time
}

// Dialer opens the TCP connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures an Uplink.
type Options struct {
	// DialTimeout bounds Connect. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// ReadChunkSize is the maximum bytes per read. Defaults to DefaultReadChunkSize.
	ReadChunkSize int

	// MaxLineLength is passed to the line framer; 0 means unbounded.
	MaxLineLength int

	// Dialer overrides the TCP dialer, mainly for tests.
	Dialer Dialer

	// OnFrame is called from the read loop for every accepted sentence.
	OnFrame func(Frame)

	// OnError is called from the read loop with a *ReadError when a read fails for a reason other
	// than orderly close.
	OnError func(error)

	// OnClosed is called once when the read loop ends on its own (upstream close or read error).
	// It is not called when the loop ends because the owner called Close.
	OnClosed func()
}

// Uplink is a single outbound TCP connection to an NMEA source.
//
// The read loop goroutine never outlives the socket: Close closes the socket, which unblocks
// any pending read, and then waits for the loop to exit before returning.
type Uplink struct {
	host   string
	port   int
	opts   Options
	framer *buffer.LineFramer
	log    zerolog.Logger

	mu          sync.Mutex
	conn        net.Conn
	state       State
	started     bool
	ownerClosed bool
	openedAt    time.Time

	done   chan struct{}
	frames atomic.Int64
}

// New creates an Uplink in the Opening state. Call Connect to establish it.
func New(host string, port int, opts Options) *Uplink {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.ReadChunkSize <= 0 {
		opts.ReadChunkSize = DefaultReadChunkSize
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}

	u := &Uplink{
		host:   host,
		port:   port,
		opts:   opts,
		framer: buffer.NewLineFramer(opts.MaxLineLength),
		state:  StateOpening,
		done:   make(chan struct{}),
	}
	u.log = logger.Component("uplink").With().Str("target", u.Addr()).Logger()
	return u
}

// Dial creates an Uplink and establishes its TCP connection without starting the read loop.
func Dial(ctx context.Context, host string, port int, opts Options) (*Uplink, error) {
	u := New(host, port, opts)
	if err := u.Connect(ctx); err != nil {
		return nil, err
	}
	return u, nil
}

// Connect dials the target within the configured timeout. Errors are *DialError.
func (u *Uplink) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, u.opts.DialTimeout)
	defer cancel()

	u.log.Debug().Dur("timeout", u.opts.DialTimeout).Msg("dialing")

	conn, err := u.opts.Dialer.DialContext(dialCtx, "tcp", u.Addr())
	if err != nil {
		return classify(ctx, u.host, u.port, err)
	}

	u.mu.Lock()
	if u.ownerClosed {
		u.mu.Unlock()
		conn.Close()
		return &DialError{Kind: model.ErrUplinkCanceled, Host: u.host, Port: u.port, Err: net.ErrClosed}
	}
	u.conn = conn
	u.state = StateOpen
	u.openedAt = time.Now()
	u.mu.Unlock()

	u.log.Info().Msg("connected")
	return nil
}

// Start launches the read loop. It is a no-op if already started, not connected, or closed.
func (u *Uplink) Start() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.started || u.ownerClosed || u.conn == nil {
		return
	}
	u.started = true
	go u.readLoop(u.conn)
}

// Close closes the socket and waits for the read loop to exit. It is safe to call repeatedly
// and from any goroutine except the read loop's own callbacks.
func (u *Uplink) Close() error {
	u.mu.Lock()
	first := !u.ownerClosed
	u.ownerClosed = true
	conn := u.conn
	started := u.started
	u.mu.Unlock()

	var err error
	if first && conn != nil {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}

	if started {
		<-u.done
	}

	u.mu.Lock()
	u.state = StateClosed
	u.mu.Unlock()

	if first {
		u.log.Debug().Int64("frames", u.frames.Load()).Msg("closed by owner")
	}
	return err
}

// readLoop reads the socket until EOF, error, or Close.
func (u *Uplink) readLoop(conn net.Conn) {
	defer close(u.done)

	buf := make([]byte, u.opts.ReadChunkSize)
	var discarded uint64
	var readErr error

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			now := time.Now()
			for _, sentence := range u.framer.Push(buf[:n]) {
				u.frames.Add(1)
				if u.opts.OnFrame != nil {
					u.opts.OnFrame(Frame{Sentence: sentence, ReceivedAt: now})
				}
			}
			if d := u.framer.Discarded() + u.framer.Overflowed(); d != discarded {
				metrics.LinesDiscarded.Add(float64(d - discarded))
				discarded = d
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}

	conn.Close()

	u.mu.Lock()
	cancelled := u.ownerClosed
	u.state = StateClosed
	u.mu.Unlock()

	if cancelled {
		return
	}

	if readErr != nil {
		u.log.Warn().Err(readErr).Msg("read failed")
		if u.opts.OnError != nil {
			u.opts.OnError(&ReadError{Err: readErr})
		}
	} else {
		u.log.Info().Msg("connection closed by server")
	}

	if u.opts.OnClosed != nil {
		u.opts.OnClosed()
	}
}

// Done returns a channel closed when the read loop has exited.
func (u *Uplink) Done() <-chan struct{} {
	return u.done
}

// State returns the current lifecycle state.
func (u *Uplink) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Host returns the target host.
func (u *Uplink) Host() string {
	return u.host
}

// Port returns the target port.
func (u *Uplink) Port() int {
	return u.port
}

// Addr returns host:port.
func (u *Uplink) Addr() string {
	return net.JoinHostPort(u.host, strconv.Itoa(u.port))
}

// Frames returns the number of sentences accepted so far.
func (u *Uplink) Frames() int64 {
	return u.frames.Load()
}

// OpenedAt returns when the connection was established (zero if never).
func (u *Uplink) OpenedAt() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.openedAt
}
