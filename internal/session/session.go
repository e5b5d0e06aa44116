// Package session implements the per-client protocol state machine that bridges one websocket
// peer to at most one uplink, and the registry that tracks live sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nmea-ws-proxy/backend/internal/logger"
	"github.com/nmea-ws-proxy/backend/internal/metrics"
	"github.com/nmea-ws-proxy/backend/internal/model"
	"github.com/nmea-ws-proxy/backend/internal/proto"
	"github.com/nmea-ws-proxy/backend/internal/uplink"
)

const (
	defaultInboundQueue = 16
	defaultEventQueue   = 256
	historyTimeout      = 2 * time.Second
)

// Peer is the websocket side of a session.
type Peer interface {
	// Send queues one text frame. It returns model.ErrPeerGone once the peer has disconnected.
	Send(data []byte) error
	// Close hangs up the peer connection.
	Close() error
}

// History persists uplink attempts. *repository.UplinkRepository satisfies it.
type History interface {
	Create(ctx context.Context, rec *model.UplinkRecord) error
	Finish(ctx context.Context, id string, reason model.CloseReason, frames int64, closedAt time.Time) error
}

// Config holds per-session settings.
type Config struct {
	DialTimeout   time.Duration
	ReadChunkSize int
	MaxLineLength int
	QueueSize     int

	// Dialer overrides the uplink TCP dialer.
	Dialer uplink.Dialer

	// History records uplink attempts; nil disables it.
	History History
}

type eventKind int

const (
	eventDialed eventKind = iota
	eventFrame
	eventUplinkError
	eventUplinkClosed
)

type event struct {
	kind  eventKind
	link  *link
	frame uplink.Frame
	err   error
}

// link is one uplink attempt together with the context that cancels it.
type link struct {
	up     *uplink.Uplink
	ctx    context.Context
	cancel context.CancelFunc

	dialDone chan struct{}
	dialErr  error

	attemptAt   time.Time
	established bool
	readErr     error
	recordID    string
}

// Session is one websocket client. All protocol state is owned by the goroutine started with Start;
// other goroutines talk to it through Deliver and the uplink callbacks.
type Session struct {
	id         string
	remoteAddr string
	createdAt  time.Time
	peer       Peer
	cfg        Config
	log        zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	inbound chan []byte
	events  chan event
	done    chan struct{}

	// owned by the loop
	current *link

	mu      sync.RWMutex
	started bool
	state   model.SessionState
	target  string
}

// New creates an idle session for peer. The session stops when ctx is cancelled or Close is called.
func New(ctx context.Context, peer Peer, remoteAddr string, cfg Config) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultEventQueue
	}

	s := &Session{
		id:         uuid.New().String(),
		remoteAddr: remoteAddr,
		createdAt:  time.Now(),
		peer:       peer,
		cfg:        cfg,
		inbound:    make(chan []byte, defaultInboundQueue),
		events:     make(chan event, cfg.QueueSize),
		done:       make(chan struct{}),
		state:      model.SessionStateIdle,
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.log = logger.Component("session").With().
		Str("session_id", s.id).
		Str("remote", remoteAddr).
		Logger()
	return s
}

// Start launches the session loop. It sends the welcome event first.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.ctx.Err() != nil {
		return
	}
	s.started = true
	go s.run()
}

// Deliver hands one inbound websocket text frame to the session loop. Frames are handled in order.
func (s *Session) Deliver(data []byte) error {
	select {
	case s.inbound <- data:
		return nil
	case <-s.ctx.Done():
		return model.ErrSessionClosed
	}
}

// Close stops the loop and waits until any owned uplink is fully torn down. It does not close the peer.
func (s *Session) Close() {
	s.mu.Lock()
	s.cancel()
	started := s.started
	s.mu.Unlock()

	if started {
		<-s.done
	}
}

// Hangup closes the peer connection. The transport notices and runs the normal teardown path.
func (s *Session) Hangup() error {
	return s.peer.Close()
}

// Done is closed when the loop has exited and the uplink is gone.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the session identity.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the peer address, for logging.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// State returns the current protocol state.
func (s *Session) State() model.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns a point-in-time snapshot.
func (s *Session) Info() model.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.SessionInfo{
		ID:         s.id,
		RemoteAddr: s.remoteAddr,
		State:      s.state,
		Target:     s.target,
		CreatedAt:  s.createdAt,
	}
}

func (s *Session) setState(state model.SessionState, target string) {
	s.mu.Lock()
	s.state = state
	s.target = target
	s.mu.Unlock()
}

func (s *Session) run() {
	defer close(s.done)
	defer s.teardown()

	s.log.Info().Msg("client connected")
	s.send(proto.Welcome(time.Now()))

	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.inbound:
			s.handleControl(data)
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Session) teardown() {
	s.setState(model.SessionStateClosing, "")
	s.closeLink(model.CloseReasonSessionClosed)
	s.log.Info().Dur("duration", time.Since(s.createdAt)).Msg("client disconnected")
}

func (s *Session) handleControl(data []byte) {
	msg, err := proto.DecodeControl(data)
	if err != nil {
		metrics.ControlMessages.WithLabelValues("invalid").Inc()
		s.log.Warn().Err(err).Msg("invalid control message")
		s.sendError("Invalid JSON format")
		return
	}

	switch msg.Type {
	case proto.TypeConnect:
		metrics.ControlMessages.WithLabelValues(string(msg.Type)).Inc()
		s.handleConnect(msg)
	case proto.TypeDisconnect:
		metrics.ControlMessages.WithLabelValues(string(msg.Type)).Inc()
		s.closeLink(model.CloseReasonClientDisconnect)
		s.send(proto.Disconnected(time.Now()))
	case proto.TypePing:
		metrics.ControlMessages.WithLabelValues(string(msg.Type)).Inc()
		s.send(proto.Pong(time.Now()))
	default:
		metrics.ControlMessages.WithLabelValues("unknown").Inc()
		s.log.Warn().Str("type", string(msg.Type)).Msg("unknown message type")
		s.sendError(fmt.Sprintf("Unknown message type: %s", msg.Type))
	}
}

func (s *Session) handleConnect(msg *proto.ControlMessage) {
	if msg.IP == "" || msg.Port.Missing() {
		s.sendError("Missing IP or port")
		return
	}
	if !msg.Port.Valid() {
		s.sendError(fmt.Sprintf("Invalid port: %s", msg.Port.Raw))
		return
	}

	// The previous uplink is gone before the new attempt begins.
	s.closeLink(model.CloseReasonReplaced)
	s.openLink(msg.IP, msg.Port.Value)
}

func (s *Session) openLink(host string, port int) {
	l := &link{
		dialDone:  make(chan struct{}),
		attemptAt: time.Now(),
	}
	l.ctx, l.cancel = context.WithCancel(s.ctx)
	l.up = uplink.New(host, port, uplink.Options{
		DialTimeout:   s.cfg.DialTimeout,
		ReadChunkSize: s.cfg.ReadChunkSize,
		MaxLineLength: s.cfg.MaxLineLength,
		Dialer:        s.cfg.Dialer,
		OnFrame: func(f uplink.Frame) {
			s.post(event{kind: eventFrame, link: l, frame: f})
		},
		OnError: func(err error) {
			s.post(event{kind: eventUplinkError, link: l, err: err})
		},
		OnClosed: func() {
			s.post(event{kind: eventUplinkClosed, link: l})
		},
	})

	s.current = l
	s.setState(model.SessionStateConnecting, l.up.Addr())
	s.log.Info().Str("target", l.up.Addr()).Msg("connecting to TCP source")

	go func() {
		l.dialErr = l.up.Connect(l.ctx)
		close(l.dialDone)
		s.post(event{kind: eventDialed, link: l})
	}()
}

// post delivers an uplink event to the loop unless the link has been cancelled.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-ev.link.ctx.Done():
	}
}

// closeLink tears down the current uplink, if any, and waits for its goroutines to exit.
func (s *Session) closeLink(reason model.CloseReason) {
	l := s.current
	if l == nil {
		return
	}
	s.current = nil
	wasConnecting := !l.established

	l.cancel()
	<-l.dialDone
	if err := l.up.Close(); err != nil {
		s.log.Debug().Err(err).Msg("uplink close")
	}

	if wasConnecting {
		metrics.UplinkAttempts.WithLabelValues(string(model.UplinkOutcomeCancelled)).Inc()
		s.recordAttempt(l, model.UplinkOutcomeCancelled)
	} else {
		s.finishLink(l, reason)
	}

	if reason != model.CloseReasonSessionClosed {
		s.setState(model.SessionStateIdle, "")
		if wasConnecting {
			cancelled := &uplink.DialError{Kind: model.ErrUplinkCanceled, Host: l.up.Host(), Port: l.up.Port()}
			s.sendError(cancelled.Error())
		} else if reason == model.CloseReasonReplaced {
			s.send(proto.Disconnected(time.Now()))
		}
	}

	s.log.Info().Str("target", l.up.Addr()).Str("reason", string(reason)).Msg("uplink closed")
}

func (s *Session) handleEvent(ev event) {
	if ev.link != s.current {
		return
	}
	l := ev.link

	switch ev.kind {
	case eventDialed:
		s.handleDialed(l)

	case eventFrame:
		metrics.FramesForwarded.Inc()
		s.send(proto.NMEA(ev.frame.Sentence, ev.frame.ReceivedAt))

	case eventUplinkError:
		l.readErr = ev.err
		s.sendError(ev.err.Error())

	case eventUplinkClosed:
		s.current = nil
		l.cancel()
		l.up.Close()

		reason := model.CloseReasonUpstreamClosed
		if l.readErr != nil {
			reason = model.CloseReasonReadError
		}
		s.finishLink(l, reason)
		s.setState(model.SessionStateIdle, "")
		s.send(proto.TCPDisconnected(time.Now()))
		s.log.Info().Str("target", l.up.Addr()).Str("reason", string(reason)).Msg("TCP source disconnected")
	}
}

func (s *Session) handleDialed(l *link) {
	if l.dialErr != nil {
		s.current = nil
		l.cancel()

		outcome := model.UplinkOutcomeError
		var de *uplink.DialError
		if errors.As(l.dialErr, &de) {
			outcome = de.Outcome()
		}
		metrics.UplinkAttempts.WithLabelValues(string(outcome)).Inc()
		s.recordAttempt(l, outcome)

		s.setState(model.SessionStateIdle, "")
		s.log.Warn().Err(l.dialErr).Str("target", l.up.Addr()).Msg("uplink connect failed")
		s.sendError(l.dialErr.Error())
		return
	}

	l.established = true
	metrics.UplinkAttempts.WithLabelValues(string(model.UplinkOutcomeConnected)).Inc()
	s.recordAttempt(l, model.UplinkOutcomeConnected)

	s.setState(model.SessionStateStreaming, l.up.Addr())
	s.send(proto.Connected(l.up.Host(), l.up.Port(), time.Now()))
	l.up.Start()
}

func (s *Session) recordAttempt(l *link, outcome model.UplinkOutcome) {
	if s.cfg.History == nil {
		return
	}

	rec := &model.UplinkRecord{
		ID:        uuid.New().String(),
		SessionID: s.id,
		Host:      l.up.Host(),
		Port:      l.up.Port(),
		Outcome:   outcome,
		OpenedAt:  l.attemptAt,
	}
	if outcome != model.UplinkOutcomeConnected {
		closedAt := time.Now()
		rec.ClosedAt = &closedAt
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	if err := s.cfg.History.Create(ctx, rec); err != nil {
		s.log.Warn().Err(err).Msg("failed to record uplink attempt")
		return
	}
	l.recordID = rec.ID
}

func (s *Session) finishLink(l *link, reason model.CloseReason) {
	if opened := l.up.OpenedAt(); !opened.IsZero() {
		metrics.UplinkDuration.Observe(time.Since(opened).Seconds())
	}

	if s.cfg.History == nil || l.recordID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	if err := s.cfg.History.Finish(ctx, l.recordID, reason, l.up.Frames(), time.Now()); err != nil {
		s.log.Warn().Err(err).Msg("failed to record uplink close")
	}
}

func (s *Session) send(ev *proto.Event) {
	data, err := ev.Encode()
	if err != nil {
		s.log.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to encode event")
		return
	}

	if err := s.peer.Send(data); err != nil {
		if errors.Is(err, model.ErrPeerGone) {
			s.log.Debug().Str("type", string(ev.Type)).Msg("peer gone, event dropped")
			return
		}
		s.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("failed to send event")
	}
}

func (s *Session) sendError(message string) {
	s.send(proto.Error(message, time.Now()))
}
