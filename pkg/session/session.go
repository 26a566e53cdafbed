// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/Godsnightmare/stratumproxy/pkg/errors"
	"github.com/Godsnightmare/stratumproxy/pkg/handler"
	"github.com/Godsnightmare/stratumproxy/pkg/metrics"
	"github.com/Godsnightmare/stratumproxy/pkg/pool"
	"github.com/Godsnightmare/stratumproxy/pkg/stratum"
	"github.com/Godsnightmare/stratumproxy/pkg/transport"
)

const (
	legDownstream = "downstream"
	legUpstream   = "upstream"
)

// State is the lifecycle stage of a Session.
type State int

const (
	Created State = iota
	DownstreamActive
	AwaitingUpstream
	Relaying
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case DownstreamActive:
		return "downstream_active"
	case AwaitingUpstream:
		return "awaiting_upstream"
	case Relaying:
		return "relaying"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is one leg of a session.
type Transport interface {
	Write(p []byte) error
	Close() error
}

// Analyzer observes the relayed stream. *stratum.Analyzer implements it.
type Analyzer interface {
	AddUploadText(p []byte)
	AddDownloadText(p []byte)
	RunOnce()
	Run()
	OnSubmitLogin(fn func(stratum.Worker))
	OnSubmitResult(fn func(accepted bool))
	Close()
}

// Selector picks the pool for a login. *pool.Table implements it.
type Selector interface {
	Select(w stratum.Worker) (pool.Info, error)
}

// DialFunc starts connecting the upstream leg to info and returns its
// transport. Events of the new leg must be delivered to h. An error means
// the dial could not even start.
type DialFunc func(ctx context.Context, info pool.Info, resolver *net.Resolver, h transport.Handler) (Transport, error)

// Config holds what a Session needs.
type Config struct {
	// ID identifies the session. A UUID is generated when empty.
	ID         string
	RemoteAddr string
	Protocol   string

	Downstream Transport

	// Analyzer defaults to a new stratum.Analyzer.
	Analyzer Analyzer

	Pools Selector
	Dial  DialFunc

	// DropEarlyUpload discards miner bytes read before the pool leg is ready
	// instead of queueing them.
	DropEarlyUpload bool

	// MaxPendingBytes caps each pending buffer. Zero means unlimited.
	MaxPendingBytes int

	Handler handler.Handler
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Session relays one miner connection to one pool.
type Session struct {
	id         string
	remoteAddr string
	startedAt  time.Time

	state           State
	downstream      Transport
	upstream        Transport
	downstreamReady bool
	upstreamReady   bool

	pendingToDownstream []byte
	pendingToUpstream   []byte

	analyzer Analyzer
	resolver *net.Resolver
	ctx      context.Context
	cancel   context.CancelFunc

	pools    Selector
	dial     DialFunc
	loggedIn bool
	worker   stratum.Worker
	pool     pool.Info

	dropEarlyUpload bool
	maxPending      int

	registry *Registry
	counted  bool
	reason   string
	err      error
	hctx     *handler.Context
	handler  handler.Handler
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Session in state Created. It owns cfg.Downstream and the
// analyzer from now on.
func New(cfg Config) (*Session, error) {
	if cfg.Downstream == nil {
		return nil, fmt.Errorf("%w: session without downstream transport", errors.ErrInvalidConfig)
	}
	if cfg.Pools == nil || cfg.Dial == nil {
		return nil, fmt.Errorf("%w: session without pools or dialer", errors.ErrInvalidConfig)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Analyzer == nil {
		cfg.Analyzer = stratum.NewAnalyzer()
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:              cfg.ID,
		remoteAddr:      cfg.RemoteAddr,
		startedAt:       time.Now(),
		state:           Created,
		downstream:      cfg.Downstream,
		analyzer:        cfg.Analyzer,
		resolver:        &net.Resolver{},
		ctx:             ctx,
		cancel:          cancel,
		pools:           cfg.Pools,
		dial:            cfg.Dial,
		dropEarlyUpload: cfg.DropEarlyUpload,
		maxPending:      cfg.MaxPendingBytes,
		handler:         cfg.Handler,
		metrics:         cfg.Metrics,
		logger: logger.With(
			slog.String("session", cfg.ID),
			slog.String("remote", cfg.RemoteAddr)),
		hctx: &handler.Context{
			SessionID:  cfg.ID,
			RemoteAddr: cfg.RemoteAddr,
			Protocol:   cfg.Protocol,
		},
	}
	s.hctx.StartedAt = s.startedAt

	s.analyzer.OnSubmitLogin(s.onLogin)
	s.analyzer.OnSubmitResult(s.onShare)

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the miner address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// State returns the current state.
func (s *Session) State() State { return s.state }

// Worker returns the most recent login identity.
func (s *Session) Worker() stratum.Worker { return s.worker }

// Pool returns the pool chosen at first login.
func (s *Session) Pool() pool.Info { return s.pool }

// Err returns why the session closed, nil while open or after a plain Close.
func (s *Session) Err() error { return s.err }

// Downstream returns the handler to attach to the miner transport.
func (s *Session) Downstream() transport.Handler { return downstreamLeg{s} }

// Upstream returns the handler to attach to the pool transport.
func (s *Session) Upstream() transport.Handler { return upstreamLeg{s} }

// HandleDownstreamRead processes bytes read from the miner.
func (s *Session) HandleDownstreamRead(p []byte) {
	if s.state == Closed {
		return
	}
	s.logger.Debug("upload", slog.Int("bytes", len(p)))

	s.analyzer.AddUploadText(p)
	s.markDownstreamReady()
	if s.state == Closed {
		return
	}

	if s.upstreamReady {
		s.writeUpstream(p)
		return
	}

	if !s.dropEarlyUpload {
		if !s.enqueue(&s.pendingToUpstream, p, legDownstream) {
			return
		}
	}
	s.analyzer.RunOnce()
}

// HandleUpstreamRead processes bytes read from the pool.
func (s *Session) HandleUpstreamRead(p []byte) {
	if s.state == Closed {
		return
	}
	s.logger.Debug("download", slog.Int("bytes", len(p)))

	s.analyzer.AddDownloadText(p)
	s.markUpstreamReady()
	if s.state == Closed {
		return
	}

	if s.downstreamReady {
		s.writeDownstream(p)
		return
	}
	s.enqueue(&s.pendingToDownstream, p, legUpstream)
}

// HandleDownstreamEvent processes a non-data event of the miner leg.
func (s *Session) HandleDownstreamEvent(ev transport.Event, err error) {
	if s.state == Closed {
		return
	}
	if ev == transport.EventConnected {
		s.logger.Info("Downstream connected")
		s.markDownstreamReady()
		return
	}
	s.downstreamReady = false
	s.fail(legDownstream, ev, err)
}

// HandleUpstreamEvent processes a non-data event of the pool leg.
func (s *Session) HandleUpstreamEvent(ev transport.Event, err error) {
	if s.state == Closed {
		return
	}
	if ev == transport.EventConnected {
		s.logger.Info("Upstream connected", slog.String("pool", s.pool.Name))
		s.markUpstreamReady()
		return
	}
	s.upstreamReady = false
	s.fail(legUpstream, ev, err)
}

// Close tears the session down. It is a no-op on a closed session.
func (s *Session) Close(reason string) {
	s.teardown(reason, nil)
}

func (s *Session) markDownstreamReady() {
	if s.downstreamReady {
		return
	}
	s.downstreamReady = true
	s.advance()

	if len(s.pendingToDownstream) > 0 {
		s.writeDownstream(nil)
	}
}

func (s *Session) markUpstreamReady() {
	if s.upstreamReady || s.upstream == nil {
		return
	}
	s.upstreamReady = true
	s.advance()
	s.notify("OnUpstreamConnect", s.handler.OnUpstreamConnect(s.ctx, s.hctx))
	if s.state == Closed {
		return
	}

	if len(s.pendingToUpstream) > 0 {
		s.writeUpstream(nil)
	}
}

// advance recomputes the state from the leg flags.
func (s *Session) advance() {
	switch {
	case s.state == Closed:
	case s.downstreamReady && s.upstreamReady:
		s.state = Relaying
	case s.upstream != nil:
		s.state = AwaitingUpstream
	case s.downstreamReady:
		s.state = DownstreamActive
	}
}

// writeUpstream flushes pendingToUpstream, then writes p.
func (s *Session) writeUpstream(p []byte) {
	if buf := s.pendingToUpstream; len(buf) > 0 {
		s.pendingToUpstream = nil
		if !s.write(s.upstream, legUpstream, buf) {
			return
		}
	}
	s.write(s.upstream, legUpstream, p)
}

// writeDownstream flushes pendingToDownstream, then writes p.
func (s *Session) writeDownstream(p []byte) {
	if buf := s.pendingToDownstream; len(buf) > 0 {
		s.pendingToDownstream = nil
		if !s.write(s.downstream, legDownstream, buf) {
			return
		}
	}
	s.write(s.downstream, legDownstream, p)
}

func (s *Session) write(t Transport, leg string, p []byte) bool {
	if len(p) == 0 {
		return true
	}
	if err := t.Write(p); err != nil {
		s.fail(leg, transport.EventError, err)
		return false
	}
	direction := stratum.Upload
	if leg == legDownstream {
		direction = stratum.Download
	}
	s.metrics.Relayed(direction.String(), len(p))
	return true
}

// enqueue appends p to buf, tearing the session down when the cap is hit.
func (s *Session) enqueue(buf *[]byte, p []byte, leg string) bool {
	if s.maxPending > 0 && len(*buf)+len(p) > s.maxPending {
		s.logger.Warn("Pending buffer overflow",
			slog.String("leg", leg),
			slog.Int("bytes", len(*buf)+len(p)))
		s.teardown(leg+"_overflow", errors.New("enqueue", leg, s.id, s.remoteAddr, errors.ErrBufferOverflow))
		return false
	}
	*buf = append(*buf, p...)
	return true
}

func (s *Session) onLogin(w stratum.Worker) {
	if s.state == Closed {
		return
	}
	s.worker = w
	s.hctx.Wallet = w.Wallet
	s.hctx.UserName = w.UserName
	s.hctx.WorkerName = w.WorkerName
	s.hctx.Password = w.Password

	s.logger.Info("Miner login",
		slog.String("wallet", w.Wallet),
		slog.String("user", w.UserName),
		slog.String("worker", w.WorkerName),
		slog.String("pwd", w.Password))

	if s.loggedIn {
		s.notify("OnLogin", s.handler.OnLogin(s.ctx, s.hctx))
		return
	}
	s.loggedIn = true

	info, err := s.pools.Select(w)
	if err != nil {
		s.logger.Warn("No pool for login", slog.String("error", err.Error()))
		s.teardown("no_pool", errors.New("select pool", "", s.id, s.remoteAddr, err))
		return
	}
	s.pool = info
	s.hctx.Pool = info.Name
	s.hctx.Upstream = info.Addr()
	s.notify("OnLogin", s.handler.OnLogin(s.ctx, s.hctx))
	if s.state == Closed {
		return
	}

	s.analyzer.Run()

	up, err := s.dial(s.ctx, info, s.resolver, s.Upstream())
	if err != nil {
		s.logger.Warn("Upstream connect failed",
			slog.String("pool", info.Name),
			slog.String("upstream", info.Addr()),
			slog.String("error", err.Error()))
		s.teardown("upstream_connect", errors.New("connect", legUpstream, s.id, s.remoteAddr, err))
		return
	}
	s.upstream = up
	s.advance()

	s.logger.Info("Connecting upstream",
		slog.String("pool", info.Name),
		slog.String("upstream", info.Addr()),
		slog.Bool("tls", info.TLS))
}

func (s *Session) onShare(accepted bool) {
	if s.state == Closed {
		return
	}
	s.notify("OnShare", s.handler.OnShare(s.ctx, s.hctx, accepted))
}

// fail logs a terminal leg condition and tears the session down.
func (s *Session) fail(leg string, ev transport.Event, err error) {
	attrs := []any{slog.String("leg", leg), slog.String("event", ev.String())}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	switch ev {
	case transport.EventEOF:
		s.logger.Info("Socket closed", attrs...)
	case transport.EventTimeout:
		s.logger.Info("Socket read/write timeout", attrs...)
	default:
		s.logger.Warn("Socket error", attrs...)
	}
	if err == nil {
		err = errors.ErrSessionClosed
	}
	s.teardown(leg+"_"+ev.String(), errors.New(ev.String(), leg, s.id, s.remoteAddr, err))
}

// teardown removes the session through its registry. It runs at most once.
func (s *Session) teardown(reason string, cause error) {
	if s.state == Closed {
		return
	}
	s.reason = reason
	s.err = cause
	if s.registry != nil && s.registry.Remove(s) {
		return
	}
	s.release()
	s.finish()
}

// release frees every resource the session owns. Callers hold the registry
// lock when the session is registered.
func (s *Session) release() {
	if s.state == Closed {
		return
	}
	s.state = Closed
	s.downstreamReady = false
	s.upstreamReady = false

	if s.downstream != nil {
		s.downstream.Close()
	}
	if s.upstream != nil {
		s.upstream.Close()
	}
	s.pendingToDownstream = nil
	s.pendingToUpstream = nil

	s.cancel()
	s.resolver = nil
	s.analyzer.Close()
}

// finish reports a released session. It runs outside the registry lock.
func (s *Session) finish() {
	d := time.Since(s.startedAt)
	if s.counted {
		s.metrics.SessionClosed(s.reason, d)
	}
	s.notify("OnDisconnect", s.handler.OnDisconnect(context.Background(), s.hctx))

	attrs := []any{slog.String("reason", s.reason), slog.Duration("duration", d)}
	if s.err != nil {
		attrs = append(attrs, slog.String("error", s.err.Error()))
	}
	s.logger.Info("Session destroyed", attrs...)
}

// opened reports a registered session.
func (s *Session) opened() {
	s.counted = true
	s.metrics.SessionOpened()
	s.logger.Info("Session created", slog.String("protocol", s.hctx.Protocol))
	s.notify("OnConnect", s.handler.OnConnect(s.ctx, s.hctx))
}

func (s *Session) notify(hook string, err error) {
	if err != nil {
		s.logger.Warn("Handler failed",
			slog.String("hook", hook),
			slog.String("error", err.Error()))
	}
}

type downstreamLeg struct{ s *Session }

func (l downstreamLeg) OnRead(_ *transport.Conn, p []byte) { l.s.HandleDownstreamRead(p) }

func (l downstreamLeg) OnEvent(_ *transport.Conn, ev transport.Event, err error) {
	l.s.HandleDownstreamEvent(ev, err)
}

type upstreamLeg struct{ s *Session }

func (l upstreamLeg) OnRead(_ *transport.Conn, p []byte) { l.s.HandleUpstreamRead(p) }

func (l upstreamLeg) OnEvent(_ *transport.Conn, ev transport.Event, err error) {
	l.s.HandleUpstreamEvent(ev, err)
}
