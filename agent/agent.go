// Package agent implements the origin-side sharing agent. It dials the
// relay over an outbound websocket, registers a share, and answers
// bridged viewer requests with files from the shared directory.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fwdcast/fwdcast/internal/logging"
	"github.com/fwdcast/fwdcast/realtime/ws"
	"github.com/fwdcast/fwdcast/share"
	"github.com/fwdcast/fwdcast/wire"
)

// State tracks the agent lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stage marks the lifecycle phase an error belongs to.
type Stage string

const (
	StageConnect  Stage = "connect"
	StageRegister Stage = "register"
	StageServe    Stage = "serve"
)

// Error is a stage-tagged agent failure.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// TransferStats is a running snapshot handed to the observer after each
// completed request.
type TransferStats struct {
	Requests  int64
	BytesSent int64
}

// Observer receives agent lifecycle events. All methods may be called
// from the agent's goroutines.
type Observer interface {
	URL(sessionID, url string)
	Stats(TransferStats)
	Expired()
	Disconnect(err error)
	Error(err error)
}

type noopObserver struct{}

func (noopObserver) URL(string, string)  {}
func (noopObserver) Stats(TransferStats) {}
func (noopObserver) Expired()            {}
func (noopObserver) Disconnect(error)    {}
func (noopObserver) Error(error)         {}

// NoopObserver discards every event.
var NoopObserver Observer = noopObserver{}

// Duration bounds for a share.
const (
	MinDuration     = 1 * time.Minute
	MaxDuration     = 120 * time.Minute
	DefaultDuration = 30 * time.Minute
)

// Config carries the agent's tunables.
type Config struct {
	RelayURL     string        // ws:// or wss:// registration endpoint.
	Dir          *share.Dir    // Shared directory, already validated.
	Duration     time.Duration // Share lifetime, clamped to [1m, 120m].
	Password     string        // Optional viewer password.
	MaxRetries   int           // Connection attempts before giving up.
	RetryDelay   time.Duration // Pause between attempts.
	ChunkBytes   int           // Body bytes per data frame, pre-encoding.
	Grace        time.Duration // Wait past expiry for the relay's notice.
	MaxFileBytes int64         // Largest file served; 0 means unlimited.

	Observer Observer
	Logger   *zerolog.Logger
}

// DefaultConfig returns the documented defaults; RelayURL and Dir must
// still be supplied.
func DefaultConfig() Config {
	return Config{
		Duration:   DefaultDuration,
		MaxRetries: 10,
		RetryDelay: 500 * time.Millisecond,
		ChunkBytes: wire.MaxChunkBytes,
		Grace:      5 * time.Second,
	}
}

// Agent is one live share. Create with New, drive with Run.
type Agent struct {
	cfg   Config
	obs   Observer
	log   zerolog.Logger
	state atomic.Int32

	conn    *ws.Conn
	writeMu sync.Mutex

	sessionID string
	publicURL string

	requests  atomic.Int64
	bytesSent atomic.Int64
}

// New validates the config and builds an agent.
func New(cfg Config) (*Agent, error) {
	if cfg.RelayURL == "" {
		return nil, errors.New("agent: relay URL required")
	}
	if cfg.Dir == nil {
		return nil, errors.New("agent: share directory required")
	}
	def := DefaultConfig()
	if cfg.Duration == 0 {
		cfg.Duration = def.Duration
	}
	if cfg.Duration < MinDuration || cfg.Duration > MaxDuration {
		return nil, fmt.Errorf("agent: duration %s outside [%s, %s]", cfg.Duration, MinDuration, MaxDuration)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.ChunkBytes <= 0 || cfg.ChunkBytes > wire.MaxChunkBytes {
		cfg.ChunkBytes = def.ChunkBytes
	}
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.Observer == nil {
		cfg.Observer = NoopObserver
	}
	var log zerolog.Logger
	if cfg.Logger != nil {
		log = *cfg.Logger
	} else {
		log = logging.WithComponent("agent")
	}
	a := &Agent{cfg: cfg, obs: cfg.Observer, log: log}
	a.state.Store(int32(StateDisconnected))
	return a, nil
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

// SessionID returns the relay-assigned session ID, empty before Active.
func (a *Agent) SessionID() string {
	return a.sessionID
}

// URL returns the public viewer URL, empty before Active.
func (a *Agent) URL() string {
	return a.publicURL
}

func (a *Agent) setState(s State) {
	a.state.Store(int32(s))
}

func (a *Agent) snapshot() TransferStats {
	return TransferStats{
		Requests:  a.requests.Load(),
		BytesSent: a.bytesSent.Load(),
	}
}

// Run connects, registers and serves until the share expires, the
// context is cancelled, or the channel drops. A normal expiry returns
// nil.
func (a *Agent) Run(ctx context.Context) error {
	expiresAt := time.Now().Add(a.cfg.Duration)

	conn, err := a.connect(ctx)
	if err != nil {
		a.setState(StateClosed)
		a.obs.Error(err)
		return err
	}
	a.conn = conn

	if err := a.register(ctx, expiresAt); err != nil {
		a.setState(StateClosed)
		_ = conn.Close()
		a.obs.Error(err)
		return err
	}

	a.setState(StateActive)
	a.obs.URL(a.sessionID, a.publicURL)
	a.log.Info().
		Str("session_id", a.sessionID).
		Str("url", a.publicURL).
		Time("expires_at", expiresAt).
		Msg("share active")

	err = a.serveLoop(ctx, expiresAt)
	a.setState(StateClosed)
	return err
}

// connect dials the relay, retrying transient failures.
func (a *Agent) connect(ctx context.Context) (*ws.Conn, error) {
	a.setState(StateConnecting)
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxRetries; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := ws.Dial(dialCtx, a.cfg.RelayURL, ws.DialOptions{})
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		a.log.Warn().Int("attempt", attempt).Err(err).Msg("relay dial failed")
		select {
		case <-time.After(a.cfg.RetryDelay):
		case <-ctx.Done():
			return nil, &Error{Stage: StageConnect, Err: ctx.Err()}
		}
	}
	return nil, &Error{Stage: StageConnect, Err: fmt.Errorf("giving up after %d attempts: %w", a.cfg.MaxRetries, lastErr)}
}

// register performs the frame handshake and records the assigned URL.
func (a *Agent) register(ctx context.Context, expiresAt time.Time) error {
	a.setState(StateRegistering)
	a.conn.SetReadLimit(wire.MaxFrameBytes)

	reg := wire.NewRegister(a.cfg.Dir.Root(), expiresAt.Unix(), a.cfg.Password)
	if err := a.writeFrame(ctx, reg); err != nil {
		return &Error{Stage: StageRegister, Err: err}
	}

	regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, b, err := a.conn.ReadMessage(regCtx)
	if err != nil {
		return &Error{Stage: StageRegister, Err: err}
	}
	msg, err := wire.Decode(b)
	if err != nil {
		return &Error{Stage: StageRegister, Err: err}
	}
	ack, ok := msg.(*wire.Registered)
	if !ok {
		return &Error{Stage: StageRegister, Err: fmt.Errorf("expected registered frame, got %T", msg)}
	}
	a.sessionID = ack.SessionID
	a.publicURL = ack.URL
	return nil
}

// serveLoop reads frames until expiry, disconnect, or cancellation.
// Each request is served on its own goroutine so a slow download does
// not block the channel reads.
func (a *Agent) serveLoop(ctx context.Context, expiresAt time.Time) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock the read when the context ends or the relay never sends
	// its expiry notice.
	deadline := time.Until(expiresAt) + a.cfg.Grace
	go func() {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-loopCtx.Done():
		case <-timer.C:
		}
		a.setState(StateClosing)
		_ = a.conn.Close()
	}()

	g := new(errgroup.Group)
	var loopErr error

read:
	for {
		_, b, err := a.conn.ReadMessage(loopCtx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				// Cancelled by the caller.
			case !time.Now().Before(expiresAt):
				// Local deadline passed without an expiry frame.
				a.obs.Expired()
			default:
				loopErr = &Error{Stage: StageServe, Err: err}
				a.obs.Disconnect(err)
			}
			break
		}
		msg, err := wire.Decode(b)
		if err != nil {
			// A protocol error poisons the channel; tear it down.
			a.log.Warn().Err(err).Msg("malformed frame from relay")
			loopErr = &Error{Stage: StageServe, Err: err}
			a.obs.Disconnect(err)
			break
		}
		switch m := msg.(type) {
		case *wire.Request:
			req := m
			g.Go(func() error {
				a.handleRequest(loopCtx, req)
				return nil
			})
		case *wire.Expired:
			a.log.Info().Str("session_id", a.sessionID).Msg("share expired")
			a.obs.Expired()
			a.setState(StateClosing)
			_ = a.conn.Close()
			_ = g.Wait()
			return nil
		default:
			a.log.Warn().Str("session_id", a.sessionID).Msg("unexpected frame type from relay")
			loopErr = &Error{Stage: StageServe, Err: fmt.Errorf("unexpected %T frame from relay", m)}
			a.obs.Disconnect(loopErr)
			break read
		}
	}

	a.setState(StateClosing)
	_ = a.conn.Close()
	_ = g.Wait()
	if loopErr == nil && ctx.Err() == nil && !time.Now().Before(expiresAt) {
		return nil
	}
	return loopErr
}

// writeFrame serializes channel writes across request goroutines.
func (a *Agent) writeFrame(ctx context.Context, v any) error {
	b, err := wire.Encode(v)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(ctx, websocket.TextMessage, b)
}
