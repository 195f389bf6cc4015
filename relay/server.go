// Package relay implements the public rendezvous server. Origins register
// over an outbound websocket; viewer HTTP requests are bridged onto the
// duplex channel as framed messages and streamed back chunk by chunk.
package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/fwdcast/fwdcast/internal/logging"
	"github.com/fwdcast/fwdcast/observability"
	"github.com/fwdcast/fwdcast/realtime/ws"
	"github.com/fwdcast/fwdcast/wire"
)

// Config carries the relay's tunables. Zero values fall back to
// DefaultConfig equivalents in New.
type Config struct {
	Host             string        // Public host:port, used for generated URLs.
	PublicBaseURL    string        // Overrides the scheme+host of generated URLs.
	MaxViewers       int           // Concurrent viewer cap per session.
	RequestTimeout   time.Duration // Viewer wait for a complete response.
	SweepInterval    time.Duration // Expiry sweeper period.
	HandshakeTimeout time.Duration // Wait for the register frame after upgrade.
	ReadLimit        int64         // Max websocket frame size accepted.
	AuthCookieMaxAge int           // Viewer auth cookie lifetime, seconds.
	AuthFailureLimit int           // Failed password attempts before cooldown.
	AuthCooldown     time.Duration // Lockout window after too many failures.
	AuthRateLimit    int           // Password submissions per IP per minute.
	InsecureCookies  bool          // Drop the cookie Secure attribute; plain-HTTP use only.

	Observer observability.RelayObserver
	Logger   *zerolog.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Host:             "localhost:8080",
		MaxViewers:       3,
		RequestTimeout:   30 * time.Second,
		SweepInterval:    10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ReadLimit:        wire.MaxFrameBytes,
		AuthCookieMaxAge: 3600,
		AuthFailureLimit: 5,
		AuthCooldown:     30 * time.Second,
		AuthRateLimit:    30,
	}
}

// Server bridges registered origins and their viewers.
type Server struct {
	cfg   Config
	store *Store
	obs   observability.RelayObserver
	log   zerolog.Logger
}

// New builds a relay server and starts its expiry sweeper.
func New(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.MaxViewers <= 0 {
		cfg.MaxViewers = def.MaxViewers
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.AuthCookieMaxAge <= 0 {
		cfg.AuthCookieMaxAge = def.AuthCookieMaxAge
	}
	if cfg.AuthFailureLimit <= 0 {
		cfg.AuthFailureLimit = def.AuthFailureLimit
	}
	if cfg.AuthCooldown <= 0 {
		cfg.AuthCooldown = def.AuthCooldown
	}
	if cfg.AuthRateLimit <= 0 {
		cfg.AuthRateLimit = def.AuthRateLimit
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopRelayObserver
	}

	var log zerolog.Logger
	if cfg.Logger != nil {
		log = *cfg.Logger
	} else {
		log = logging.WithComponent("relay")
	}

	base := cfg.PublicBaseURL
	if base == "" {
		base = "http://" + cfg.Host
	}

	srv := &Server{
		cfg:   cfg,
		store: NewStore(base, cfg.MaxViewers, cfg.Observer, log),
		obs:   cfg.Observer,
		log:   log,
	}
	srv.store.StartSweeper(cfg.SweepInterval)
	return srv
}

// Store exposes the session registry, mainly for tests and diagnostics.
func (srv *Server) Store() *Store {
	return srv.store
}

// Close tears down every session and stops background work.
func (srv *Server) Close() {
	srv.store.Close()
}

// Router returns the relay's HTTP handler.
func (srv *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", srv.handleHealth)
	r.Get("/ws", srv.handleOriginWS)
	r.Route("/{session}", func(r chi.Router) {
		r.Get("/__auth__", srv.handleAuthPage)
		r.With(httprate.LimitByIP(srv.cfg.AuthRateLimit, time.Minute)).
			Post("/__auth__", srv.handleAuthSubmit)
		r.Get("/", srv.handleViewer)
		r.Head("/", srv.handleViewer)
		r.Get("/*", srv.handleViewer)
		r.Head("/*", srv.handleViewer)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		srv.writeNotFound(w)
	})
	return r
}

func (srv *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleOriginWS upgrades the origin connection, validates its register
// frame and hands the channel to the session read loop.
func (srv *Server) handleOriginWS(w http.ResponseWriter, r *http.Request) {
	c, err := ws.Upgrade(w, r, ws.UpgraderOptions{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	})
	if err != nil {
		srv.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c.SetReadLimit(srv.cfg.ReadLimit)

	ctx, cancel := context.WithTimeout(r.Context(), srv.cfg.HandshakeTimeout)
	defer cancel()
	_, b, err := c.ReadMessage(ctx)
	if err != nil {
		srv.log.Warn().Err(err).Msg("no register frame before deadline")
		_ = c.Close()
		return
	}
	msg, err := wire.Decode(b)
	if err != nil {
		srv.log.Warn().Err(err).Msg("malformed register frame")
		_ = c.CloseWithStatus(websocket.ClosePolicyViolation, "malformed register frame")
		return
	}
	reg, ok := msg.(*wire.Register)
	if !ok {
		srv.log.Warn().Msg("first frame is not register")
		_ = c.CloseWithStatus(websocket.ClosePolicyViolation, "expected register frame")
		return
	}

	expiresAt := time.Unix(reg.ExpiresAt, 0)
	if !expiresAt.After(time.Now()) {
		srv.log.Warn().Time("expires_at", expiresAt).Msg("registration already expired")
		_ = c.CloseWithStatus(websocket.ClosePolicyViolation, "expires_at is in the past")
		return
	}

	var hash []byte
	if reg.Password != "" {
		hash, err = bcrypt.GenerateFromPassword([]byte(reg.Password), bcrypt.DefaultCost)
		if err != nil {
			srv.log.Error().Err(err).Msg("password hash failed")
			_ = c.Close()
			return
		}
	}

	// The handshake read left a deadline on the conn; the session read
	// loop blocks indefinitely, so clear it before handing over.
	_ = c.Underlying().SetReadDeadline(time.Time{})

	sess, err := srv.store.Create(c.Underlying(), expiresAt, hash)
	if err != nil {
		srv.log.Error().Err(err).Msg("session create failed")
		_ = c.Close()
		return
	}

	if err := sess.WriteFrame(wire.NewRegistered(sess.ID, srv.store.URL(sess.ID))); err != nil {
		srv.log.Warn().Str("session_id", sess.ID).Err(err).Msg("registered frame write failed")
		srv.store.Remove(sess.ID, observability.RemoveReasonChannelClosed)
		return
	}

	go srv.readLoop(sess)
}
