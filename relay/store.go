package relay

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fwdcast/fwdcast/internal/hexid"
	"github.com/fwdcast/fwdcast/observability"
	"github.com/fwdcast/fwdcast/wire"
)

var (
	// ErrSessionNotFound reports a lookup for an unknown or expired session.
	ErrSessionNotFound = errors.New("relay: session not found")
	// ErrMaxViewersReached reports a viewer admission beyond the session cap.
	ErrMaxViewersReached = errors.New("relay: max viewers reached")
)

// authTokenBytes sizes the random cookie token minted per session.
const authTokenBytes = 16

// Store owns the live session registry. All lookups and mutations go
// through it; per-session state is guarded by the session's own mutex,
// always acquired after the store lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	publicBase string
	maxViewers int

	obs observability.RelayObserver
	log zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewStore builds an empty session registry.
func NewStore(publicBase string, maxViewers int, obs observability.RelayObserver, log zerolog.Logger) *Store {
	if obs == nil {
		obs = observability.NoopRelayObserver
	}
	return &Store{
		sessions:   make(map[string]*Session),
		publicBase: strings.TrimRight(publicBase, "/"),
		maxViewers: maxViewers,
		obs:        obs,
		log:        log,
		stop:       make(chan struct{}),
	}
}

// Create registers a new session over the given channel. IDs are drawn
// from a CSPRNG and re-drawn on the (vanishingly rare) collision.
func (st *Store) Create(ch Channel, expiresAt time.Time, passwordHash []byte) (*Session, error) {
	token, err := hexid.New(authTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("relay: mint auth token: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	var id string
	for {
		id, err = hexid.New(hexid.SessionBytes)
		if err != nil {
			return nil, fmt.Errorf("relay: mint session id: %w", err)
		}
		if _, taken := st.sessions[id]; !taken {
			break
		}
	}

	s := &Session{
		ID:           id,
		ExpiresAt:    expiresAt,
		MaxViewers:   st.maxViewers,
		PasswordHash: passwordHash,
		AuthToken:    token,
		ch:           ch,
		pending:      make(map[string]*PendingRequest),
		responses:    make(map[string]*responseState),
	}
	st.sessions[id] = s

	st.obs.SessionRegistered()
	st.obs.SessionCount(len(st.sessions))
	st.log.Info().
		Str("session_id", id).
		Time("expires_at", expiresAt).
		Bool("protected", len(passwordHash) > 0).
		Msg("session registered")
	return s, nil
}

// Get returns the live session, or nil if unknown. A session found past
// its deadline is expired on the spot and treated as absent.
func (st *Store) Get(id string) *Session {
	st.mu.RLock()
	s := st.sessions[id]
	st.mu.RUnlock()
	if s == nil {
		return nil
	}
	if s.IsExpired() {
		st.Expire(id)
		return nil
	}
	return s
}

// Exists reports whether the id maps to a live, unexpired session.
func (st *Store) Exists(id string) bool {
	return st.Get(id) != nil
}

// Count returns the number of registered sessions, expired or not.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Remove drops the session and releases every waiter. Idempotent.
func (st *Store) Remove(id string, reason observability.RemoveReason) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
		st.obs.SessionCount(len(st.sessions))
	}
	st.mu.Unlock()
	if !ok {
		return
	}

	s.CloseChannel()

	s.mu.Lock()
	waiting := make([]*PendingRequest, 0, len(s.pending))
	for _, p := range s.pending {
		waiting = append(waiting, p)
	}
	s.pending = make(map[string]*PendingRequest)
	s.responses = make(map[string]*responseState)
	s.mu.Unlock()

	for _, p := range waiting {
		p.Finish()
	}

	st.obs.SessionRemoved(reason)
	st.log.Info().
		Str("session_id", id).
		Str("reason", string(reason)).
		Int("released_requests", len(waiting)).
		Msg("session removed")
}

// Expire notifies the origin, closes its channel and removes the session.
// The expired frame is best effort; the channel may already be gone.
func (st *Store) Expire(id string) {
	st.mu.RLock()
	s := st.sessions[id]
	st.mu.RUnlock()
	if s == nil {
		return
	}
	_ = s.WriteFrame(wire.NewExpired())
	s.CloseChannel()
	st.Remove(id, observability.RemoveReasonExpired)
}

// IncrementViewers admits a viewer, enforcing the per-session cap.
func (st *Store) IncrementViewers(id string) error {
	s := st.Get(id)
	if s == nil {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.viewers >= s.MaxViewers {
		return ErrMaxViewersReached
	}
	s.viewers++
	return nil
}

// DecrementViewers releases one viewer slot, clamping at zero.
func (st *Store) DecrementViewers(id string) {
	st.mu.RLock()
	s := st.sessions[id]
	st.mu.RUnlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.viewers > 0 {
		s.viewers--
	}
	s.mu.Unlock()
}

// AddPending registers an in-flight viewer request on the session.
func (st *Store) AddPending(id string, p *PendingRequest) error {
	s := st.Get(id)
	if s == nil {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	s.pending[p.ID] = p
	s.mu.Unlock()
	return nil
}

// RemovePending drops the in-flight request and its response state.
func (st *Store) RemovePending(id, requestID string) {
	st.mu.RLock()
	s := st.sessions[id]
	st.mu.RUnlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.pending, requestID)
	delete(s.responses, requestID)
	s.mu.Unlock()
}

// URL returns the public viewer URL for a session.
func (st *Store) URL(id string) string {
	return st.publicBase + "/" + id + "/"
}

// StartSweeper launches the background expiry loop.
func (st *Store) StartSweeper(interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				st.sweep()
			case <-st.stop:
				return
			}
		}
	}()
}

func (st *Store) sweep() {
	st.mu.RLock()
	expired := make([]string, 0)
	for id, s := range st.sessions {
		if s.IsExpired() {
			expired = append(expired, id)
		}
	}
	st.mu.RUnlock()
	for _, id := range expired {
		st.Expire(id)
	}
}

// Close stops the sweeper and removes every session.
func (st *Store) Close() {
	st.stopOnce.Do(func() { close(st.stop) })
	st.mu.RLock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	st.mu.RUnlock()
	for _, id := range ids {
		st.Remove(id, observability.RemoveReasonShutdown)
	}
}
