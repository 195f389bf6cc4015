package relay

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fwdcast/fwdcast/wire"
)

// Channel is the duplex message transport to an origin. *websocket.Conn
// satisfies it; tests substitute in-memory implementations.
type Channel interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// PendingRequest is a viewer HTTP request awaiting its response frames.
type PendingRequest struct {
	ID string

	w        http.ResponseWriter
	writeMu  sync.Mutex // serializes writer access against Release
	released bool

	started atomic.Bool // set once the response frame arrived
	done    chan struct{}
	once    sync.Once
}

// NewPendingRequest binds a request ID to the viewer's response writer.
func NewPendingRequest(id string, w http.ResponseWriter) *PendingRequest {
	return &PendingRequest{ID: id, w: w, done: make(chan struct{})}
}

// UseWriter runs fn against the viewer's response writer, or reports
// false once the writer has been withdrawn. The handler goroutine owns
// the ResponseWriter after it returns, so frames routed late must not
// touch it.
func (p *PendingRequest) UseWriter(fn func(http.ResponseWriter)) bool {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.released {
		return false
	}
	fn(p.w)
	return true
}

// Release withdraws the response writer. Blocks until any in-flight
// UseWriter call has finished.
func (p *PendingRequest) Release() {
	p.writeMu.Lock()
	p.released = true
	p.writeMu.Unlock()
}

// Finish signals completion. Safe to call any number of times.
func (p *PendingRequest) Finish() {
	p.once.Do(func() { close(p.done) })
}

// Done returns the one-shot completion signal.
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// Started reports whether a response frame was routed to this request.
func (p *PendingRequest) Started() bool {
	return p.started.Load()
}

// responseState is the transient streaming state of one in-flight response.
// It lives inside its session, keyed by request ID, and is only touched
// from the session's read loop.
type responseState struct {
	flusher http.Flusher
}

// Session is one live origin<->relay binding.
type Session struct {
	ID           string
	ExpiresAt    time.Time // never extended
	MaxViewers   int
	PasswordHash []byte // empty for unauthenticated shares
	AuthToken    string // cookie value handed to authenticated viewers

	ch        Channel
	writeMu   sync.Mutex // serializes channel writes across viewer handlers
	closeOnce sync.Once

	mu          sync.Mutex // guards everything below
	viewers     int
	pending     map[string]*PendingRequest
	responses   map[string]*responseState
	failedAuth  int
	lastAttempt time.Time
}

// IsExpired reports whether the session's deadline has passed.
func (s *Session) IsExpired() bool {
	return !time.Now().Before(s.ExpiresAt)
}

// WriteFrame encodes a frame and writes it to the channel. Writes are
// serialized; concurrent viewer handlers may dispatch at any time.
func (s *Session) WriteFrame(v any) error {
	b, err := wire.Encode(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ch.WriteMessage(websocket.TextMessage, b)
}

// CloseChannel closes the origin channel once.
func (s *Session) CloseChannel() {
	s.closeOnce.Do(func() { _ = s.ch.Close() })
}

func (s *Session) readMessage() ([]byte, error) {
	_, b, err := s.ch.ReadMessage()
	return b, err
}

func (s *Session) pendingReq(id string) *PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[id]
}

func (s *Session) beginResponse(id string, st *responseState) {
	s.mu.Lock()
	s.responses[id] = st
	s.mu.Unlock()
}

func (s *Session) response(id string) *responseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responses[id]
}

func (s *Session) endResponse(id string) {
	s.mu.Lock()
	delete(s.responses, id)
	s.mu.Unlock()
}

// ViewerCount returns the current admitted viewer count.
func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewers
}
