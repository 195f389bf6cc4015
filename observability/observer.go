// Package observability defines the relay's metric observer contract plus
// no-op and atomically swappable implementations.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type RemoveReason string

const (
	RemoveReasonExpired       RemoveReason = "expired"
	RemoveReasonChannelClosed RemoveReason = "channel_closed"
	RemoveReasonShutdown      RemoveReason = "shutdown"
	RemoveReasonExplicit      RemoveReason = "explicit"
)

type RejectReason string

const (
	RejectReasonNotFound   RejectReason = "not_found"
	RejectReasonMaxViewers RejectReason = "max_viewers"
	RejectReasonRateLimit  RejectReason = "rate_limit"
)

type RequestOutcome string

const (
	RequestOutcomeOK         RequestOutcome = "ok"
	RequestOutcomeTimeout    RequestOutcome = "timeout"
	RequestOutcomeWriteError RequestOutcome = "write_error"
	RequestOutcomeAborted    RequestOutcome = "aborted"
)

// RelayObserver receives relay-level metric events.
type RelayObserver interface {
	SessionCount(n int)
	SessionRegistered()
	SessionRemoved(reason RemoveReason)
	ViewerAdmitted()
	ViewerRejected(reason RejectReason)
	RequestCompleted(outcome RequestOutcome, d time.Duration)
	BytesStreamed(n int)
}

type noopRelayObserver struct{}

func (noopRelayObserver) SessionCount(int)                               {}
func (noopRelayObserver) SessionRegistered()                             {}
func (noopRelayObserver) SessionRemoved(RemoveReason)                    {}
func (noopRelayObserver) ViewerAdmitted()                                {}
func (noopRelayObserver) ViewerRejected(RejectReason)                    {}
func (noopRelayObserver) RequestCompleted(RequestOutcome, time.Duration) {}
func (noopRelayObserver) BytesStreamed(int)                              {}

// NoopRelayObserver is a zero-cost observer used when metrics are disabled.
var NoopRelayObserver RelayObserver = noopRelayObserver{}

// AtomicRelayObserver swaps its delegate at runtime.
type AtomicRelayObserver struct {
	once sync.Once
	v    atomic.Value
}

type relayObserverHolder struct {
	obs RelayObserver
}

// NewAtomicRelayObserver returns an initialized atomic observer.
func NewAtomicRelayObserver() *AtomicRelayObserver {
	a := &AtomicRelayObserver{}
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicRelayObserver) Set(obs RelayObserver) {
	if obs == nil {
		obs = NoopRelayObserver
	}
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	a.v.Store(&relayObserverHolder{obs: obs})
}

func (a *AtomicRelayObserver) load() RelayObserver {
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	return a.v.Load().(*relayObserverHolder).obs
}

func (a *AtomicRelayObserver) SessionCount(n int)            { a.load().SessionCount(n) }
func (a *AtomicRelayObserver) SessionRegistered()            { a.load().SessionRegistered() }
func (a *AtomicRelayObserver) SessionRemoved(r RemoveReason) { a.load().SessionRemoved(r) }
func (a *AtomicRelayObserver) ViewerAdmitted()               { a.load().ViewerAdmitted() }
func (a *AtomicRelayObserver) ViewerRejected(r RejectReason) { a.load().ViewerRejected(r) }
func (a *AtomicRelayObserver) RequestCompleted(o RequestOutcome, d time.Duration) {
	a.load().RequestCompleted(o, d)
}
func (a *AtomicRelayObserver) BytesStreamed(n int) { a.load().BytesStreamed(n) }
