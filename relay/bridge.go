package relay

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fwdcast/fwdcast/htmlview"
	"github.com/fwdcast/fwdcast/internal/hexid"
	"github.com/fwdcast/fwdcast/observability"
	"github.com/fwdcast/fwdcast/wire"
)

// retryAfterSeconds is advertised to viewers bounced off a full session.
const retryAfterSeconds = 30

// handleViewer bridges one viewer HTTP request onto the origin channel
// and blocks until the response completes, times out, or the viewer
// goes away.
func (srv *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "session")
	resource := "/" + chi.URLParam(r, "*")

	sess := srv.store.Get(sid)
	if sess == nil {
		srv.obs.ViewerRejected(observability.RejectReasonNotFound)
		srv.writeNotFound(w)
		return
	}

	if len(sess.PasswordHash) > 0 && !srv.viewerAuthorized(r, sess) {
		http.Redirect(w, r, "/"+sid+"/__auth__?redirect="+url.QueryEscape(r.URL.Path), http.StatusFound)
		return
	}

	if err := srv.store.IncrementViewers(sid); err != nil {
		if errors.Is(err, ErrMaxViewersReached) {
			srv.obs.ViewerRejected(observability.RejectReasonMaxViewers)
			srv.writeUnavailable(w)
			return
		}
		srv.obs.ViewerRejected(observability.RejectReasonNotFound)
		srv.writeNotFound(w)
		return
	}
	defer srv.store.DecrementViewers(sid)
	srv.obs.ViewerAdmitted()

	reqID, err := hexid.New(hexid.RequestBytes)
	if err != nil {
		srv.log.Error().Err(err).Msg("mint request id failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	p := NewPendingRequest(reqID, w)
	if err := srv.store.AddPending(sid, p); err != nil {
		srv.writeNotFound(w)
		return
	}
	defer srv.store.RemovePending(sid, reqID)
	// The ResponseWriter dies with this handler; withdraw it from the
	// session read loop before unwinding.
	defer p.Release()

	start := time.Now()
	if err := sess.WriteFrame(wire.NewRequest(reqID, r.Method, resource)); err != nil {
		srv.log.Warn().
			Str("session_id", sid).
			Str("request_id", reqID).
			Err(err).
			Msg("request dispatch failed")
		srv.obs.RequestCompleted(observability.RequestOutcomeWriteError, time.Since(start))
		srv.writeGatewayTimeout(w)
		return
	}

	timer := time.NewTimer(srv.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-p.Done():
		if !p.Started() {
			// Freed by session teardown before any response frame.
			p.Release()
			srv.obs.RequestCompleted(observability.RequestOutcomeAborted, time.Since(start))
			srv.writeGatewayTimeout(w)
			return
		}
		srv.obs.RequestCompleted(observability.RequestOutcomeOK, time.Since(start))
	case <-timer.C:
		srv.log.Warn().
			Str("session_id", sid).
			Str("request_id", reqID).
			Dur("elapsed", time.Since(start)).
			Msg("origin response timed out")
		srv.obs.RequestCompleted(observability.RequestOutcomeTimeout, time.Since(start))
		// Withdraw the writer before touching it ourselves; a response
		// frame racing the timer loses cleanly either way.
		p.Release()
		if !p.Started() {
			srv.writeGatewayTimeout(w)
		}
	case <-r.Context().Done():
		srv.obs.RequestCompleted(observability.RequestOutcomeAborted, time.Since(start))
	}
}

func (srv *Server) writeHTML(w http.ResponseWriter, status int, body []byte) {
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (srv *Server) writeNotFound(w http.ResponseWriter) {
	srv.writeHTML(w, http.StatusNotFound, htmlview.ErrorPage(
		http.StatusNotFound,
		"Not Found",
		"Session not found or expired",
		"Shared sessions are ephemeral and disappear when their time is up.",
	))
}

func (srv *Server) writeUnavailable(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	srv.writeHTML(w, http.StatusServiceUnavailable, htmlview.ErrorPage(
		http.StatusServiceUnavailable,
		"Too Many Viewers",
		"This share has reached its viewer limit",
		"Try again in a moment; a slot frees up when another viewer finishes.",
	))
}

func (srv *Server) writeGatewayTimeout(w http.ResponseWriter) {
	srv.writeHTML(w, http.StatusGatewayTimeout, htmlview.ErrorPage(
		http.StatusGatewayTimeout,
		"Origin Timeout",
		"The origin did not answer in time",
		"The sharing machine may be offline or overloaded.",
	))
}
