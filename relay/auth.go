package relay

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/fwdcast/fwdcast/htmlview"
	"github.com/fwdcast/fwdcast/observability"
)

// authCookiePrefix namespaces the viewer auth cookie per session.
const authCookiePrefix = "fwdcast_auth_"

// viewerAuthorized checks the session cookie against the per-session
// token minted at registration. The password itself never reaches the
// viewer's cookie jar.
func (srv *Server) viewerAuthorized(r *http.Request, s *Session) bool {
	c, err := r.Cookie(authCookiePrefix + s.ID)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(s.AuthToken)) == 1
}

// sanitizeRedirect confines the post-login redirect to the session's own
// URL space.
func sanitizeRedirect(redirect, sid string) string {
	fallback := "/" + sid + "/"
	if redirect == "" || !strings.HasPrefix(redirect, "/"+sid) {
		return fallback
	}
	if strings.Contains(redirect, "://") || strings.HasPrefix(redirect, "//") {
		return fallback
	}
	return redirect
}

// handleAuthPage serves the password prompt.
func (srv *Server) handleAuthPage(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "session")
	sess := srv.store.Get(sid)
	if sess == nil {
		srv.writeNotFound(w)
		return
	}
	redirect := sanitizeRedirect(r.URL.Query().Get("redirect"), sid)
	if len(sess.PasswordHash) == 0 || srv.viewerAuthorized(r, sess) {
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}
	srv.writeHTML(w, http.StatusOK, htmlview.LoginPage(sid, redirect, false))
}

// handleAuthSubmit verifies a password attempt, with a per-session
// failure budget that locks the prompt for a cooldown window.
func (srv *Server) handleAuthSubmit(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "session")
	sess := srv.store.Get(sid)
	if sess == nil {
		srv.writeNotFound(w)
		return
	}
	redirect := sanitizeRedirect(r.URL.Query().Get("redirect"), sid)
	if len(sess.PasswordHash) == 0 {
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}

	sess.mu.Lock()
	if sess.failedAuth >= srv.cfg.AuthFailureLimit {
		elapsed := time.Since(sess.lastAttempt)
		if elapsed < srv.cfg.AuthCooldown {
			remaining := int((srv.cfg.AuthCooldown - elapsed + time.Second - 1) / time.Second)
			sess.mu.Unlock()
			srv.obs.ViewerRejected(observability.RejectReasonRateLimit)
			srv.writeHTML(w, http.StatusTooManyRequests, htmlview.RateLimitPage(sid, redirect, remaining))
			return
		}
		sess.failedAuth = 0
	}
	sess.lastAttempt = time.Now()
	sess.mu.Unlock()

	if err := r.ParseForm(); err != nil {
		srv.writeHTML(w, http.StatusOK, htmlview.LoginPage(sid, redirect, true))
		return
	}
	password := r.PostFormValue("password")

	if bcrypt.CompareHashAndPassword(sess.PasswordHash, []byte(password)) != nil {
		sess.mu.Lock()
		sess.failedAuth++
		failures := sess.failedAuth
		sess.mu.Unlock()
		srv.log.Info().Str("session_id", sid).Int("failures", failures).Msg("password rejected")
		srv.writeHTML(w, http.StatusOK, htmlview.LoginPage(sid, redirect, true))
		return
	}

	sess.mu.Lock()
	sess.failedAuth = 0
	sess.mu.Unlock()

	// Secure by default, regardless of r.TLS: the relay usually sits
	// behind a TLS-terminating proxy, where r.TLS is nil on a
	// perfectly encrypted request.
	http.SetCookie(w, &http.Cookie{
		Name:     authCookiePrefix + sid,
		Value:    sess.AuthToken,
		Path:     "/" + sid,
		MaxAge:   srv.cfg.AuthCookieMaxAge,
		HttpOnly: true,
		Secure:   !srv.cfg.InsecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, redirect, http.StatusFound)
}
