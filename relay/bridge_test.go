package relay

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/fwdcast/fwdcast/wire"
)

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RequestTimeout = 200 * time.Millisecond
	cfg.SweepInterval = time.Hour
	logger := zerolog.Nop()
	cfg.Logger = &logger
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg)
	t.Cleanup(srv.Close)
	return srv
}

func addSession(t *testing.T, srv *Server, ch Channel, passwordHash []byte) *Session {
	t.Helper()
	s, err := srv.store.Create(ch, time.Now().Add(time.Minute), passwordHash)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func TestViewerUnknownSession(t *testing.T) {
	srv := newTestServer(t, nil)
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/abcdefabcdef/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Session not found or expired") {
		t.Fatalf("unexpected body:\n%s", rec.Body.String())
	}
}

func TestViewerTimeout(t *testing.T) {
	srv := newTestServer(t, nil)
	router := srv.Router()
	ch := newFakeChannel()
	s := addSession(t, srv, ch, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+s.ID+"/hello.txt", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}

	req, ok := ch.nextFrame(t).(*wire.Request)
	if !ok {
		t.Fatal("no request frame dispatched to origin")
	}
	if req.Method != http.MethodGet || req.Path != "/hello.txt" {
		t.Fatalf("dispatched %s %s", req.Method, req.Path)
	}
}

func TestViewerRoundTrip(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) { cfg.RequestTimeout = 2 * time.Second })
	router := srv.Router()
	ch := newFakeChannel()
	s := addSession(t, srv, ch, nil)
	go srv.readLoop(s)

	rec := httptest.NewRecorder()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+s.ID+"/hello.txt", nil))
	}()

	req, ok := ch.nextFrame(t).(*wire.Request)
	if !ok {
		t.Fatal("no request frame dispatched to origin")
	}
	ch.push(t, wire.NewResponse(req.ID, http.StatusOK, map[string]string{
		"Content-Type": "text/plain; charset=utf-8",
		"X-Probe":      "yes",
	}))
	ch.push(t, wire.NewData(req.ID, base64.StdEncoding.EncodeToString([]byte("Hello, "))))
	ch.push(t, wire.NewData(req.ID, "")) // empty chunk is legal
	ch.push(t, wire.NewData(req.ID, base64.StdEncoding.EncodeToString([]byte("fwdcast!"))))
	ch.push(t, wire.NewEnd(req.ID))
	wg.Wait()

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-Probe"); got != "yes" {
		t.Fatalf("X-Probe = %q", got)
	}
	if got := rec.Body.String(); got != "Hello, fwdcast!" {
		t.Fatalf("body = %q", got)
	}
	if n := s.ViewerCount(); n != 0 {
		t.Fatalf("viewer slot not released, count = %d", n)
	}
}

func TestLateFramesAfterViewerGone(t *testing.T) {
	srv := newTestServer(t, nil)
	ch := newFakeChannel()
	s := addSession(t, srv, ch, nil)
	go srv.readLoop(s)

	rec := httptest.NewRecorder()
	p := NewPendingRequest("feedbeef", rec)
	if err := srv.store.AddPending(s.ID, p); err != nil {
		t.Fatalf("add pending: %v", err)
	}
	// The viewer handler has unwound; the recorder is off limits now.
	p.Release()
	if p.UseWriter(func(http.ResponseWriter) {}) {
		t.Fatal("UseWriter ran after Release")
	}

	ch.push(t, wire.NewResponse("feedbeef", http.StatusOK, map[string]string{"X-Late": "yes"}))
	ch.push(t, wire.NewData("feedbeef", base64.StdEncoding.EncodeToString([]byte("late body"))))
	ch.push(t, wire.NewEnd("feedbeef"))

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("end frame never finished the request")
	}
	if p.Started() {
		t.Fatal("request marked started after the writer was withdrawn")
	}
	if rec.Body.Len() != 0 || rec.Header().Get("X-Late") != "" {
		t.Fatalf("late frames reached the recorder: header %q body %q",
			rec.Header().Get("X-Late"), rec.Body.String())
	}
}

func TestViewerCap(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) {
		cfg.MaxViewers = 1
		cfg.RequestTimeout = time.Second
	})
	router := srv.Router()
	ch := newFakeChannel()
	s := addSession(t, srv, ch, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/"+s.ID+"/", nil))
	}()
	// The first viewer holds its slot once its request frame is out.
	if _, ok := ch.nextFrame(t).(*wire.Request); !ok {
		t.Fatal("first viewer never dispatched")
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+s.ID+"/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Fatalf("Retry-After = %q, want 30", got)
	}
	wg.Wait()
}

func TestSanitizeRedirect(t *testing.T) {
	sid := "a1b2c3d4e5f6"
	cases := []struct {
		in, want string
	}{
		{"", "/" + sid + "/"},
		{"/" + sid + "/docs/readme.md", "/" + sid + "/docs/readme.md"},
		{"/other-session/", "/" + sid + "/"},
		{"https://evil.example/", "/" + sid + "/"},
		{"//evil.example/", "/" + sid + "/"},
	}
	for _, tc := range cases {
		if got := sanitizeRedirect(tc.in, sid); got != tc.want {
			t.Errorf("sanitizeRedirect(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAuthRedirectAndLogin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	srv := newTestServer(t, nil)
	router := srv.Router()
	s := addSession(t, srv, newFakeChannel(), hash)

	// Unauthenticated viewers bounce to the login page.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+s.ID+"/file.txt", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "/"+s.ID+"/__auth__?redirect=") {
		t.Fatalf("Location = %q", loc)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, loc, nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "password") {
		t.Fatalf("login page: status %d body:\n%s", rec.Code, rec.Body.String())
	}

	// Correct password sets the session cookie and redirects back.
	rec = postPassword(router, s.ID, "/"+s.ID+"/file.txt", "s3cret")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	cookie := findCookie(rec.Result().Cookies(), "fwdcast_auth_"+s.ID)
	if cookie == nil {
		t.Fatal("auth cookie not set")
	}
	if cookie.Value != s.AuthToken {
		t.Fatal("cookie does not carry the session token")
	}
	if cookie.Value == "s3cret" {
		t.Fatal("cookie must not echo the password")
	}
	if !cookie.Secure || !cookie.HttpOnly {
		t.Fatalf("cookie flags: secure=%v httponly=%v, want both", cookie.Secure, cookie.HttpOnly)
	}

	// The cookie admits the viewer past the password gate.
	req := httptest.NewRequest(http.MethodGet, "/"+s.ID+"/file.txt", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code == http.StatusFound {
		t.Fatal("authenticated viewer still redirected to login")
	}
}

func TestAuthFailureLockout(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	srv := newTestServer(t, nil)
	router := srv.Router()
	s := addSession(t, srv, newFakeChannel(), hash)

	for i := 0; i < 5; i++ {
		rec := postPassword(router, s.ID, "", "wrong")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Incorrect password") {
			t.Fatalf("attempt %d: status %d", i, rec.Code)
		}
	}
	// Budget exhausted. Even the right password is refused now.
	rec := postPassword(router, s.ID, "", "s3cret")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func postPassword(router http.Handler, sid, redirect, password string) *httptest.ResponseRecorder {
	target := "/" + sid + "/__auth__"
	if redirect != "" {
		target += "?redirect=" + url.QueryEscape(redirect)
	}
	form := url.Values{"password": {password}}
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}
