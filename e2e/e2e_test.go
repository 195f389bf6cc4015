// Package e2e exercises a real relay and a real agent over loopback
// websockets, end to end.
package e2e

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"github.com/fwdcast/fwdcast/agent"
	"github.com/fwdcast/fwdcast/relay"
	"github.com/fwdcast/fwdcast/share"
)

type harness struct {
	baseURL  string
	shareURL string
	root     string
}

type urlObserver struct {
	agent.Observer
	urls chan string
}

func (o *urlObserver) URL(_, url string) { o.urls <- url }

// startShare boots a relay on loopback, points an agent at it, and
// returns once the share URL is known.
func startShare(t *testing.T, password string, binary []byte) *harness {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	logger := zerolog.Nop()
	cfg := relay.DefaultConfig()
	cfg.Host = addr
	cfg.RequestTimeout = 5 * time.Second
	cfg.InsecureCookies = true // loopback http; the jar drops Secure cookies otherwise
	cfg.Logger = &logger
	rs := relay.New(cfg)
	t.Cleanup(rs.Close)

	hs := &http.Server{Handler: rs.Router()}
	go func() { _ = hs.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	})

	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "hello.txt"), []byte("Hello, fwdcast!"))
	mustWrite(t, filepath.Join(root, "docs", "readme.md"), []byte("# readme"))
	if binary != nil {
		mustWrite(t, filepath.Join(root, "blob.bin"), binary)
	}
	dir, err := share.Open(root, nil)
	if err != nil {
		t.Fatal(err)
	}

	obs := &urlObserver{Observer: agent.NoopObserver, urls: make(chan string, 1)}
	a, err := agent.New(agent.Config{
		RelayURL: "ws://" + addr + "/ws",
		Dir:      dir,
		Duration: 2 * time.Minute,
		Password: password,
		Observer: obs,
		Logger:   &logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("agent did not stop")
		}
	})

	select {
	case shareURL := <-obs.urls:
		return &harness{baseURL: "http://" + addr, shareURL: shareURL, root: root}
	case <-time.After(3 * time.Second):
		t.Fatal("share never became active")
		return nil
	}
}

func mustWrite(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func get(t *testing.T, client *http.Client, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestTextRoundTrip(t *testing.T) {
	h := startShare(t, "", nil)
	resp, body := get(t, http.DefaultClient, h.shareURL+"hello.txt")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(body) != "Hello, fwdcast!" {
		t.Fatalf("body = %q", body)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Fatalf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	blob := make([]byte, 256)
	for i := range blob {
		blob[i] = byte(i)
	}
	h := startShare(t, "", blob)
	resp, body := get(t, http.DefaultClient, h.shareURL+"blob.bin")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !bytes.Equal(body, blob) {
		t.Fatal("binary body corrupted in transit")
	}
}

func TestLargeBinaryRoundTrip(t *testing.T) {
	// Several data frames' worth; exercises chunk reassembly end to end.
	blob := make([]byte, 200_000)
	for i := range blob {
		blob[i] = byte(i*7 + i>>8)
	}
	h := startShare(t, "", blob)
	resp, body := get(t, http.DefaultClient, h.shareURL+"blob.bin")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !bytes.Equal(body, blob) {
		t.Fatal("large body corrupted in transit")
	}
}

func TestHead(t *testing.T) {
	h := startShare(t, "", nil)
	resp, err := http.Head(h.shareURL + "hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Length") != "15" {
		t.Fatalf("Content-Length = %q", resp.Header.Get("Content-Length"))
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Fatalf("HEAD returned %d body bytes", len(body))
	}
}

func TestDirectoryListing(t *testing.T) {
	h := startShare(t, "", nil)
	resp, body := get(t, http.DefaultClient, h.shareURL)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, want := range []string{"hello.txt", "docs", "__download__.zip"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("listing missing %q", want)
		}
	}
}

func TestUnknownSession(t *testing.T) {
	h := startShare(t, "", nil)
	resp, body := get(t, http.DefaultClient, h.baseURL+"/ffffffffffff/")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if !strings.Contains(string(body), "Session not found or expired") {
		t.Fatalf("unexpected body:\n%s", body)
	}
}

func TestZipDownload(t *testing.T) {
	h := startShare(t, "", nil)
	resp, body := get(t, http.DefaultClient, h.shareURL+"__download__.zip")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("not a zip: %v", err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["hello.txt"] || !names["docs/readme.md"] {
		t.Fatalf("zip contents = %v", names)
	}
}

func TestPasswordGate(t *testing.T) {
	h := startShare(t, "s3cret", nil)

	// Without a cookie the viewer lands on the login page.
	resp, body := get(t, http.DefaultClient, h.shareURL+"hello.txt")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "password") {
		t.Fatalf("expected login page, got %d:\n%s", resp.StatusCode, body)
	}
	if strings.Contains(string(body), "Hello, fwdcast!") {
		t.Fatal("content leaked past the password gate")
	}

	// Logging in follows through to the requested file.
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Jar: jar}

	u, err := url.Parse(h.shareURL)
	if err != nil {
		t.Fatal(err)
	}
	authURL := h.shareURL + "__auth__?redirect=" + url.QueryEscape(u.Path+"hello.txt")
	resp, err = client.PostForm(authURL, url.Values{"password": {"s3cret"}})
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "Hello, fwdcast!" {
		t.Fatalf("post-login fetch: %d %q", resp.StatusCode, body)
	}

	// The cookie keeps working for further requests.
	resp, body = get(t, client, h.shareURL+"docs/readme.md")
	if resp.StatusCode != http.StatusOK || string(body) != "# readme" {
		t.Fatalf("cookie fetch: %d %q", resp.StatusCode, body)
	}
}

func TestWrongPasswordRejected(t *testing.T) {
	h := startShare(t, "s3cret", nil)
	resp, err := http.PostForm(h.shareURL+"__auth__", url.Values{"password": {"nope"}})
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "Incorrect password") {
		t.Fatalf("wrong password: %d\n%s", resp.StatusCode, body)
	}
}
