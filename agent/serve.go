package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/fwdcast/fwdcast/archive"
	"github.com/fwdcast/fwdcast/htmlview"
	"github.com/fwdcast/fwdcast/share"
	"github.com/fwdcast/fwdcast/wire"
)

// downloadName triggers a streamed ZIP of the directory it is requested
// under.
const downloadName = "__download__.zip"

// authName is owned by the relay and never resolves to a shared file.
const authName = "__auth__"

// handleRequest serves one bridged viewer request end to end. Every
// outcome, including failures, produces a response and end frame so the
// viewer side never waits for the full timeout.
func (a *Agent) handleRequest(ctx context.Context, req *wire.Request) {
	a.requests.Add(1)
	// Snapshot at return time, after the byte counters moved.
	defer func() { a.obs.Stats(a.snapshot()) }()

	rel, err := normalizePath(req.Path)
	if err != nil {
		if errors.Is(err, share.ErrOutsideRoot) {
			a.log.Warn().Str("request_id", req.ID).Str("path", req.Path).Msg("path escape attempt")
			a.sendErrorPage(ctx, req, http.StatusForbidden, "Forbidden", "That path is outside the shared directory", "")
			return
		}
		a.sendErrorPage(ctx, req, http.StatusBadRequest, "Bad Request", "The requested path could not be decoded", "")
		return
	}

	base := path.Base(rel)
	if base == authName {
		a.sendErrorPage(ctx, req, http.StatusNotFound, "Not Found", "No such file in this share", "")
		return
	}
	if base == downloadName {
		a.serveZip(ctx, req, path.Dir(rel))
		return
	}

	abs, err := a.cfg.Dir.Resolve(rel)
	if err != nil {
		if errors.Is(err, share.ErrOutsideRoot) {
			a.log.Warn().Str("request_id", req.ID).Str("path", req.Path).Msg("path escape attempt")
			a.sendErrorPage(ctx, req, http.StatusForbidden, "Forbidden", "That path is outside the shared directory", "")
			return
		}
		a.sendErrorPage(ctx, req, http.StatusNotFound, "Not Found", "No such file in this share", "")
		return
	}
	if rel != "" && a.cfg.Dir.Excluded(rel) {
		a.sendErrorPage(ctx, req, http.StatusNotFound, "Not Found", "No such file in this share", "")
		return
	}

	info, err := os.Stat(abs)
	if err != nil {
		a.sendErrorPage(ctx, req, http.StatusNotFound, "Not Found", "No such file in this share", "")
		return
	}

	if info.IsDir() {
		a.serveListing(ctx, req, rel)
		return
	}
	a.serveFile(ctx, req, abs, info.Size())
}

// normalizePath decodes the wire path into a clean share-relative path.
// Dot-dot segments are refused outright rather than cleaned away, so an
// escape attempt is visible as such instead of silently resolving.
func normalizePath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", errors.New("path must be absolute")
	}
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return "", err
	}
	for _, seg := range strings.Split(decoded, "/") {
		if seg == ".." {
			return "", share.ErrOutsideRoot
		}
	}
	return strings.Trim(path.Clean("/"+decoded), "/"), nil
}

func (a *Agent) serveListing(ctx context.Context, req *wire.Request, rel string) {
	entries, err := a.cfg.Dir.List(rel)
	if err != nil {
		a.sendErrorPage(ctx, req, http.StatusInternalServerError, "Error", "The directory could not be read", "")
		return
	}
	body := htmlview.RenderDirectory(entries, rel, a.sessionID)
	headers := map[string]string{
		"Content-Type":   "text/html; charset=utf-8",
		"Content-Length": strconv.Itoa(len(body)),
	}
	if err := a.sendResponse(ctx, req.ID, http.StatusOK, headers); err != nil {
		return
	}
	if req.Method != http.MethodHead {
		a.sendBody(ctx, req.ID, body)
	}
	_ = a.sendEnd(ctx, req.ID)
}

func (a *Agent) serveFile(ctx context.Context, req *wire.Request, abs string, size int64) {
	if a.cfg.MaxFileBytes > 0 && size > a.cfg.MaxFileBytes {
		a.sendErrorPage(ctx, req, http.StatusForbidden, "Forbidden", "This file exceeds the share's size limit", "")
		return
	}
	headers := map[string]string{
		"Content-Type":   share.ContentType(abs),
		"Content-Length": strconv.FormatInt(size, 10),
	}
	if req.Method == http.MethodHead {
		if err := a.sendResponse(ctx, req.ID, http.StatusOK, headers); err != nil {
			return
		}
		_ = a.sendEnd(ctx, req.ID)
		return
	}

	f, err := os.Open(abs)
	if err != nil {
		a.sendErrorPage(ctx, req, http.StatusInternalServerError, "Error", "The file could not be opened", "")
		return
	}
	defer f.Close()

	if err := a.sendResponse(ctx, req.ID, http.StatusOK, headers); err != nil {
		return
	}

	buf := make([]byte, a.cfg.ChunkBytes)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if err := a.sendData(ctx, req.ID, buf[:n]); err != nil {
				return
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// Headers are already on the wire; ending the stream short
			// is the only honest signal left.
			a.log.Warn().Str("request_id", req.ID).Err(rerr).Msg("file read failed mid-stream")
			break
		}
	}
	_ = a.sendEnd(ctx, req.ID)
}

// serveZip streams a ZIP archive of the subtree at rel.
func (a *Agent) serveZip(ctx context.Context, req *wire.Request, rel string) {
	if rel == "." {
		rel = ""
	}
	abs, err := a.cfg.Dir.Resolve(rel)
	if err != nil {
		a.sendErrorPage(ctx, req, http.StatusNotFound, "Not Found", "No such directory in this share", "")
		return
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		a.sendErrorPage(ctx, req, http.StatusNotFound, "Not Found", "No such directory in this share", "")
		return
	}

	name := path.Base(rel)
	if name == "" || name == "." {
		name = "share"
	}
	headers := map[string]string{
		"Content-Type":        "application/zip",
		"Content-Disposition": `attachment; filename="` + name + `.zip"`,
	}
	if err := a.sendResponse(ctx, req.ID, http.StatusOK, headers); err != nil {
		return
	}
	if req.Method == http.MethodHead {
		_ = a.sendEnd(ctx, req.ID)
		return
	}

	cw := &chunkWriter{a: a, ctx: ctx, id: req.ID, buf: make([]byte, 0, a.cfg.ChunkBytes)}
	if err := archive.WriteZip(cw, a.cfg.Dir, rel); err != nil {
		a.log.Warn().Str("request_id", req.ID).Err(err).Msg("zip stream failed mid-archive")
	}
	_ = cw.Flush()
	_ = a.sendEnd(ctx, req.ID)
}

// chunkWriter batches archive output into data frames.
type chunkWriter struct {
	a   *Agent
	ctx context.Context
	id  string
	buf []byte
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		room := cap(w.buf) - len(w.buf)
		if room == 0 {
			if err := w.Flush(); err != nil {
				return total - len(p), err
			}
			room = cap(w.buf)
		}
		if room > len(p) {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
		p = p[room:]
	}
	return total, nil
}

func (w *chunkWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	err := w.a.sendData(w.ctx, w.id, w.buf)
	w.buf = w.buf[:0]
	return err
}

// sendBody splits a prebuilt body into chunk-sized data frames.
func (a *Agent) sendBody(ctx context.Context, id string, body []byte) {
	for len(body) > 0 {
		n := a.cfg.ChunkBytes
		if n > len(body) {
			n = len(body)
		}
		if err := a.sendData(ctx, id, body[:n]); err != nil {
			return
		}
		body = body[n:]
	}
}

func (a *Agent) sendErrorPage(ctx context.Context, req *wire.Request, status int, title, message, hint string) {
	body := htmlview.ErrorPage(status, title, message, hint)
	headers := map[string]string{
		"Content-Type":   "text/html; charset=utf-8",
		"Content-Length": strconv.Itoa(len(body)),
	}
	if err := a.sendResponse(ctx, req.ID, status, headers); err != nil {
		return
	}
	if req.Method != http.MethodHead {
		a.sendBody(ctx, req.ID, body)
	}
	_ = a.sendEnd(ctx, req.ID)
}

func (a *Agent) sendResponse(ctx context.Context, id string, status int, headers map[string]string) error {
	if headers == nil {
		headers = map[string]string{}
	}
	return a.writeFrame(ctx, wire.NewResponse(id, status, headers))
}

func (a *Agent) sendData(ctx context.Context, id string, chunk []byte) error {
	if err := a.writeFrame(ctx, wire.NewData(id, base64.StdEncoding.EncodeToString(chunk))); err != nil {
		return err
	}
	a.bytesSent.Add(int64(len(chunk)))
	return nil
}

func (a *Agent) sendEnd(ctx context.Context, id string) error {
	return a.writeFrame(ctx, wire.NewEnd(id))
}
