// Package htmlview renders the viewer-facing HTML surface: directory
// listings, the password login page, the auth rate-limit page and the
// relay's error pages. Templates are parsed once at package init.
package htmlview

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"path"
	"strings"

	"github.com/fwdcast/fwdcast/share"
)

const pageStyle = `
    body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background: #f5f5f5; margin: 0; padding: 40px 20px; }
    .container { max-width: 720px; margin: 0 auto; background: white; padding: 32px; border-radius: 8px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); }
    h1 { margin-top: 0; font-size: 22px; }
    a { color: #007acc; text-decoration: none; }
    a:hover { text-decoration: underline; }
    .hint { color: #666; font-size: 14px; margin-top: 20px; }
    table { width: 100%; border-collapse: collapse; }
    td, th { text-align: left; padding: 6px 8px; border-bottom: 1px solid #eee; }
    .size { color: #888; white-space: nowrap; }
    .error { background: rgba(231,76,60,0.1); border: 1px solid #e74c3c; color: #c0392b; padding: 10px 16px; border-radius: 4px; margin-bottom: 16px; font-size: 14px; }
    input[type="password"] { width: 100%; box-sizing: border-box; padding: 10px; border: 1px solid #ccc; border-radius: 4px; font-size: 16px; margin-bottom: 16px; }
    button { padding: 10px 20px; background: #007acc; color: white; border: none; border-radius: 4px; font-size: 16px; cursor: pointer; }
    .countdown { font-size: 32px; font-weight: bold; }
`

var (
	listingTmpl = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>{{.Title}} - fwdcast</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <style>` + pageStyle + `</style>
</head>
<body>
  <div class="container">
    <h1>{{.Title}}</h1>
    <p><a href="{{.ZipHref}}">Download all as ZIP</a></p>
    <table>
      <tr><th>Name</th><th class="size">Size</th></tr>
      {{if .ParentHref}}<tr><td><a href="{{.ParentHref}}">../</a></td><td class="size"></td></tr>{{end}}
      {{range .Rows}}<tr><td><a href="{{.Href}}">{{.Label}}</a></td><td class="size">{{.Size}}</td></tr>
      {{end}}
    </table>
    <p class="hint">Shared ephemerally via fwdcast. This session will expire.</p>
  </div>
</body>
</html>`))

	loginTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>Password Required - fwdcast</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <style>` + pageStyle + `</style>
</head>
<body>
  <div class="container">
    <h1>&#128274; Password Required</h1>
    <p class="hint">This share is password protected.</p>
    {{if .ShowError}}<div class="error">Incorrect password. Please try again.</div>{{end}}
    <form method="POST" action="{{.Action}}">
      <input type="password" name="password" placeholder="Enter password" autofocus required>
      <button type="submit">Access Files</button>
    </form>
  </div>
</body>
</html>`))

	rateLimitTmpl = template.Must(template.New("ratelimit").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>Too Many Attempts - fwdcast</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <meta http-equiv="refresh" content="{{.Seconds}};url={{.Action}}">
  <style>` + pageStyle + `</style>
</head>
<body>
  <div class="container">
    <h1>&#9203; Too Many Attempts</h1>
    <p class="hint">Please wait before trying again.</p>
    <p class="countdown">{{.Seconds}}</p>
    <p class="hint">seconds remaining</p>
  </div>
</body>
</html>`))

	errorTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>{{.Status}} {{.Title}} - fwdcast</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <style>` + pageStyle + `</style>
</head>
<body>
  <div class="container">
    <h1>{{.Status}} {{.Title}}</h1>
    <p>{{.Message}}</p>
    {{if .Hint}}<p class="hint">{{.Hint}}</p>{{end}}
  </div>
</body>
</html>`))
)

type listingRow struct {
	Href  string
	Label string
	Size  string
}

// RenderDirectory renders the listing of entries at rel for a session. All
// generated links are absolute under /{sessionID}/ so they resolve through
// the relay regardless of the page's own URL.
func RenderDirectory(entries []share.Entry, rel, sessionID string) []byte {
	rel = strings.Trim(path.Clean("/"+rel), "/")
	base := "/" + sessionID + "/"

	title := "/"
	parent := ""
	zipHref := base + "__download__.zip"
	if rel != "" && rel != "." {
		title = "/" + rel
		parentRel := path.Dir(rel)
		if parentRel == "." {
			parent = base
		} else {
			parent = base + escapePath(parentRel) + "/"
		}
		zipHref = base + escapePath(rel) + "/__download__.zip"
	}

	rows := make([]listingRow, 0, len(entries))
	for _, e := range entries {
		href := base + escapePath(e.RelPath)
		label := e.Name
		size := formatSize(e.Size)
		if e.IsDir {
			href += "/"
			label += "/"
			size = ""
		}
		rows = append(rows, listingRow{Href: href, Label: label, Size: size})
	}

	var buf bytes.Buffer
	_ = listingTmpl.Execute(&buf, struct {
		Title      string
		ParentHref string
		ZipHref    string
		Rows       []listingRow
	}{title, parent, zipHref, rows})
	return buf.Bytes()
}

// LoginPage renders the password form posting back to the auth path.
func LoginPage(sessionID, redirect string, showError bool) []byte {
	var buf bytes.Buffer
	_ = loginTmpl.Execute(&buf, struct {
		Action    string
		ShowError bool
	}{authAction(sessionID, redirect), showError})
	return buf.Bytes()
}

// RateLimitPage renders the countdown shown after too many failed attempts.
func RateLimitPage(sessionID, redirect string, seconds int) []byte {
	var buf bytes.Buffer
	_ = rateLimitTmpl.Execute(&buf, struct {
		Action  string
		Seconds int
	}{authAction(sessionID, redirect), seconds})
	return buf.Bytes()
}

// ErrorPage renders a relay error page.
func ErrorPage(status int, title, message, hint string) []byte {
	var buf bytes.Buffer
	_ = errorTmpl.Execute(&buf, struct {
		Status              int
		Title, Message, Hint string
	}{status, title, message, hint})
	return buf.Bytes()
}

func authAction(sessionID, redirect string) string {
	return fmt.Sprintf("/%s/__auth__?redirect=%s", sessionID, url.QueryEscape(redirect))
}

func escapePath(rel string) string {
	parts := strings.Split(rel, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
