package archive

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/fwdcast/fwdcast/share"
)

func newShare(t *testing.T, excludes []string) *share.Dir {
	t.Helper()
	root := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("hello.txt", "Hello, fwdcast!")
	write("docs/readme.md", "# readme")
	write("docs/notes.tmp", "scratch")
	d, err := share.Open(root, excludes)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func readZip(t *testing.T, b []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		t.Fatalf("invalid zip: %v", err)
	}
	out := make(map[string]string, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		out[f.Name] = string(content)
	}
	return out
}

func TestWriteZipWholeShare(t *testing.T) {
	d := newShare(t, nil)
	var buf bytes.Buffer
	if err := WriteZip(&buf, d, ""); err != nil {
		t.Fatalf("WriteZip failed: %v", err)
	}
	got := readZip(t, buf.Bytes())
	if got["hello.txt"] != "Hello, fwdcast!" {
		t.Fatalf("hello.txt = %q", got["hello.txt"])
	}
	if got["docs/readme.md"] != "# readme" {
		t.Fatalf("docs/readme.md = %q", got["docs/readme.md"])
	}
}

func TestWriteZipSubtree(t *testing.T) {
	d := newShare(t, nil)
	var buf bytes.Buffer
	if err := WriteZip(&buf, d, "docs"); err != nil {
		t.Fatalf("WriteZip failed: %v", err)
	}
	got := readZip(t, buf.Bytes())
	if _, ok := got["readme.md"]; !ok {
		t.Fatalf("subtree entry missing, got %v", got)
	}
	if _, ok := got["hello.txt"]; ok {
		t.Fatal("file outside subtree included")
	}
}

func TestWriteZipAppliesExcludes(t *testing.T) {
	d := newShare(t, []string{"*.tmp"})
	var buf bytes.Buffer
	if err := WriteZip(&buf, d, ""); err != nil {
		t.Fatal(err)
	}
	got := readZip(t, buf.Bytes())
	if _, ok := got["docs/notes.tmp"]; ok {
		t.Fatal("excluded file present in archive")
	}
}

func TestWriteZipRejectsFileTarget(t *testing.T) {
	d := newShare(t, nil)
	var buf bytes.Buffer
	if err := WriteZip(&buf, d, "hello.txt"); err == nil {
		t.Fatal("expected error for non-directory target")
	}
}

func TestWriteZipRejectsEscape(t *testing.T) {
	d := newShare(t, nil)
	var buf bytes.Buffer
	if err := WriteZip(&buf, d, "../outside"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}
