// Package archive streams ZIP archives of a share subtree without buffering
// whole files in memory.
package archive

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/fwdcast/fwdcast/share"
)

// WriteZip walks the subtree at rel inside dir and writes a deflated ZIP of
// every regular file to w. Exclude patterns of the share apply. Entry names
// are forward-slash paths relative to rel.
func WriteZip(w io.Writer, dir *share.Dir, rel string) error {
	base, err := dir.Resolve(rel)
	if err != nil {
		return err
	}
	fi, err := os.Stat(base)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s: not a directory", rel)
	}

	zw := zip.NewWriter(w)
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relToBase, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(relToBase)
		if name == "." {
			return nil
		}
		relToRoot := name
		if cleaned := strings.Trim(rel, "/"); cleaned != "" {
			relToRoot = cleaned + "/" + name
		}
		if dir.Excluded(relToRoot) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		hdr.Method = zip.Deflate
		dst, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
