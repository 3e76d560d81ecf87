// Package tarball verifies an npm tarball's integrity and extracts it into
// a target directory, matching npm's own extraction semantics (all entries
// nested under a single ignored top-level "package/" directory).
package tarball

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/a-h/npmcore/model"
	"github.com/a-h/npmcore/npmerr"
	"github.com/a-h/npmcore/sri"
)

// VerifyAndExtract verifies data against the npm-style integrity string
// (algo-base64digest, sha512 only) for id, then gunzips and untars it into
// targetDir. Extraction is NOT atomic on its own: callers that need
// atomicity (the package cache) extract to a temporary sibling and rename
// it into place.
func VerifyAndExtract(id model.PackageId, data []byte, integrity string, targetDir string) error {
	if err := Verify(id, data, integrity); err != nil {
		return err
	}
	return Extract(data, targetDir)
}

// Verify checks data's digest against the npm-style integrity string. Only
// sha512 is accepted; any other algorithm, or a string with no "-"
// separator, is rejected.
func Verify(id model.PackageId, data []byte, integrity string) error {
	parsed, err := sri.Parse(integrity)
	if err != nil {
		return err
	}
	actual, ok := parsed.Matches(data)
	if !ok {
		return &npmerr.ChecksumMismatch{
			Package:  id.String(),
			Expected: strings.ToLower(parsed.Digest),
			Actual:   strings.ToLower(actual),
		}
	}
	return nil
}

// Extract gunzips and untars data into targetDir. Every entry's path has its
// first path segment stripped (npm tarballs nest all content under a single
// top-level "package/" directory, which is ignored per npm's own extraction
// semantics).
func Extract(data []byte, targetDir string) error {
	gz, err := gzip.NewReader(strings.NewReader(string(data)))
	if err != nil {
		return &npmerr.TarballIOError{Op: "gunzip", Err: err}
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &npmerr.TarballIOError{Op: "untar", Err: err}
		}

		relPath := stripFirstSegment(hdr.Name)
		if relPath == "" {
			continue
		}
		destPath := filepath.Join(targetDir, filepath.FromSlash(relPath))
		if !strings.HasPrefix(destPath, filepath.Clean(targetDir)+string(os.PathSeparator)) {
			return &npmerr.TarballIOError{Op: "untar", Err: fmt.Errorf("tarball entry %q escapes target directory", hdr.Name)}
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return &npmerr.TarballIOError{Op: "untar", Err: err}
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
				return &npmerr.TarballIOError{Op: "untar", Err: err}
			}
			if err := writeFile(destPath, tr, fs.FileMode(hdr.Mode)); err != nil {
				return &npmerr.TarballIOError{Op: "untar", Err: err}
			}
		default:
			// Symlinks and other special entries are not part of npm's
			// published tarball contract; skip them rather than fail the
			// whole extraction.
		}
	}
}

func writeFile(path string, r io.Reader, mode fs.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func stripFirstSegment(name string) string {
	name = strings.TrimPrefix(filepath.ToSlash(name), "/")
	idx := strings.Index(name, "/")
	if idx == -1 {
		return ""
	}
	return name[idx+1:]
}
