package cache

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/a-h/npmcore/model"
)

func integrityOf(data []byte) string {
	sum := sha512.Sum512(data)
	return fmt.Sprintf("sha512-%s", base64.StdEncoding.EncodeToString(sum[:]))
}

func packTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: "package/" + name, Size: int64(len(content)), Mode: 0o644, Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write content: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func sha512Integrity(t *testing.T, data []byte) string {
	t.Helper()
	return integrityOf(data)
}

func TestEnsurePackageDownloadsAndExtracts(t *testing.T) {
	data := packTarball(t, map[string]string{"index.js": "module.exports = 1;\n"})
	integrity := sha512Integrity(t, data)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	root := t.TempDir()
	c := New(root)
	id := model.PackageId{Name: "chalk", Version: "5.1.0"}
	dist := model.DistInfo{TarballURL: srv.URL + "/chalk-5.1.0.tgz", Integrity: integrity}

	folder, err := c.EnsurePackage(context.Background(), id, dist)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(folder, "index.js")); err != nil {
		t.Fatalf("expected extracted index.js: %v", err)
	}

	wantFolder := filepath.Join(root, "chalk", "5.1.0", "package")
	if folder != wantFolder {
		t.Fatalf("folder = %q, want %q", folder, wantFolder)
	}

	// Idempotent: second call doesn't hit the server again (enforced by
	// closing it and re-checking no error occurs).
	srv.Close()
	folder2, err := c.EnsurePackage(context.Background(), id, dist)
	if err != nil {
		t.Fatalf("unexpected error on cached ensure: %v", err)
	}
	if folder2 != folder {
		t.Fatalf("expected stable folder across calls")
	}
}

func TestEnsurePackageCleansUpOnBadIntegrity(t *testing.T) {
	data := packTarball(t, map[string]string{"index.js": "module.exports = 1;\n"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	root := t.TempDir()
	c := New(root)
	id := model.PackageId{Name: "chalk", Version: "5.1.0"}
	dist := model.DistInfo{TarballURL: srv.URL + "/chalk-5.1.0.tgz", Integrity: "sha512-0000"}

	_, err := c.EnsurePackage(context.Background(), id, dist)
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}

	folder := filepath.Join(root, "chalk", "5.1.0", "package")
	if _, statErr := os.Stat(folder); statErr == nil {
		t.Fatal("expected package folder to be absent after failed verification")
	}
	entries, _ := os.ReadDir(filepath.Join(root, "chalk", "5.1.0"))
	for _, e := range entries {
		t.Fatalf("expected no leftover staging entries, found %q", e.Name())
	}
}

func TestGetPackageFromSpecifier(t *testing.T) {
	root := t.TempDir()
	c := New(root)

	path := filepath.Join(root, "chalk", "5.1.0", "package", "index.js")
	id, err := c.GetPackageFromSpecifier(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != (model.PackageId{Name: "chalk", Version: "5.1.0"}) {
		t.Fatalf("got %+v", id)
	}
}

func TestGetPackageFromSpecifierScoped(t *testing.T) {
	root := t.TempDir()
	c := New(root)

	path := filepath.Join(root, "@scope", "foo", "1.2.3", "package", "lib", "index.js")
	id, err := c.GetPackageFromSpecifier(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != (model.PackageId{Name: "@scope/foo", Version: "1.2.3"}) {
		t.Fatalf("got %+v", id)
	}
}
