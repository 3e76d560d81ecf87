// Package cache implements the content-addressed on-disk package store:
// mapping (name, version) to an extracted folder, downloading at most once
// per package, and extracting atomically via a temporary-sibling rename.
package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/a-h/npmcore/model"
	"github.com/a-h/npmcore/npmerr"
	"github.com/a-h/npmcore/storage"
	"github.com/a-h/npmcore/tarball"
)

// Cache is a content-addressed store of extracted npm packages rooted at a
// local directory. When Blobs is set, downloaded tarball bytes are also
// written through to that Storage before extraction, so a slower backing
// store (e.g. S3) can serve as a shared tarball cache across machines
// without being walked directly by the node resolver.
type Cache struct {
	root   string
	client *http.Client

	// Blobs optionally persists raw tarball bytes keyed by "<name>/<version>.tgz",
	// read on a cold local cache and written after every registry fetch.
	Blobs storage.Storage
}

// New creates a Cache rooted at root. root is not created here; EnsurePackage
// creates the directories it needs beneath it.
func New(root string) *Cache {
	return &Cache{
		root:   root,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

// NamePartsPath splits a package name into path segments: "@scope/foo"
// becomes "@scope/foo" as two directories, "foo" stays a single directory.
func NamePartsPath(name string) string {
	return filepath.FromSlash(name)
}

// PackageFolder returns the extracted package directory for id; it is a
// pure function of id and the cache root.
func (c *Cache) PackageFolder(id model.PackageId) string {
	return filepath.Join(c.root, NamePartsPath(id.Name), id.Version, "package")
}

// EnsurePackage returns id's extracted folder, downloading and extracting it
// first if necessary. Idempotent: if the folder already exists it is
// returned unchanged. Concurrent calls for distinct ids are safe; concurrent
// calls for the same id race harmlessly because extraction lands via
// temporary-sibling rename, so a losing caller simply observes the winner's
// folder once it appears.
func (c *Cache) EnsurePackage(ctx context.Context, id model.PackageId, dist model.DistInfo) (string, error) {
	folder := c.PackageFolder(id)
	if info, err := os.Stat(folder); err == nil && info.IsDir() {
		return folder, nil
	}

	data, err := c.fetchTarball(ctx, id, dist)
	if err != nil {
		return "", err
	}

	tmp := folder + ".tmp-" + randomSuffix()
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	if err := tarball.VerifyAndExtract(id, data, dist.Integrity, tmp); err != nil {
		if rmErr := os.RemoveAll(tmp); rmErr != nil {
			return "", &npmerr.CleanupFailed{Original: err, RemoveErr: rmErr, TargetPath: tmp}
		}
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(folder), 0o755); err != nil {
		_ = os.RemoveAll(tmp)
		return "", fmt.Errorf("failed to create package parent directory: %w", err)
	}

	if err := os.Rename(tmp, folder); err != nil {
		// Another caller's rename may have already landed the folder; treat
		// that as success rather than surfacing a spurious error.
		if info, statErr := os.Stat(folder); statErr == nil && info.IsDir() {
			_ = os.RemoveAll(tmp)
			return folder, nil
		}
		if rmErr := os.RemoveAll(tmp); rmErr != nil {
			return "", &npmerr.CleanupFailed{Original: err, RemoveErr: rmErr, TargetPath: tmp}
		}
		return "", fmt.Errorf("failed to rename staged package into place: %w", err)
	}

	return folder, nil
}

func (c *Cache) fetchTarball(ctx context.Context, id model.PackageId, dist model.DistInfo) ([]byte, error) {
	blobKey := blobKey(id)

	if c.Blobs != nil {
		if r, ok, err := c.Blobs.Get(ctx, blobKey); err == nil && ok {
			defer r.Close()
			return io.ReadAll(r)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dist.TarballURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &npmerr.TarballNotFound{Package: id.String(), URL: dist.TarballURL}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &npmerr.RegistryHTTPError{URL: dist.TarballURL, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &npmerr.TarballIOError{Op: "download", Err: err}
	}

	if c.Blobs != nil {
		// Blob write-through is best effort; a failed Put never fails the fetch.
		if w, err := c.Blobs.Put(ctx, blobKey); err == nil {
			_, _ = w.Write(data)
			_ = w.Close()
		}
	}

	return data, nil
}

func blobKey(id model.PackageId) string {
	return fmt.Sprintf("%s/%s.tgz", id.Name, id.Version)
}

// GetPackageFromSpecifier maps a file path inside the cache root back to the
// PackageId owning it, by making path relative to the cache root and parsing
// the "<name parts>/<version>/package/…" shape.
func (c *Cache) GetPackageFromSpecifier(path string) (model.PackageId, error) {
	rel, err := filepath.Rel(c.root, path)
	if err != nil {
		return model.PackageId{}, fmt.Errorf("path %q is not inside cache root: %w", path, err)
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "..") {
		return model.PackageId{}, fmt.Errorf("path %q is not inside cache root", path)
	}

	parts := strings.Split(rel, "/")
	// Scoped packages ("@scope/name") contribute two path segments before
	// version/package/...; bare names contribute one.
	var nameParts []string
	i := 0
	for ; i < len(parts); i++ {
		nameParts = append(nameParts, parts[i])
		if !strings.HasPrefix(parts[i], "@") || i > 0 {
			i++
			break
		}
	}
	if i >= len(parts) {
		return model.PackageId{}, fmt.Errorf("path %q does not contain a version segment", path)
	}
	version := parts[i]
	if version == "" {
		return model.PackageId{}, fmt.Errorf("path %q does not contain a version segment", path)
	}

	return model.PackageId{Name: strings.Join(nameParts, "/"), Version: version}, nil
}

func randomSuffix() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
