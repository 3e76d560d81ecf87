// Package registry fetches and memoizes per-package version metadata from
// an npm-compatible registry.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/a-h/npmcore/metrics"
	"github.com/a-h/npmcore/model"
	"github.com/a-h/npmcore/npmerr"
)

// DefaultBaseURL is the public npm registry, matching depot's own
// npmRegistryURL default in npm/download/download.go.
const DefaultBaseURL = "https://registry.npmjs.org"

// Client fetches package metadata from a registry base URL, memoizing
// responses in a mutex-guarded map keyed by package name. A second
// in-flight request for the same name may duplicate the fetch; that's
// acceptable since the GET is idempotent and has no correctness impact.
type Client struct {
	log     *slog.Logger
	client  *http.Client
	baseURL string

	// Metrics records each registry fetch by outcome. Safe to leave at its
	// zero value (every Record call on a zero-value Metrics is a no-op).
	Metrics metrics.Metrics

	mu    sync.Mutex
	cache map[string]*model.PackageInfo // nil entry means a prior 404
}

// New creates a Client against baseURL (DefaultBaseURL when empty).
func New(log *slog.Logger, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		log:     log,
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		cache:   make(map[string]*model.PackageInfo),
	}
}

// PackageInfo fetches metadata for name, failing if the package does not
// exist.
func (c *Client) PackageInfo(ctx context.Context, name string) (model.PackageInfo, error) {
	info, ok, err := c.MaybePackageInfo(ctx, name)
	if err != nil {
		return model.PackageInfo{}, err
	}
	if !ok {
		return model.PackageInfo{}, &npmerr.PackageNotFound{Name: name}
	}
	return info, nil
}

// MaybePackageInfo fetches metadata for name, returning ok=false when the
// registry reports 404 rather than treating that as an error.
func (c *Client) MaybePackageInfo(ctx context.Context, name string) (info model.PackageInfo, ok bool, err error) {
	c.mu.Lock()
	cached, found := c.cache[name]
	c.mu.Unlock()
	if found {
		if cached == nil {
			return model.PackageInfo{}, false, nil
		}
		return *cached, true, nil
	}

	info, ok, err = c.fetch(ctx, name)
	if err != nil {
		return model.PackageInfo{}, false, fmt.Errorf("error getting response at %s: %w", c.packageURL(name), err)
	}

	c.mu.Lock()
	if ok {
		c.cache[name] = &info
	} else {
		c.cache[name] = nil
	}
	c.mu.Unlock()

	return info, ok, nil
}

// EnsureVersion retries a single forced reload of name when a resolution
// needs a version that the memoized PackageInfo doesn't have, handling the
// case where the registry published a new version after this process first
// memoized the package. versionReq may be an exact version or a range.
func (c *Client) EnsureVersion(ctx context.Context, name, versionReq string) (info model.PackageInfo, err error) {
	info, ok, err := c.MaybePackageInfo(ctx, name)
	if err != nil {
		return model.PackageInfo{}, err
	}
	if ok {
		if _, has, matchErr := info.BestMatch(versionReq); matchErr == nil && has {
			return info, nil
		}
	}

	c.log.Debug("forcing registry reload for stale cache", slog.String("package", name), slog.String("requirement", versionReq))
	c.mu.Lock()
	delete(c.cache, name)
	c.mu.Unlock()

	info, ok, err = c.MaybePackageInfo(ctx, name)
	if err != nil {
		return model.PackageInfo{}, err
	}
	if !ok {
		return model.PackageInfo{}, &npmerr.PackageNotFound{Name: name}
	}
	return info, nil
}

func (c *Client) fetch(ctx context.Context, name string) (info model.PackageInfo, ok bool, err error) {
	reqURL := c.packageURL(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		c.Metrics.RecordRegistryFetch(ctx, "error")
		return model.PackageInfo{}, false, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.Metrics.RecordRegistryFetch(ctx, "error")
		return model.PackageInfo{}, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.Metrics.RecordRegistryFetch(ctx, "miss")
		return model.PackageInfo{}, false, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.Metrics.RecordRegistryFetch(ctx, "error")
		return model.PackageInfo{}, false, &npmerr.RegistryHTTPError{URL: reqURL, Status: resp.StatusCode}
	}

	var wire wirePackageInfo
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		c.Metrics.RecordRegistryFetch(ctx, "error")
		return model.PackageInfo{}, false, &npmerr.MalformedRegistryJSON{Name: name, Err: err}
	}

	c.log.Debug("fetched package metadata", slog.String("package", name), slog.Int("versions", len(wire.Versions)))
	c.Metrics.RecordRegistryFetch(ctx, "hit")
	return wire.toModel(), true, nil
}

func (c *Client) packageURL(name string) string {
	// url.JoinPath percent-encodes the scoped "@scope/name" segment the same
	// way Rust's Url::join does when building the registry request.
	u, err := url.JoinPath(c.baseURL, name)
	if err != nil {
		return c.baseURL + "/" + name
	}
	return u
}

// wirePackageInfo mirrors the registry's JSON shape:
// { name, versions: { "x.y.z": { version, dist: {tarball, integrity}, dependencies } } }
type wirePackageInfo struct {
	Name     string                     `json:"name"`
	Versions map[string]wireVersionInfo `json:"versions"`
}

type wireVersionInfo struct {
	Version      string            `json:"version"`
	Dist         wireDistInfo      `json:"dist"`
	Dependencies map[string]string `json:"dependencies"`
}

type wireDistInfo struct {
	Tarball   string `json:"tarball"`
	Integrity string `json:"integrity"`
}

func (w wirePackageInfo) toModel() model.PackageInfo {
	versions := make(map[string]model.VersionInfo, len(w.Versions))
	for k, v := range w.Versions {
		versions[k] = model.VersionInfo{
			Version: v.Version,
			Dist: model.DistInfo{
				TarballURL: v.Dist.Tarball,
				Integrity:  v.Dist.Integrity,
			},
			Dependencies: v.Dependencies,
		}
	}
	return model.PackageInfo{Name: w.Name, Versions: versions}
}
