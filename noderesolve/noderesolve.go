// Package noderesolve resolves relative, absolute, and bare module
// specifiers to concrete files, implementing Node's ancestor-node_modules
// lookup together with package.json "exports" and "main" resolution.
package noderesolve

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/a-h/npmcore/npmerr"
)

// DefaultConditions is the condition list used when a caller does not
// supply its own, matching a CommonJS-execution referrer.
var DefaultConditions = []string{"deno", "require", "default"}

// FS abstracts the filesystem reads the resolver needs, so tests can run
// against an in-memory fixture instead of the real disk.
type FS interface {
	// Stat reports whether path exists and, if so, whether it is a directory.
	Stat(path string) (isDir bool, exists bool, err error)
	ReadFile(path string) ([]byte, error)
}

var _ FS = OSFS{}

// OSFS implements FS against the real filesystem.
type OSFS struct{}

func (OSFS) Stat(p string) (isDir bool, exists bool, err error) {
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return false, false, nil
		}
		return false, false, err
	}
	return info.IsDir(), true, nil
}

func (OSFS) ReadFile(p string) ([]byte, error) {
	return os.ReadFile(p)
}

// PackageLocator finds the on-disk folder for a package, abstracting over
// the two ways a package tree can be organized: the content-addressed
// package cache and an externally-managed node_modules tree (BYONM).
type PackageLocator interface {
	// ReferrerPackageFolder returns the folder of the package that owns
	// referrerPath (the package whose package.json governs it).
	ReferrerPackageFolder(referrerPath string) (folder string, ok bool, err error)
	// ResolvePackageFolder returns the folder for name, as required from the
	// package rooted at referrerFolder.
	ResolvePackageFolder(ctx context.Context, name string, referrerFolder string) (folder string, err error)
}

// PackageJSON is the subset of package.json fields this resolver consumes.
type PackageJSON struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	// Type is "module" when the package's own .js files are ES modules
	// rather than CommonJS. The resolver only records it; deciding a given
	// file's kind is the source analyzer's job.
	Type         string            `json:"type"`
	Main         string            `json:"main"`
	Types        string            `json:"types"`
	Exports      json.RawMessage   `json:"exports"`
	Dependencies map[string]string `json:"dependencies"`
}

// ESMByDefault reports whether the package declares "type": "module",
// making its own .js files ES modules by default.
func (pj PackageJSON) ESMByDefault() bool {
	return pj.Type == "module"
}

// Resolver resolves specifiers against a PackageLocator and FS.
type Resolver struct {
	FS         FS
	Locator    PackageLocator
	Conditions []string
}

// New creates a Resolver. If conditions is nil, DefaultConditions is used.
func New(fs FS, locator PackageLocator, conditions []string) *Resolver {
	if conditions == nil {
		conditions = DefaultConditions
	}
	return &Resolver{FS: fs, Locator: locator, Conditions: conditions}
}

// Resolve resolves specifier as imported from referrer (a file path):
// relative specifiers are joined and extension-probed; absolute specifiers
// are rejected; bare specifiers are resolved through the referrer's owning
// package and the target package's exports/main.
func (r *Resolver) Resolve(ctx context.Context, specifier, referrer string) (string, error) {
	switch {
	case strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../"):
		return r.resolveRelative(specifier, referrer)
	case strings.HasPrefix(specifier, "/"):
		return "", &npmerr.AbsoluteSpecifierUnsupported{Specifier: specifier}
	default:
		return r.resolveBare(ctx, specifier, referrer)
	}
}

// ReferrerPackageJSON loads the package.json of the package that owns
// referrer, giving callers (e.g. a CJS/ESM analyzer deciding how to treat
// the referrer's own files) access to resolver-visible metadata such as
// the "type" field. ok is false when no package owns referrer.
func (r *Resolver) ReferrerPackageJSON(referrer string) (PackageJSON, bool, error) {
	folder, ok, err := r.Locator.ReferrerPackageFolder(referrer)
	if err != nil || !ok {
		return PackageJSON{}, false, err
	}
	pj, err := r.readPackageJSON(folder)
	if err != nil {
		return PackageJSON{}, false, err
	}
	return pj, true, nil
}

func (r *Resolver) resolveRelative(specifier, referrer string) (string, error) {
	dir := filepath.Dir(referrer)
	joined := filepath.Join(dir, filepath.FromSlash(specifier))
	return r.fileExtensionProbe(joined, specifier, referrer)
}

// fileExtensionProbe returns candidate if it exists; else candidate+".js";
// else NotFound.
func (r *Resolver) fileExtensionProbe(candidate, specifier, referrer string) (string, error) {
	if _, exists, err := r.FS.Stat(candidate); err != nil {
		return "", err
	} else if exists {
		return candidate, nil
	}
	withExt := candidate + ".js"
	if _, exists, err := r.FS.Stat(withExt); err != nil {
		return "", err
	} else if exists {
		return withExt, nil
	}
	return "", &npmerr.NotFound{Specifier: specifier, Referrer: referrer}
}

// parseBareSpecifier splits a bare specifier into its package name and
// subpath. Scoped names ("@scope/name") require two slash-separated
// segments before any subpath; the subpath always starts with "." (root is
// ".").
func parseBareSpecifier(specifier string) (name, subpath string, err error) {
	if specifier == "" {
		return "", "", &npmerr.InvalidPackageName{Specifier: specifier}
	}

	segments := strings.SplitN(specifier, "/", 3)
	if strings.HasPrefix(specifier, "@") {
		if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
			return "", "", &npmerr.InvalidPackageName{Specifier: specifier}
		}
		name = segments[0] + "/" + segments[1]
		if len(segments) == 3 {
			subpath = "./" + segments[2]
		} else {
			subpath = "."
		}
		return name, subpath, nil
	}

	name = segments[0]
	if name == "" {
		return "", "", &npmerr.InvalidPackageName{Specifier: specifier}
	}
	rest := strings.TrimPrefix(specifier, name)
	if rest == "" {
		subpath = "."
	} else {
		subpath = "." + rest
	}
	return name, subpath, nil
}

func (r *Resolver) resolveBare(ctx context.Context, specifier, referrer string) (string, error) {
	name, subpath, err := parseBareSpecifier(specifier)
	if err != nil {
		return "", err
	}

	referrerFolder, ok, err := r.Locator.ReferrerPackageFolder(referrer)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &npmerr.NotFound{Specifier: specifier, Referrer: referrer}
	}

	targetFolder, err := r.Locator.ResolvePackageFolder(ctx, name, referrerFolder)
	if err != nil {
		return "", err
	}

	pkgJSON, err := r.readPackageJSON(targetFolder)
	if err != nil {
		return "", err
	}

	if len(pkgJSON.Exports) > 0 {
		target, err := resolveExports(pkgJSON.Exports, subpath, r.Conditions)
		if err != nil {
			return "", &npmerr.UnresolvedExport{Package: name, Subpath: subpath, Referrer: referrer}
		}
		return r.resolveExportTarget(targetFolder, target, specifier, referrer)
	}

	if subpath != "." {
		rel := strings.TrimPrefix(subpath, "./")
		return r.resolveFileOrDir(filepath.Join(targetFolder, filepath.FromSlash(rel)), specifier, referrer)
	}

	if pkgJSON.Main != "" {
		return r.fileExtensionProbe(filepath.Join(targetFolder, filepath.FromSlash(pkgJSON.Main)), specifier, referrer)
	}
	return r.fileExtensionProbe(filepath.Join(targetFolder, "index.js"), specifier, referrer)
}

func (r *Resolver) resolveExportTarget(pkgFolder, target, specifier, referrer string) (string, error) {
	if !strings.HasPrefix(target, "./") {
		return "", &npmerr.UnresolvedExport{Package: pkgFolder, Subpath: target, Referrer: referrer}
	}
	cleaned := path.Clean(target)
	joined := filepath.Join(pkgFolder, filepath.FromSlash(strings.TrimPrefix(cleaned, "./")))
	if _, exists, err := r.FS.Stat(joined); err != nil {
		return "", err
	} else if exists {
		return joined, nil
	}
	return "", &npmerr.NotFound{Specifier: specifier, Referrer: referrer}
}

func (r *Resolver) resolveFileOrDir(candidate, specifier, referrer string) (string, error) {
	isDir, exists, err := r.FS.Stat(candidate)
	if err != nil {
		return "", err
	}
	if exists && isDir {
		return r.fileExtensionProbe(filepath.Join(candidate, "index.js"), specifier, referrer)
	}
	return r.fileExtensionProbe(candidate, specifier, referrer)
}

func (r *Resolver) readPackageJSON(folder string) (PackageJSON, error) {
	data, err := r.FS.ReadFile(filepath.Join(folder, "package.json"))
	if err != nil {
		return PackageJSON{}, err
	}
	var pj PackageJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return PackageJSON{}, fmt.Errorf("malformed package.json in %s: %w", folder, err)
	}
	return pj, nil
}

// resolveExports implements package.json exports resolution: literal key match,
// else single-star pattern match picking the most specific (longest prefix,
// tie-broken by longest suffix), then condition-map walking.
func resolveExports(raw json.RawMessage, subpath string, conditions []string) (string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if subpath != "." {
			return "", fmt.Errorf("exports is a single string but subpath %q was requested", subpath)
		}
		return asString, nil
	}

	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return "", fmt.Errorf("malformed exports field: %w", err)
	}

	if entry, ok := asMap[subpath]; ok {
		return resolveConditions(entry, conditions)
	}

	type patternMatch struct {
		key, prefix, suffix, star string
	}
	var best *patternMatch
	for key := range asMap {
		star := strings.Index(key, "*")
		if star == -1 {
			continue
		}
		prefix, suffix := key[:star], key[star+1:]
		if !strings.HasPrefix(subpath, prefix) || !strings.HasSuffix(subpath, suffix) {
			continue
		}
		if len(subpath) <= len(key)-1 {
			continue
		}
		starValue := subpath[len(prefix) : len(subpath)-len(suffix)]
		candidate := &patternMatch{key: key, prefix: prefix, suffix: suffix, star: starValue}
		if best == nil ||
			len(candidate.prefix) > len(best.prefix) ||
			(len(candidate.prefix) == len(best.prefix) && len(candidate.suffix) > len(best.suffix)) {
			best = candidate
		}
	}
	if best == nil {
		return "", fmt.Errorf("no exports entry matches subpath %q", subpath)
	}

	target, err := resolveConditions(asMap[best.key], conditions)
	if err != nil {
		return "", err
	}
	return strings.Replace(target, "*", best.star, 1), nil
}

// resolveConditions walks conditions in caller order against a value that
// is either a direct string target or a nested condition object.
func resolveConditions(raw json.RawMessage, conditions []string) (string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}

	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return "", fmt.Errorf("malformed export target: %w", err)
	}

	for _, cond := range conditions {
		entry, ok := asMap[cond]
		if !ok {
			continue
		}
		return resolveConditions(entry, conditions)
	}
	return "", fmt.Errorf("no condition in %v matched", conditions)
}
