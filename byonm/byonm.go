// Package byonm implements the "Bring Your Own Node Modules" resolver: an
// alternate PackageLocator that trusts an externally-managed node_modules
// tree instead of the content-addressed package cache, walking ancestor
// directories the way Node itself does.
package byonm

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/a-h/npmcore/model"
	"github.com/a-h/npmcore/noderesolve"
)

// Mode selects how strictly a package match is accepted: ModeDefault
// accepts any match, ModeTypes additionally requires a "types" field (or
// falls back to a sibling @types/ package).
type Mode int

const (
	ModeDefault Mode = iota
	ModeTypes
)

// Resolver walks an externally-managed node_modules tree rooted at
// RootNodeModulesDir.
type Resolver struct {
	FS                 noderesolve.FS
	RootNodeModulesDir string
	Mode               Mode
}

var _ noderesolve.PackageLocator = (*Resolver)(nil)

// ReferrerPackageFolder implements resolve_package_folder_from_path: if
// referrer lives inside a node_modules segment, the owning package is the
// nearest ancestor whose parent is named "node_modules"; otherwise it's the
// nearest ancestor directory containing a package.json.
func (r *Resolver) ReferrerPackageFolder(referrer string) (string, bool, error) {
	if strings.Contains(filepath.ToSlash(referrer), "/node_modules/") {
		dir := filepath.Dir(referrer)
		for {
			parent := filepath.Dir(dir)
			if filepath.Base(parent) == "node_modules" {
				return dir, true, nil
			}
			if parent == dir {
				return "", false, nil
			}
			dir = parent
		}
	}

	dir := filepath.Dir(referrer)
	for {
		if _, exists, err := r.FS.Stat(filepath.Join(dir, "package.json")); err != nil {
			return "", false, err
		} else if exists {
			return dir, true, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false, nil
		}
		dir = parent
	}
}

// ResolvePackageFolder implements resolve_package_folder_from_package: walk
// upward from referrerFolder, probing "<level>/node_modules/<name>" at each
// ancestor (or "<level>/node_modules" itself when the level already ends in
// node_modules), stopping at the first hit. In ModeTypes, a hit is only
// accepted if its package.json declares a "types" field, with a fallback
// probe of "@types/<scoped-name>" at the same level.
func (r *Resolver) ResolvePackageFolder(ctx context.Context, name, referrerFolder string) (string, error) {
	current := referrerFolder
	for {
		nodeModules := current
		if filepath.Base(current) != "node_modules" {
			nodeModules = filepath.Join(current, "node_modules")
		}

		subDir := joinPackageName(nodeModules, name)
		if isDir, exists, err := r.FS.Stat(subDir); err != nil {
			return "", err
		} else if exists && isDir {
			if r.Mode != ModeTypes || strings.HasPrefix(name, "@types/") {
				return subDir, nil
			}
			if hasTypes, err := r.packageJSONHasTypes(subDir); err != nil {
				return "", err
			} else if hasTypes {
				return subDir, nil
			}
		}

		if r.Mode == ModeTypes && !strings.HasPrefix(name, "@types/") {
			typesDir := joinPackageName(nodeModules, typesPackageName(name))
			if isDir, exists, err := r.FS.Stat(typesDir); err != nil {
				return "", err
			} else if exists && isDir {
				return typesDir, nil
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return "", fmt.Errorf("could not find package %q from referrer folder %q", name, referrerFolder)
}

// ResolvePackageReq implements resolve_pkg_folder_from_deno_module_req: given
// a bare package requirement (e.g. from an "npm:name@range" import
// specifier) and the file it was imported from, finds the nearest enclosing
// package.json walking up from referrer's directory, matches req against its
// "dependencies" entries by name and intersecting range, and returns that
// entry's node_modules folder. When referrer has no ancestor package.json,
// falls back to the package.json beside RootNodeModulesDir (the project
// root), matching depot's root_node_modules_dir.parent() fallback.
func (r *Resolver) ResolvePackageReq(req model.PackageReq, referrer string) (string, error) {
	pkgJSONPath, ok, err := r.findAncestorPackageJSON(filepath.Dir(referrer))
	if err != nil {
		return "", err
	}
	if !ok {
		pkgJSONPath = filepath.Join(filepath.Dir(r.RootNodeModulesDir), "package.json")
		if _, exists, err := r.FS.Stat(pkgJSONPath); err != nil {
			return "", err
		} else if !exists {
			return "", fmt.Errorf("could not find a matching package for %q in %q: no package.json found", "npm:"+req.String(), referrer)
		}
	}

	deps, err := r.packageJSONDependencies(pkgJSONPath)
	if err != nil {
		return "", err
	}

	for key, raw := range deps {
		name, rangeStr, err := model.ParseAlias(key, raw)
		if err != nil {
			continue
		}
		if name != req.Name {
			continue
		}
		intersects, err := model.RangesIntersect(rangeStr, req.VersionReq)
		if err != nil {
			return "", err
		}
		if intersects {
			return joinPackageName(filepath.Join(filepath.Dir(pkgJSONPath), "node_modules"), key), nil
		}
	}

	return "", fmt.Errorf("could not find a matching package for %q in %q. You must specify this as a package.json dependency", "npm:"+req.String(), pkgJSONPath)
}

// findAncestorPackageJSON walks upward from dir looking for the nearest
// directory containing a package.json.
func (r *Resolver) findAncestorPackageJSON(dir string) (string, bool, error) {
	for {
		candidate := filepath.Join(dir, "package.json")
		if _, exists, err := r.FS.Stat(candidate); err != nil {
			return "", false, err
		} else if exists {
			return candidate, true, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false, nil
		}
		dir = parent
	}
}

// packageJSONDependencies reads the "dependencies" map of the package.json
// at path.
func (r *Resolver) packageJSONDependencies(path string) (map[string]string, error) {
	data, err := r.FS.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pj struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal(data, &pj); err != nil {
		return nil, fmt.Errorf("malformed package.json at %s: %w", path, err)
	}
	return pj.Dependencies, nil
}

func (r *Resolver) packageJSONHasTypes(pkgDir string) (bool, error) {
	data, err := r.FS.ReadFile(filepath.Join(pkgDir, "package.json"))
	if err != nil {
		return false, nil
	}
	var pj struct {
		Types string `json:"types"`
	}
	if err := json.Unmarshal(data, &pj); err != nil {
		return false, fmt.Errorf("malformed package.json in %s: %w", pkgDir, err)
	}
	return pj.Types != "", nil
}

// joinPackageName joins a node_modules directory with a (possibly scoped)
// package name, matching npm's two-segment scoped layout.
func joinPackageName(nodeModulesDir, name string) string {
	return filepath.Join(nodeModulesDir, filepath.FromSlash(name))
}

// typesPackageName converts "foo" to "@types/foo" and "@scope/foo" to
// "@types/scope__foo", matching DefinitelyTyped's scoped-package convention.
func typesPackageName(name string) string {
	if !strings.HasPrefix(name, "@") {
		return "@types/" + name
	}
	rest := strings.TrimPrefix(name, "@")
	rest = strings.Replace(rest, "/", "__", 1)
	return "@types/" + rest
}
