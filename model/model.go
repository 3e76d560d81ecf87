// Package model defines the core data types shared by the registry client,
// resolution engine, package cache, and node resolver: package requirements,
// resolved package identities, and the resolution snapshot that ties them
// together.
package model

import (
	"cmp"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// PackageReq is a top-level package requirement, e.g. "chalk@^5.0.0".
// It is comparable so it can be used as a map key in ResolutionSnapshot.
type PackageReq struct {
	Name       string
	VersionReq string
}

func (r PackageReq) String() string {
	return fmt.Sprintf("%s@%s", r.Name, r.VersionReq)
}

// ParsePackageReq parses a "name@range" specifier. Scoped names
// ("@scope/name@range") are handled by looking for the '@' that follows the
// first '/', matching how npm itself disambiguates the scope separator from
// the version separator.
func ParsePackageReq(spec string) (req PackageReq, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return PackageReq{}, fmt.Errorf("empty package requirement")
	}

	name, rangeStr, ok := splitNameAndRange(spec)
	if !ok {
		return PackageReq{Name: spec, VersionReq: "*"}, nil
	}
	if rangeStr == "" {
		rangeStr = "*"
	}
	return PackageReq{Name: name, VersionReq: rangeStr}, nil
}

// splitNameAndRange splits "name@range" (or "@scope/name@range") into its
// two parts. ok is false when there is no '@' version separator at all.
func splitNameAndRange(spec string) (name, rangeStr string, ok bool) {
	searchFrom := 0
	if strings.HasPrefix(spec, "@") {
		slash := strings.Index(spec, "/")
		if slash == -1 {
			return spec, "", false
		}
		searchFrom = slash + 1
	}
	at := strings.Index(spec[searchFrom:], "@")
	if at == -1 {
		return spec, "", false
	}
	at += searchFrom
	return spec[:at], spec[at+1:], true
}

// Satisfies reports whether version satisfies this requirement's range.
func (r PackageReq) Satisfies(version string) (bool, error) {
	return VersionSatisfies(version, r.VersionReq)
}

// VersionSatisfies reports whether version satisfies the SemVer range
// rangeStr. A range of "*" or "" always matches.
func VersionSatisfies(version, rangeStr string) (bool, error) {
	if rangeStr == "" || rangeStr == "*" {
		return true, nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("invalid version %q: %w", version, err)
	}
	c, err := semver.NewConstraint(rangeStr)
	if err != nil {
		return false, fmt.Errorf("invalid version requirement %q: %w", rangeStr, err)
	}
	return c.Check(v), nil
}

// PackageId uniquely identifies a resolved package by name and concrete
// version. It is comparable so it can be used as a map key.
type PackageId struct {
	Name    string
	Version string
}

func (id PackageId) String() string {
	return fmt.Sprintf("%s@%s", id.Name, id.Version)
}

// Compare orders ids by name then by semantic version, giving the total
// order invariant 2 in the data model relies on.
func Compare(a, b PackageId) int {
	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	av, aerr := semver.NewVersion(a.Version)
	bv, berr := semver.NewVersion(b.Version)
	if aerr != nil || berr != nil {
		return cmp.Compare(a.Version, b.Version)
	}
	return av.Compare(bv)
}

// DistInfo is a package version's distribution metadata: where to fetch the
// tarball and the integrity string binding it to a digest.
type DistInfo struct {
	TarballURL string
	Integrity  string
}

// VersionInfo is a single version entry from a registry's package metadata.
// Dependencies maps a bare specifier to a raw requirement, which may be a
// plain SemVer range or an "npm:name@range" alias.
type VersionInfo struct {
	Version      string
	Dist         DistInfo
	Dependencies map[string]string
}

// PackageInfo is the full set of published versions for one package name.
type PackageInfo struct {
	Name     string
	Versions map[string]VersionInfo
}

// BestMatch returns the highest version in the package satisfying rangeStr.
// Ties are impossible since registry version strings are unique, so "highest
// wins" fully determines the choice.
func (p PackageInfo) BestMatch(rangeStr string) (vi VersionInfo, ok bool, err error) {
	var best *semver.Version
	var bestVI VersionInfo
	for verStr, candidate := range p.Versions {
		v, verErr := semver.NewVersion(verStr)
		if verErr != nil {
			continue
		}
		matches, satErr := VersionSatisfies(verStr, rangeStr)
		if satErr != nil {
			return VersionInfo{}, false, satErr
		}
		if !matches {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			bestVI = candidate
		}
	}
	if best == nil {
		return VersionInfo{}, false, nil
	}
	return bestVI, true, nil
}

// ResolvedPackage is one node in a ResolutionSnapshot: a concrete package
// and the concrete packages its bare specifiers resolve to.
type ResolvedPackage struct {
	ID           PackageId
	Dist         DistInfo
	Dependencies map[string]PackageId
}

// ResolutionSnapshot is an immutable view over a completed resolution.
type ResolutionSnapshot struct {
	TopLevel map[PackageReq]PackageId
	ByName   map[string][]string
	Packages map[PackageId]ResolvedPackage
}

// NewResolutionSnapshot builds an empty, ready-to-populate snapshot.
func NewResolutionSnapshot() ResolutionSnapshot {
	return ResolutionSnapshot{
		TopLevel: make(map[PackageReq]PackageId),
		ByName:   make(map[string][]string),
		Packages: make(map[PackageId]ResolvedPackage),
	}
}

// versionLiteralPattern extracts SemVer-shaped substrings from a range
// string, used by RangesIntersect to sample candidate versions out of each
// range without needing a real package registry to enumerate against.
var versionLiteralPattern = regexp.MustCompile(`\d+\.\d+\.\d+`)

// RangesIntersect reports whether some version could satisfy both a and b.
// Masterminds/semver/v3 has no native range-by-range intersection check, so
// this approximates one: an empty range or "*" always intersects anything,
// identical range strings always intersect, and otherwise each version
// literal appearing in a or b is tried against both ranges, reporting true on
// the first that satisfies both. This is a heuristic, not a full constraint
// solver, but covers the common case of package.json dependency ranges that
// BYONM's resolution needs to compare against a requested PackageReq.
func RangesIntersect(a, b string) (bool, error) {
	if a == "" || a == "*" || b == "" || b == "*" || a == b {
		return true, nil
	}

	candidates := append(versionLiteralPattern.FindAllString(a, -1), versionLiteralPattern.FindAllString(b, -1)...)
	for _, v := range candidates {
		inA, err := VersionSatisfies(v, a)
		if err != nil {
			return false, err
		}
		inB, err := VersionSatisfies(v, b)
		if err != nil {
			return false, err
		}
		if inA && inB {
			return true, nil
		}
	}
	return false, nil
}

// ParseAlias splits a raw dependency requirement into the package name it
// refers to and the SemVer range to satisfy. Plain ranges ("^1.2.3") resolve
// to (bareSpecifierName, raw). Aliases ("npm:real-name@^1.2.3") resolve to
// (real-name, ^1.2.3); real-name may itself be scoped.
func ParseAlias(bareSpecifierName, raw string) (name, rangeStr string, err error) {
	if !strings.HasPrefix(raw, "npm:") {
		return bareSpecifierName, raw, nil
	}
	aliased := strings.TrimPrefix(raw, "npm:")
	name, rangeStr, ok := splitNameAndRange(aliased)
	if !ok {
		return "", "", fmt.Errorf("could not find @ symbol in npm scheme url %q", raw)
	}
	if name == "" || rangeStr == "" {
		return "", "", fmt.Errorf("malformed alias %q", raw)
	}
	return name, rangeStr, nil
}
