// Package npmerr defines the typed error kinds raised across the registry,
// cache, resolution, node-resolution, and translation components. Every
// kind wraps its cause (when it has one) so callers can both pattern-match
// with errors.As and read a context-bearing message.
package npmerr

import (
	"errors"
	"fmt"
)

// PackageNotFound means the registry returned 404 for a package name.
type PackageNotFound struct {
	Name string
}

func (e *PackageNotFound) Error() string {
	return fmt.Sprintf("package %q does not exist", e.Name)
}

// RegistryHTTPError means the registry returned a non-2xx, non-404 status.
type RegistryHTTPError struct {
	URL    string
	Status int
}

func (e *RegistryHTTPError) Error() string {
	return fmt.Sprintf("registry request to %s failed: HTTP %d", e.URL, e.Status)
}

// MalformedRegistryJSON means the registry response body could not be
// decoded as package metadata.
type MalformedRegistryJSON struct {
	Name string
	Err  error
}

func (e *MalformedRegistryJSON) Error() string {
	return fmt.Sprintf("malformed registry response for %q: %v", e.Name, e.Err)
}

func (e *MalformedRegistryJSON) Unwrap() error { return e.Err }

// VersionNotFound means no published version of Name satisfies Req.
type VersionNotFound struct {
	Name   string
	Req    string
	Parent string // empty when this is a top-level requirement
}

func (e *VersionNotFound) Error() string {
	if e.Parent == "" {
		return fmt.Sprintf("could not find package %q matching %q", e.Name, e.Req)
	}
	return fmt.Sprintf("could not find package %q matching %q as specified in %s", e.Name, e.Req, e.Parent)
}

// BadVersionReq means a SemVer range string failed to parse.
type BadVersionReq struct {
	Raw     string
	Context string
	Err     error
}

func (e *BadVersionReq) Error() string {
	return fmt.Sprintf("bad version requirement %q for %s: %v", e.Raw, e.Context, e.Err)
}

func (e *BadVersionReq) Unwrap() error { return e.Err }

// BadAliasForm means an "npm:" alias dependency value could not be parsed.
type BadAliasForm struct {
	Raw string
}

func (e *BadAliasForm) Error() string {
	return fmt.Sprintf("could not find @ symbol in npm scheme url %q", e.Raw)
}

// TarballNotFound means the registry returned 404 for a dist tarball URL.
type TarballNotFound struct {
	Package string
	URL     string
}

func (e *TarballNotFound) Error() string {
	return fmt.Sprintf("could not find npm package tarball for %s at: %s", e.Package, e.URL)
}

// UnsupportedIntegrity means an integrity string had no "<algo>-<digest>"
// separator at all.
type UnsupportedIntegrity struct {
	Raw string
}

func (e *UnsupportedIntegrity) Error() string {
	return fmt.Sprintf("not implemented integrity kind: %q", e.Raw)
}

// UnsupportedHashAlgo means the integrity algorithm was recognized as a
// separator but is not sha512.
type UnsupportedHashAlgo struct {
	Algo string
}

func (e *UnsupportedHashAlgo) Error() string {
	return fmt.Sprintf("not implemented hash function: %s", e.Algo)
}

// ChecksumMismatch means a downloaded tarball's digest did not match the
// integrity string the registry advertised for it.
type ChecksumMismatch struct {
	Package  string
	Expected string
	Actual   string
}

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("tarball checksum did not match what was provided by npm registry for %s.\n\nExpected: %s\nActual: %s", e.Package, e.Expected, e.Actual)
}

// TarballIOError wraps a filesystem or decompression failure while
// extracting a tarball.
type TarballIOError struct {
	Op  string
	Err error
}

func (e *TarballIOError) Error() string {
	return fmt.Sprintf("tarball %s failed: %v", e.Op, e.Err)
}

func (e *TarballIOError) Unwrap() error { return e.Err }

// CleanupFailed means extraction failed AND the best-effort removal of the
// partial target directory also failed; both errors are preserved.
type CleanupFailed struct {
	Original   error
	RemoveErr  error
	TargetPath string
}

func (e *CleanupFailed) Error() string {
	return fmt.Sprintf(
		"failed verifying and extracting npm tarball, then failed cleaning up package cache folder.\n\n"+
			"Original error:\n\n%v\n\nRemove error:\n\n%v\n\n"+
			"Please manually delete this folder or you will run into issues using this package in the future:\n\n%s",
		e.Original, e.RemoveErr, e.TargetPath)
}

func (e *CleanupFailed) Unwrap() error { return e.Original }

// NotFound means a specifier could not be resolved to any file.
type NotFound struct {
	Specifier string
	Referrer  string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("[ERR_MODULE_NOT_FOUND] Cannot find module %q imported from %q", e.Specifier, e.Referrer)
}

// UnresolvedExport means a package's exports map had no entry (literal or
// pattern) matching the requested subpath, or no condition matched.
type UnresolvedExport struct {
	Package  string
	Subpath  string
	Referrer string
}

func (e *UnresolvedExport) Error() string {
	return fmt.Sprintf("package subpath %q is not defined by \"exports\" in %s, imported from %s", e.Subpath, e.Package, e.Referrer)
}

// InvalidPackageName means a bare specifier could not be parsed into a
// (package name, subpath) pair.
type InvalidPackageName struct {
	Specifier string
}

func (e *InvalidPackageName) Error() string {
	return fmt.Sprintf("invalid package name in specifier %q", e.Specifier)
}

// AbsoluteSpecifierUnsupported means a specifier started with "/"; absolute
// specifiers are reserved and always rejected.
type AbsoluteSpecifierUnsupported struct {
	Specifier string
}

func (e *AbsoluteSpecifierUnsupported) Error() string {
	return fmt.Sprintf("absolute specifiers are not supported: %q", e.Specifier)
}

// CannotRequireEsm means the CJS->ESM translator's reexport walk reached a
// module the analyzer identified as ESM, which cannot be require()'d from a
// CommonJS referrer.
type CannotRequireEsm struct {
	Specifier string
	Referrer  string
}

func (e *CannotRequireEsm) Error() string {
	return fmt.Sprintf("cannot require ES module %q from %q", e.Specifier, e.Referrer)
}

// Kind returns a short, stable label identifying which of this package's
// error types err is (e.g. "VersionNotFound"), or "Other" when err doesn't
// match any of them. Intended for low-cardinality metrics labels.
func Kind(err error) string {
	var (
		packageNotFound      *PackageNotFound
		registryHTTPError    *RegistryHTTPError
		malformedRegistry    *MalformedRegistryJSON
		versionNotFound      *VersionNotFound
		badVersionReq        *BadVersionReq
		badAliasForm         *BadAliasForm
		tarballNotFound      *TarballNotFound
		unsupportedIntegrity *UnsupportedIntegrity
		unsupportedHashAlgo  *UnsupportedHashAlgo
		checksumMismatch     *ChecksumMismatch
		tarballIOError       *TarballIOError
		cleanupFailed        *CleanupFailed
		notFound             *NotFound
		unresolvedExport     *UnresolvedExport
		invalidPackageName   *InvalidPackageName
		absoluteSpecifier    *AbsoluteSpecifierUnsupported
		cannotRequireEsm     *CannotRequireEsm
	)
	switch {
	case errors.As(err, &packageNotFound):
		return "PackageNotFound"
	case errors.As(err, &registryHTTPError):
		return "RegistryHTTPError"
	case errors.As(err, &malformedRegistry):
		return "MalformedRegistryJSON"
	case errors.As(err, &versionNotFound):
		return "VersionNotFound"
	case errors.As(err, &badVersionReq):
		return "BadVersionReq"
	case errors.As(err, &badAliasForm):
		return "BadAliasForm"
	case errors.As(err, &tarballNotFound):
		return "TarballNotFound"
	case errors.As(err, &unsupportedIntegrity):
		return "UnsupportedIntegrity"
	case errors.As(err, &unsupportedHashAlgo):
		return "UnsupportedHashAlgo"
	case errors.As(err, &checksumMismatch):
		return "ChecksumMismatch"
	case errors.As(err, &tarballIOError):
		return "TarballIOError"
	case errors.As(err, &cleanupFailed):
		return "CleanupFailed"
	case errors.As(err, &notFound):
		return "NotFound"
	case errors.As(err, &unresolvedExport):
		return "UnresolvedExport"
	case errors.As(err, &invalidPackageName):
		return "InvalidPackageName"
	case errors.As(err, &absoluteSpecifier):
		return "AbsoluteSpecifierUnsupported"
	case errors.As(err, &cannotRequireEsm):
		return "CannotRequireEsm"
	default:
		return "Other"
	}
}
