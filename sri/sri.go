// Package sri parses the subresource-integrity-style strings npm registries
// attach to dist metadata ("<algo>-<base64digest>") and checks downloaded
// tarball bytes against them.
package sri

import (
	"crypto/sha512"
	"encoding/base64"
	"strings"

	"github.com/a-h/npmcore/npmerr"
)

// SHA512 is the only accepted digest algorithm. The registry publishes
// sha512 for every modern package; older sha1 strings still exist in the
// wild but are rejected rather than verified weakly.
const SHA512 = "sha512"

// Integrity is a parsed integrity string.
type Integrity struct {
	Algorithm string
	// Digest is base64, exactly as the registry advertised it.
	Digest string
}

// Parse splits s on its first "-" and validates the algorithm. A missing
// separator is an UnsupportedIntegrity error; any algorithm other than
// sha512 is an UnsupportedHashAlgo error.
func Parse(s string) (Integrity, error) {
	algo, digest, ok := strings.Cut(s, "-")
	if !ok {
		return Integrity{}, &npmerr.UnsupportedIntegrity{Raw: s}
	}
	if algo != SHA512 {
		return Integrity{}, &npmerr.UnsupportedHashAlgo{Algo: algo}
	}
	return Integrity{Algorithm: algo, Digest: digest}, nil
}

// Matches digests data and compares the result against the advertised
// digest, ignoring case on both sides. The computed digest is returned
// base64-encoded so callers can include it in a mismatch error.
func (i Integrity) Matches(data []byte) (actual string, ok bool) {
	sum := sha512.Sum512(data)
	actual = base64.StdEncoding.EncodeToString(sum[:])
	return actual, strings.EqualFold(actual, i.Digest)
}

// String reassembles the canonical "<algo>-<base64digest>" form.
func (i Integrity) String() string {
	return i.Algorithm + "-" + i.Digest
}
