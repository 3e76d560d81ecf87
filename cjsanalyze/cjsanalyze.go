// Package cjsanalyze defines the CjsCodeAnalyzer capability the translator
// (package cjsesm) consumes: a static analysis of a CommonJS module's
// exports and reexports, or a short-circuit signal that the module is
// actually ESM. The real analysis (parsing JS/TS source, walking assignment
// expressions to module.exports) is an external collaborator; this
// package only defines the contract and one fixture-backed reference
// implementation useful for composing a CLI and for tests.
package cjsanalyze

import "context"

// Kind tags whether an analyzed module is CommonJS or already ESM.
type Kind int

const (
	KindCjs Kind = iota
	KindEsm
)

// Analysis is the result of analyzing one module.
type Analysis struct {
	Kind Kind

	// EsmSource holds the module's source verbatim when Kind == KindEsm.
	EsmSource string

	// Exports are names statically determined to be assigned onto
	// module.exports/exports. Only populated when Kind == KindCjs.
	Exports []string

	// Reexports are specifiers passed to require(...) whose result is spread
	// into this module's exports. Only populated when Kind == KindCjs.
	Reexports []string
}

// Analyzer is the capability the CJS->ESM translator depends on.
type Analyzer interface {
	// AnalyzeCjs analyzes specifier. maybeSource, when non-empty, is used
	// instead of reading/parsing the file again (the caller may already have
	// the source in hand, e.g. from a prior load).
	AnalyzeCjs(ctx context.Context, specifier string, maybeSource string) (Analysis, error)
}

// StaticAnalyzer is a test/fixture-friendly Analyzer backed by a fixed map
// of specifier to precomputed Analysis, standing in for the real source
// parser during development and unit tests.
type StaticAnalyzer struct {
	Fixtures map[string]Analysis
}

var _ Analyzer = (*StaticAnalyzer)(nil)

func (a *StaticAnalyzer) AnalyzeCjs(ctx context.Context, specifier, maybeSource string) (Analysis, error) {
	analysis, ok := a.Fixtures[specifier]
	if !ok {
		return Analysis{}, &unknownSpecifierError{specifier}
	}
	return analysis, nil
}

type unknownSpecifierError struct{ specifier string }

func (e *unknownSpecifierError) Error() string {
	return "no fixture registered for specifier: " + e.specifier
}
