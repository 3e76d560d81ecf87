// Package cjsesm translates a CommonJS entry module into a synthetic ES
// module that re-exports its statically discovered bindings, recursively
// following require()-based reexport chains across packages.
package cjsesm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/a-h/npmcore/cjsanalyze"
	"github.com/a-h/npmcore/metrics"
	"github.com/a-h/npmcore/npmerr"
)

// Resolver resolves a reexport specifier against its referrer into a
// concrete, canonical specifier suitable for deduplication and re-analysis.
// noderesolve.Resolver satisfies this with ESM referrer semantics.
type Resolver interface {
	Resolve(ctx context.Context, specifier, referrer string) (string, error)
}

// Translator emits synthetic ESM sources for CJS entry modules.
type Translator struct {
	Analyzer cjsanalyze.Analyzer
	Resolver Resolver

	// Metrics records each Translate invocation by outcome. Safe to leave at
	// its zero value (every Record call on a zero-value Metrics is a no-op).
	Metrics metrics.Metrics
}

// New creates a Translator.
func New(analyzer cjsanalyze.Analyzer, resolver Resolver) *Translator {
	return &Translator{Analyzer: analyzer, Resolver: resolver}
}

// Translate produces an ES module source for entrySpecifier. If the entry
// analyzes as ESM, its source is returned unchanged.
func (t *Translator) Translate(ctx context.Context, entrySpecifier string, maybeSource string) (string, error) {
	out, err := t.translate(ctx, entrySpecifier, maybeSource)
	if err != nil {
		t.Metrics.RecordTranslation(ctx, "error")
		return "", err
	}
	t.Metrics.RecordTranslation(ctx, "ok")
	return out, nil
}

func (t *Translator) translate(ctx context.Context, entrySpecifier string, maybeSource string) (string, error) {
	analysis, err := t.Analyzer.AnalyzeCjs(ctx, entrySpecifier, maybeSource)
	if err != nil {
		return "", err
	}
	if analysis.Kind == cjsanalyze.KindEsm {
		return analysis.EsmSource, nil
	}

	allExports := newSortedSet()
	for _, e := range analysis.Exports {
		allExports.add(e)
	}

	if len(analysis.Reexports) > 0 {
		errs := t.expandReexports(ctx, entrySpecifier, analysis.Reexports, allExports)
		if len(errs) > 0 {
			sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
			return "", errs[0]
		}
	}

	return emit(entrySpecifier, allExports.sorted()), nil
}

// expandReexports walks the reexport graph starting from entry's reexports,
// fanning out concurrently and deduplicating against a shared visited set.
// All errors across the whole fan-out are collected rather than returned on
// first failure, so the final sort-then-return-first choice is deterministic
// regardless of completion order.
func (t *Translator) expandReexports(ctx context.Context, entrySpecifier string, reexports []string, allExports *sortedSet) []error {
	var (
		mu      sync.Mutex
		errs    []error
		visited = map[string]bool{entrySpecifier: true}
		wg      sync.WaitGroup
	)

	var handle func(referrer string, specs []string)
	handle = func(referrer string, specs []string) {
		for _, spec := range specs {
			resolved, err := t.Resolver.Resolve(ctx, spec, referrer)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				continue
			}

			mu.Lock()
			already := visited[resolved]
			if !already {
				visited[resolved] = true
			}
			mu.Unlock()
			if already {
				continue
			}

			wg.Add(1)
			go func(resolved, referrer, origSpec string) {
				defer wg.Done()

				analysis, err := t.Analyzer.AnalyzeCjs(ctx, resolved, "")
				if err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("could not load %q (%s) referenced from %s: %w", origSpec, resolved, referrer, err))
					mu.Unlock()
					return
				}

				if analysis.Kind == cjsanalyze.KindEsm {
					mu.Lock()
					errs = append(errs, &npmerr.CannotRequireEsm{Specifier: resolved, Referrer: referrer})
					mu.Unlock()
					return
				}

				mu.Lock()
				for _, e := range analysis.Exports {
					if e != "default" {
						allExports.add(e)
					}
				}
				mu.Unlock()

				if len(analysis.Reexports) > 0 {
					handle(resolved, analysis.Reexports)
				}
			}(resolved, referrer, spec)
		}
	}

	handle(entrySpecifier, reexports)
	wg.Wait()

	return errs
}

// emit renders the final module source: a createRequire prelude, the
// require() of the entry file, one export per discovered name (skipping
// "default"), and a trailing default export of the whole module object.
func emit(entrySpecifier string, sortedExports []string) string {
	var lines []string
	lines = append(lines,
		`import { createRequire as __internalCreateRequire } from "node:module";`,
		`const require = __internalCreateRequire(import.meta.url);`,
	)
	lines = append(lines, fmt.Sprintf(`const mod = require("%s");`, escapePathLiteral(entrySpecifier)))

	tempVarCount := 0
	for _, name := range sortedExports {
		if name == "default" {
			continue
		}
		addExport(&lines, name, fmt.Sprintf(`mod["%s"]`, escapeForDoubleQuoteString(name)), &tempVarCount)
	}

	lines = append(lines, "export default mod;")
	return strings.Join(lines, "\n")
}

// addExport appends the source line(s) for one export binding: a direct
// `export const name = initializer` when name is a valid, non-reserved
// identifier, otherwise a temp-var assignment plus a string-keyed export
// alias.
func addExport(lines *[]string, name, initializer string, tempVarCount *int) {
	if reservedWords[name] || !isValidVarDecl(name) {
		*tempVarCount++
		*lines = append(*lines,
			fmt.Sprintf(`const __deno_export_%d__ = %s;`, *tempVarCount, initializer),
			fmt.Sprintf(`export { __deno_export_%d__ as "%s" };`, *tempVarCount, escapeForDoubleQuoteString(name)),
		)
		return
	}
	*lines = append(*lines, fmt.Sprintf(`export const %s = %s;`, name, initializer))
}

func isValidVarDecl(name string) bool {
	if name == "" {
		return false
	}
	first := rune(name[0])
	if !isAsciiAlpha(first) && first != '_' && first != '$' {
		return false
	}
	for _, c := range name {
		if !isAsciiAlphaNum(c) && c != '_' && c != '$' {
			return false
		}
	}
	return true
}

func isAsciiAlpha(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isAsciiAlphaNum(c rune) bool {
	return isAsciiAlpha(c) || (c >= '0' && c <= '9')
}

func escapeForDoubleQuoteString(text string) string {
	text = strings.ReplaceAll(text, `\`, `\\`)
	text = strings.ReplaceAll(text, `"`, `\"`)
	return text
}

func escapePathLiteral(path string) string {
	path = strings.ReplaceAll(path, `\`, `\\`)
	path = strings.ReplaceAll(path, `'`, `\'`)
	path = strings.ReplaceAll(path, `"`, `\"`)
	return path
}

// reservedWords matches JavaScript's reserved and legacy-reserved words
// plus a small set of additional identifiers ("eval", "arguments", "let",
// "async", "await", "get", "set") that are unsafe to emit as bare `const`
// bindings in every context this translator's output may run in, and "mod",
// the name of the emitted module's own `const mod` binding.
var reservedWords = map[string]bool{}

func init() {
	for _, w := range []string{
		"abstract", "arguments", "async", "await", "boolean", "break", "byte",
		"case", "catch", "char", "class", "const", "continue", "debugger",
		"default", "delete", "do", "double", "else", "enum", "eval", "export",
		"extends", "false", "final", "finally", "float", "for", "function",
		"get", "goto", "if", "implements", "import", "in", "instanceof", "int",
		"interface", "let", "long", "mod", "native", "new", "null", "package",
		"private", "protected", "public", "return", "set", "short", "static",
		"super", "switch", "synchronized", "this", "throw", "throws",
		"transient", "true", "try", "typeof", "var", "void", "volatile",
		"while", "with", "yield",
	} {
		reservedWords[w] = true
	}
}

// sortedSet is a deduplicating string set with deterministic sorted
// iteration, matching the translator's requirement that output is emitted
// in sorted export order regardless of discovery order.
type sortedSet struct {
	mu sync.Mutex
	m  map[string]bool
}

func newSortedSet() *sortedSet { return &sortedSet{m: map[string]bool{}} }

func (s *sortedSet) add(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[v] = true
}

func (s *sortedSet) sorted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.m))
	for v := range s.m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
