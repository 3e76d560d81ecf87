package noderesolve

import (
	"context"
	"testing"
)

// memFS is an in-memory FS fixture keyed by cleaned path.
type memFS struct {
	files map[string]string
	dirs  map[string]bool
}

func newMemFS() *memFS {
	return &memFS{files: map[string]string{}, dirs: map[string]bool{}}
}

func (m *memFS) Stat(p string) (isDir bool, exists bool, err error) {
	if m.dirs[p] {
		return true, true, nil
	}
	if _, ok := m.files[p]; ok {
		return false, true, nil
	}
	return false, false, nil
}

func (m *memFS) ReadFile(p string) ([]byte, error) {
	content, ok := m.files[p]
	if !ok {
		return nil, &notFoundErr{p}
	}
	return []byte(content), nil
}

type notFoundErr struct{ path string }

func (e *notFoundErr) Error() string { return "not found: " + e.path }

// flatLocator resolves every bare package name to a fixed folder under a
// single root, mimicking a flattened node_modules without needing a full
// cache/BYONM implementation in this test.
type flatLocator struct {
	root            string
	referrerFolders map[string]string // referrer path -> owning package folder
}

func (l *flatLocator) ReferrerPackageFolder(referrer string) (string, bool, error) {
	folder, ok := l.referrerFolders[referrer]
	return folder, ok, nil
}

func (l *flatLocator) ResolvePackageFolder(ctx context.Context, name, referrerFolder string) (string, error) {
	return l.root + "/" + name, nil
}

func TestRelativeResolutionProbesExtension(t *testing.T) {
	fs := newMemFS()
	fs.files["/pkg/a.js"] = "module.exports = {};"
	fs.files["/pkg/b.js"] = "require('./a');"

	r := New(fs, &flatLocator{}, nil)
	got, err := r.Resolve(context.Background(), "./a", "/pkg/b.js")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/pkg/a.js" {
		t.Fatalf("got %q, want /pkg/a.js", got)
	}
}

func TestExportsPatternSubstitution(t *testing.T) {
	fs := newMemFS()
	fs.files["/node_modules/@scope/pkg/package.json"] = `{
		"name": "@scope/pkg",
		"exports": { "./feat/*": { "require": "./src/feat/*.js" } }
	}`
	fs.files["/node_modules/@scope/pkg/src/feat/x.js"] = "module.exports = 1;"

	locator := &flatLocator{
		root:            "/node_modules",
		referrerFolders: map[string]string{"/app/index.js": "/app"},
	}
	r := New(fs, locator, []string{"require", "default"})
	got, err := r.Resolve(context.Background(), "@scope/pkg/feat/x", "/app/index.js")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "/node_modules/@scope/pkg/src/feat/x.js"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// TestExportsPatternSpecificity asserts that when both "./feat/*" and
// "./feat/x/*" match "./feat/x/y", the longer-prefix key wins.
func TestExportsPatternSpecificity(t *testing.T) {
	exports := []byte(`{
		"./feat/*": "./generic/*.js",
		"./feat/x/*": "./specific/*.js"
	}`)
	target, err := resolveExports(exports, "./feat/x/y", []string{"default"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target != "./specific/y.js" {
		t.Fatalf("got %q, want ./specific/y.js (most specific prefix should win)", target)
	}

	exportsWithCond := []byte(`{
		"./feat/*": {"default": "./generic/*.js"},
		"./feat/x/*": {"default": "./specific/*.js"}
	}`)
	target, err = resolveExports(exportsWithCond, "./feat/x/y", []string{"default"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target != "./specific/y.js" {
		t.Fatalf("got %q, want ./specific/y.js (most specific prefix should win)", target)
	}
}

// TestConditionOrdering asserts conditions ["deno","require","default"]
// against {require:"a", default:"b"} yield "a".
func TestConditionOrdering(t *testing.T) {
	raw := []byte(`{"require": "a", "default": "b"}`)
	got, err := resolveConditions(raw, []string{"deno", "require", "default"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "a" {
		t.Fatalf("got %q, want %q", got, "a")
	}
}

func TestParseBareSpecifier(t *testing.T) {
	cases := []struct {
		in         string
		name, sub  string
	}{
		{"lodash", "lodash", "."},
		{"lodash/fp", "lodash", "./fp"},
		{"@scope/pkg", "@scope/pkg", "."},
		{"@scope/pkg/sub", "@scope/pkg", "./sub"},
	}
	for _, tc := range cases {
		name, sub, err := parseBareSpecifier(tc.in)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.in, err)
		}
		if name != tc.name || sub != tc.sub {
			t.Fatalf("%q: got (%q, %q), want (%q, %q)", tc.in, name, sub, tc.name, tc.sub)
		}
	}
}

// TestReferrerPackageJSONRecordsModuleType asserts the "type" field of the
// referrer's package.json is surfaced, so callers can tell a
// "type":"module" package apart from a CommonJS-default one.
func TestReferrerPackageJSONRecordsModuleType(t *testing.T) {
	fs := newMemFS()
	fs.files["/node_modules/esm-pkg/package.json"] = `{"name":"esm-pkg","version":"1.0.0","type":"module"}`
	fs.files["/node_modules/cjs-pkg/package.json"] = `{"name":"cjs-pkg","version":"1.0.0"}`

	locator := &flatLocator{
		root: "/node_modules",
		referrerFolders: map[string]string{
			"/node_modules/esm-pkg/index.js": "/node_modules/esm-pkg",
			"/node_modules/cjs-pkg/index.js": "/node_modules/cjs-pkg",
		},
	}
	r := New(fs, locator, nil)

	pj, ok, err := r.ReferrerPackageJSON("/node_modules/esm-pkg/index.js")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected an owning package")
	}
	if pj.Type != "module" || !pj.ESMByDefault() {
		t.Fatalf("expected type module, got %+v", pj)
	}

	pj, ok, err = r.ReferrerPackageJSON("/node_modules/cjs-pkg/index.js")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected an owning package")
	}
	if pj.ESMByDefault() {
		t.Fatalf("package without a type field must default to CommonJS, got %+v", pj)
	}

	if _, ok, err := r.ReferrerPackageJSON("/elsewhere/index.js"); err != nil || ok {
		t.Fatalf("expected no owning package, got ok=%v err=%v", ok, err)
	}
}

func TestResolveAbsoluteSpecifierRejected(t *testing.T) {
	r := New(newMemFS(), &flatLocator{}, nil)
	_, err := r.Resolve(context.Background(), "/etc/passwd", "/pkg/a.js")
	if err == nil {
		t.Fatal("expected error for absolute specifier")
	}
}
