package byonm

import (
	"context"
	"testing"

	"github.com/a-h/npmcore/model"
)

type memFS struct {
	files map[string]string
	dirs  map[string]bool
}

func newMemFS() *memFS { return &memFS{files: map[string]string{}, dirs: map[string]bool{}} }

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

func TestResolvePackageFolderWalksAncestors(t *testing.T) {
	fs := newMemFS()
	fs.dirs["/app/node_modules/lodash"] = true
	fs.files["/app/node_modules/lodash/package.json"] = `{"name":"lodash"}`

	r := &Resolver{FS: fs, RootNodeModulesDir: "/app/node_modules"}
	folder, err := r.ResolvePackageFolder(context.Background(), "lodash", "/app/packages/nested")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if folder != "/app/node_modules/lodash" {
		t.Fatalf("got %q", folder)
	}
}

func TestResolvePackageFolderTypesFallback(t *testing.T) {
	fs := newMemFS()
	fs.dirs["/app/node_modules/@types/lodash"] = true

	r := &Resolver{FS: fs, RootNodeModulesDir: "/app/node_modules", Mode: ModeTypes}
	folder, err := r.ResolvePackageFolder(context.Background(), "lodash", "/app")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if folder != "/app/node_modules/@types/lodash" {
		t.Fatalf("got %q", folder)
	}
}

func TestResolvePackageFolderNotFound(t *testing.T) {
	fs := newMemFS()
	r := &Resolver{FS: fs, RootNodeModulesDir: "/app/node_modules"}
	_, err := r.ResolvePackageFolder(context.Background(), "missing", "/app")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestReferrerPackageFolderInsideNodeModules(t *testing.T) {
	fs := newMemFS()
	r := &Resolver{FS: fs}
	folder, ok, err := r.ReferrerPackageFolder("/app/node_modules/lodash/lib/index.js")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected ok")
	}
	if folder != "/app/node_modules/lodash" {
		t.Fatalf("got %q", folder)
	}
}

func TestReferrerPackageFolderOutsideNodeModules(t *testing.T) {
	fs := newMemFS()
	fs.files["/app/package.json"] = `{"name":"app"}`
	r := &Resolver{FS: fs}
	folder, ok, err := r.ReferrerPackageFolder("/app/src/index.js")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected ok")
	}
	if folder != "/app" {
		t.Fatalf("got %q", folder)
	}
}

func TestResolvePackageReqMatchesAncestorPackageJSON(t *testing.T) {
	fs := newMemFS()
	fs.files["/app/packages/nested/package.json"] = `{"name":"nested","dependencies":{"chalk":"^5.0.0"}}`

	r := &Resolver{FS: fs, RootNodeModulesDir: "/app/node_modules"}
	req := model.PackageReq{Name: "chalk", VersionReq: "^5.1.0"}
	folder, err := r.ResolvePackageReq(req, "/app/packages/nested/index.js")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "/app/packages/nested/node_modules/chalk"
	if folder != want {
		t.Fatalf("got %q, want %q", folder, want)
	}
}

func TestResolvePackageReqMatchesAlias(t *testing.T) {
	fs := newMemFS()
	fs.files["/app/package.json"] = `{"name":"app","dependencies":{"renamed":"npm:real-pkg@^2.0.0"}}`

	r := &Resolver{FS: fs, RootNodeModulesDir: "/app/node_modules"}
	req := model.PackageReq{Name: "real-pkg", VersionReq: "^2.0.0"}
	folder, err := r.ResolvePackageReq(req, "/app/src/index.js")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "/app/node_modules/renamed"
	if folder != want {
		t.Fatalf("got %q, want %q", folder, want)
	}
}

func TestResolvePackageReqFallsBackToProjectRoot(t *testing.T) {
	fs := newMemFS()
	fs.files["/app/package.json"] = `{"name":"app","dependencies":{"chalk":"^5.0.0"}}`

	r := &Resolver{FS: fs, RootNodeModulesDir: "/app/node_modules"}
	req := model.PackageReq{Name: "chalk", VersionReq: "^5.0.0"}
	// /external has no ancestor package.json of its own, so resolution must
	// fall back to the project root package.json beside RootNodeModulesDir.
	folder, err := r.ResolvePackageReq(req, "/external/index.js")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "/app/node_modules/chalk"
	if folder != want {
		t.Fatalf("got %q, want %q", folder, want)
	}
}

func TestResolvePackageReqNoMatchingDependency(t *testing.T) {
	fs := newMemFS()
	fs.files["/app/package.json"] = `{"name":"app","dependencies":{"chalk":"^4.0.0"}}`

	r := &Resolver{FS: fs, RootNodeModulesDir: "/app/node_modules"}
	req := model.PackageReq{Name: "chalk", VersionReq: "^5.0.0"}
	_, err := r.ResolvePackageReq(req, "/app/src/index.js")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestTypesPackageName(t *testing.T) {
	if got := typesPackageName("lodash"); got != "@types/lodash" {
		t.Fatalf("got %q", got)
	}
	if got := typesPackageName("@scope/foo"); got != "@types/scope__foo" {
		t.Fatalf("got %q", got)
	}
}
