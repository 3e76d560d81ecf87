// Package registrycache persists PackageInfo and ResolutionSnapshot data in
// a durable key-value store (sqlite, rqlite, or postgres via github.com/a-h/kv),
// letting registry and resolution results survive across separate CLI runs
// instead of living only in the in-process memoization maps of registry.Client
// and resolve.Engine.
package registrycache

import (
	"context"
	"net/url"
	"path"

	"github.com/a-h/kv"

	"github.com/a-h/npmcore/model"
)

const (
	packageInfoPrefix = "/npm/package-info"
	snapshotKey       = "/npm/resolution-snapshot"
)

// Store wraps a kv.Store with the two record shapes this core persists.
type Store struct {
	kv kv.Store
}

// New wraps an already-initialized kv.Store (see store.New, which selects
// sqlite/rqlite/postgres by its kind argument).
func New(s kv.Store) *Store {
	return &Store{kv: s}
}

func packageInfoKey(name string) string {
	return path.Join(packageInfoPrefix, url.PathEscape(name))
}

// GetPackageInfo returns a previously cached PackageInfo for name, if any.
func (s *Store) GetPackageInfo(ctx context.Context, name string) (info model.PackageInfo, ok bool, err error) {
	_, ok, err = s.kv.Get(ctx, packageInfoKey(name), &info)
	if err != nil {
		return model.PackageInfo{}, false, err
	}
	return info, ok, nil
}

// PutPackageInfo persists info, overwriting any previous entry for its name
// unconditionally (revision -1 means "don't check, just overwrite", matching
// the registry's own last-writer-wins memoization policy).
func (s *Store) PutPackageInfo(ctx context.Context, info model.PackageInfo) error {
	return s.kv.Put(ctx, packageInfoKey(info.Name), -1, info)
}

// InvalidatePackageInfo removes name's cached entry, forcing the next read
// to miss and trigger a fresh registry fetch.
func (s *Store) InvalidatePackageInfo(ctx context.Context, name string) error {
	_, err := s.kv.Delete(ctx, packageInfoKey(name))
	return err
}

// wireSnapshot is the on-disk shape of a ResolutionSnapshot: the map types
// in model.ResolutionSnapshot use non-string keys (PackageReq, PackageId),
// which most kv serializers can't encode directly as JSON object keys, so
// this mirrors them as slices of explicit key/value records.
type wireSnapshot struct {
	TopLevel []wireTopLevelEntry     `json:"topLevel"`
	ByName   map[string][]string     `json:"byName"`
	Packages []model.ResolvedPackage `json:"packages"`
}

type wireTopLevelEntry struct {
	Req model.PackageReq `json:"req"`
	ID  model.PackageId  `json:"id"`
}

func toWire(s model.ResolutionSnapshot) wireSnapshot {
	w := wireSnapshot{ByName: s.ByName}
	for req, id := range s.TopLevel {
		w.TopLevel = append(w.TopLevel, wireTopLevelEntry{Req: req, ID: id})
	}
	for _, pkg := range s.Packages {
		w.Packages = append(w.Packages, pkg)
	}
	return w
}

func fromWire(w wireSnapshot) model.ResolutionSnapshot {
	s := model.NewResolutionSnapshot()
	for k, v := range w.ByName {
		s.ByName[k] = v
	}
	for _, entry := range w.TopLevel {
		s.TopLevel[entry.Req] = entry.ID
	}
	for _, pkg := range w.Packages {
		s.Packages[pkg.ID] = pkg
	}
	return s
}

// GetSnapshot returns the last persisted resolution snapshot, if any.
func (s *Store) GetSnapshot(ctx context.Context) (snap model.ResolutionSnapshot, ok bool, err error) {
	var w wireSnapshot
	_, ok, err = s.kv.Get(ctx, snapshotKey, &w)
	if err != nil {
		return model.ResolutionSnapshot{}, false, err
	}
	if !ok {
		return model.ResolutionSnapshot{}, false, nil
	}
	return fromWire(w), true, nil
}

// PutSnapshot persists snap, replacing any previously stored snapshot.
func (s *Store) PutSnapshot(ctx context.Context, snap model.ResolutionSnapshot) error {
	return s.kv.Put(ctx, snapshotKey, -1, toWire(snap))
}
