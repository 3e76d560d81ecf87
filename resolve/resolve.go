// Package resolve computes a nesting-aware ResolutionSnapshot from a set of
// top-level PackageReq values, following npm's "reuse the newest
// already-chosen compatible version, otherwise add a sibling version" rule
// via a flat two-phase breadth-first walk over the registry.
package resolve

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/a-h/npmcore/metrics"
	"github.com/a-h/npmcore/model"
	"github.com/a-h/npmcore/npmerr"
)

// PackageInfoSource fetches registry metadata for a package name.
// registry.Client satisfies this.
type PackageInfoSource interface {
	PackageInfo(ctx context.Context, name string) (model.PackageInfo, error)
}

// versionEnsurer is implemented by sources that can force a single reload of
// a package's metadata when a resolution needs a version missing from the
// memoized PackageInfo (registry.Client.EnsureVersion implements this for
// the registry's stale-cache retry).
type versionEnsurer interface {
	EnsureVersion(ctx context.Context, name, versionReq string) (model.PackageInfo, error)
}

// Engine builds and republishes a ResolutionSnapshot. Writers (AddPackageReqs)
// serialize on a single async permit; readers (Snapshot) take a read lock on
// the currently published snapshot and never observe a partial update.
type Engine struct {
	source PackageInfoSource

	// Metrics records resolution failures by kind. Safe to leave at its zero
	// value (every Record call on a zero-value Metrics is a no-op).
	Metrics metrics.Metrics

	writeSem *semaphore.Weighted

	mu       sync.RWMutex
	snapshot model.ResolutionSnapshot
}

// New creates an Engine sourcing metadata from source, starting from an
// empty snapshot.
func New(source PackageInfoSource) *Engine {
	return &Engine{
		source:   source,
		writeSem: semaphore.NewWeighted(1),
		snapshot: model.NewResolutionSnapshot(),
	}
}

// Snapshot returns the currently published snapshot. Safe to call
// concurrently with AddPackageReqs; always observes a complete snapshot.
func (e *Engine) Snapshot() model.ResolutionSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// AddPackageReqs extends the resolution with reqs, publishing the updated
// snapshot atomically once the whole walk completes. Concurrent calls
// serialize on the write permit; a failed call leaves the previously
// published snapshot untouched.
func (e *Engine) AddPackageReqs(ctx context.Context, reqs []model.PackageReq) error {
	if err := e.writeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.writeSem.Release(1)

	working := cloneSnapshot(e.Snapshot())

	if err := e.resolve(ctx, &working, reqs); err != nil {
		e.Metrics.RecordResolutionError(ctx, npmerr.Kind(err))
		return err
	}

	e.mu.Lock()
	e.snapshot = working
	e.mu.Unlock()
	return nil
}

type pendingNode struct {
	id   model.PackageId
	deps map[string]string // bare specifier -> raw req (possibly an alias)
}

// resolve runs the two-phase BFS against working in place.
func (e *Engine) resolve(ctx context.Context, working *model.ResolutionSnapshot, reqs []model.PackageReq) error {
	sorted := append([]model.PackageReq(nil), reqs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var queue []pendingNode

	// Phase 1: top level.
	for _, req := range sorted {
		if _, done := working.TopLevel[req]; done {
			continue
		}

		if id, ok := bestExisting(working, req.Name, req.VersionReq); ok {
			working.TopLevel[req] = id
			continue
		}

		id, dist, deps, err := e.fetchBest(ctx, req.Name, req.VersionReq, "")
		if err != nil {
			return err
		}

		working.TopLevel[req] = id
		addToByName(working, id)
		working.Packages[id] = model.ResolvedPackage{
			ID:           id,
			Dist:         dist,
			Dependencies: make(map[string]model.PackageId),
		}
		queue = append(queue, pendingNode{id: id, deps: deps})
	}

	// Phase 2: BFS across dependencies.
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		specifiers := make([]string, 0, len(node.deps))
		for spec := range node.deps {
			specifiers = append(specifiers, spec)
		}
		sort.Strings(specifiers)

		for _, bareSpec := range specifiers {
			raw := node.deps[bareSpec]

			name, rangeStr, err := model.ParseAlias(bareSpec, raw)
			if err != nil {
				return &npmerr.BadAliasForm{Raw: raw}
			}

			childID, ok := bestExisting(working, name, rangeStr)
			if !ok {
				var dist model.DistInfo
				var deps map[string]string
				childID, dist, deps, err = e.fetchBest(ctx, name, rangeStr, node.id.String())
				if err != nil {
					return err
				}
				addToByName(working, childID)
				working.Packages[childID] = model.ResolvedPackage{
					ID:           childID,
					Dist:         dist,
					Dependencies: make(map[string]model.PackageId),
				}
				queue = append(queue, pendingNode{id: childID, deps: deps})
			}

			parent := working.Packages[node.id]
			parent.Dependencies[bareSpec] = childID
			working.Packages[node.id] = parent
		}
	}

	return nil
}

// fetchBest fetches name's PackageInfo, picks the highest version satisfying
// rangeStr, and returns its identity, dist info, and raw dependency map. When
// no memoized version satisfies rangeStr and the source supports it, this
// forces a single reload via versionEnsurer before giving up, since the registry
// may have published a matching version after this process first memoized
// the package (the stale-cache retry).
func (e *Engine) fetchBest(ctx context.Context, name, rangeStr, parent string) (id model.PackageId, dist model.DistInfo, deps map[string]string, err error) {
	info, err := e.source.PackageInfo(ctx, name)
	if err != nil {
		return model.PackageId{}, model.DistInfo{}, nil, err
	}

	best, ok, err := info.BestMatch(rangeStr)
	if err != nil {
		return model.PackageId{}, model.DistInfo{}, nil, &npmerr.BadVersionReq{Raw: rangeStr, Context: name, Err: err}
	}

	if !ok {
		if ensurer, supportsRetry := e.source.(versionEnsurer); supportsRetry {
			info, err = ensurer.EnsureVersion(ctx, name, rangeStr)
			if err != nil {
				return model.PackageId{}, model.DistInfo{}, nil, err
			}
			best, ok, err = info.BestMatch(rangeStr)
			if err != nil {
				return model.PackageId{}, model.DistInfo{}, nil, &npmerr.BadVersionReq{Raw: rangeStr, Context: name, Err: err}
			}
		}
	}
	if !ok {
		return model.PackageId{}, model.DistInfo{}, nil, &npmerr.VersionNotFound{Name: name, Req: rangeStr, Parent: parent}
	}

	id = model.PackageId{Name: name, Version: best.Version}
	return id, best.Dist, best.Dependencies, nil
}

// bestExisting reports the currently-chosen version of name, if any,
// satisfying rangeStr, implementing the hoist-to-existing-match rule. When
// several sibling versions already chosen for name satisfy rangeStr, the
// newest one is reused.
func bestExisting(working *model.ResolutionSnapshot, name, rangeStr string) (model.PackageId, bool) {
	versions := working.ByName[name]
	for i := len(versions) - 1; i >= 0; i-- {
		ok, err := model.VersionSatisfies(versions[i], rangeStr)
		if err == nil && ok {
			return model.PackageId{Name: name, Version: versions[i]}, true
		}
	}
	return model.PackageId{}, false
}

// addToByName inserts id.Version into working.ByName[id.Name], keeping the
// slice sorted ascending.
func addToByName(working *model.ResolutionSnapshot, id model.PackageId) {
	versions := working.ByName[id.Name]
	idx := sort.Search(len(versions), func(i int) bool {
		return model.Compare(model.PackageId{Name: id.Name, Version: versions[i]}, id) >= 0
	})
	versions = append(versions, "")
	copy(versions[idx+1:], versions[idx:])
	versions[idx] = id.Version
	working.ByName[id.Name] = versions
}

// cloneSnapshot deep-copies a snapshot so AddPackageReqs can mutate a
// working copy without readers of the published snapshot ever observing a
// partial update.
func cloneSnapshot(s model.ResolutionSnapshot) model.ResolutionSnapshot {
	out := model.NewResolutionSnapshot()
	for k, v := range s.TopLevel {
		out.TopLevel[k] = v
	}
	for k, v := range s.ByName {
		out.ByName[k] = append([]string(nil), v...)
	}
	for k, v := range s.Packages {
		deps := make(map[string]model.PackageId, len(v.Dependencies))
		for dk, dv := range v.Dependencies {
			deps[dk] = dv
		}
		out.Packages[k] = model.ResolvedPackage{ID: v.ID, Dist: v.Dist, Dependencies: deps}
	}
	return out
}
