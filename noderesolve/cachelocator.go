package noderesolve

import (
	"context"
	"fmt"

	"github.com/a-h/npmcore/cache"
	"github.com/a-h/npmcore/model"
)

// CacheLocator implements PackageLocator over a populated package cache and
// resolution snapshot: the referrer's package is found by mapping its file
// path back through the cache root, and a dependency's package is found by
// walking the snapshot's dependency edges for the referrer's PackageId.
type CacheLocator struct {
	Cache    *cache.Cache
	Snapshot model.ResolutionSnapshot
}

var _ PackageLocator = (*CacheLocator)(nil)

func (l *CacheLocator) ReferrerPackageFolder(referrer string) (string, bool, error) {
	id, err := l.Cache.GetPackageFromSpecifier(referrer)
	if err != nil {
		return "", false, nil
	}
	return l.Cache.PackageFolder(id), true, nil
}

func (l *CacheLocator) ResolvePackageFolder(ctx context.Context, name, referrerFolder string) (string, error) {
	referrerID, err := l.Cache.GetPackageFromSpecifier(referrerFolder)
	if err != nil {
		return "", fmt.Errorf("referrer folder %q is not a cached package: %w", referrerFolder, err)
	}
	resolved, ok := l.Snapshot.Packages[referrerID]
	if !ok {
		return "", fmt.Errorf("package %s is not present in the resolution snapshot", referrerID)
	}
	childID, ok := resolved.Dependencies[name]
	if !ok {
		return "", fmt.Errorf("package %s declares no dependency on %q", referrerID, name)
	}
	return l.Cache.PackageFolder(childID), nil
}
