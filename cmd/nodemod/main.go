package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/a-h/npmcore/byonm"
	"github.com/a-h/npmcore/cache"
	"github.com/a-h/npmcore/cjsanalyze"
	"github.com/a-h/npmcore/cjsesm"
	"github.com/a-h/npmcore/cmd/globals"
	"github.com/a-h/npmcore/metrics"
	"github.com/a-h/npmcore/model"
	"github.com/a-h/npmcore/noderesolve"
	"github.com/a-h/npmcore/pkglock"
	"github.com/a-h/npmcore/registry"
	"github.com/a-h/npmcore/registrycache"
	"github.com/a-h/npmcore/resolve"
	"github.com/a-h/npmcore/storage"
	"github.com/a-h/npmcore/store"
)

type CLI struct {
	globals.Globals
	Resolve     ResolveCmd     `cmd:"" help:"Resolve package requirements to a flat dependency tree"`
	Fetch       FetchCmd       `cmd:"" help:"Resolve and download packages into the on-disk cache"`
	NodeResolve NodeResolveCmd `cmd:"" help:"Resolve a module specifier against a cached or BYONM tree" name:"node-resolve"`
	Translate   TranslateCmd   `cmd:"" help:"Translate a CommonJS module's known exports into a synthetic ES module"`
}

var Version = "dev"

func newLogger(g *globals.Globals) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if g.Verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// RegistryFlags are the flags shared by every subcommand that needs to talk
// to an npm-compatible registry and, optionally, persist what it learns in
// registrycache.
type RegistryFlags struct {
	Registry  string `help:"Registry base URL" default:"" env:"NODEMOD_REGISTRY"`
	StoreType string `help:"Choice of durable registry cache (sqlite, rqlite, postgres, or none)" default:"none" enum:"sqlite,rqlite,postgres,none" env:"NODEMOD_STORE_TYPE"`
	StoreURL  string `help:"Durable registry cache connection URL" default:"" env:"NODEMOD_STORE_URL"`
}

func (f *RegistryFlags) newSource(ctx context.Context, log *slog.Logger, m metrics.Metrics) (resolve.PackageInfoSource, func() error, error) {
	client := registry.New(log, f.Registry)
	client.Metrics = m
	if f.StoreType == "none" {
		return client, func() error { return nil }, nil
	}
	kvStore, closer, err := store.New(ctx, f.StoreType, f.StoreURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open registry cache store: %w", err)
	}
	return &cachedSource{client: client, cache: registrycache.New(kvStore), log: log}, closer, nil
}

// cachedSource serves PackageInfo from registrycache when present, falling
// back to the live registry and persisting what it fetches.
type cachedSource struct {
	client *registry.Client
	cache  *registrycache.Store
	log    *slog.Logger
}

func (s *cachedSource) PackageInfo(ctx context.Context, name string) (model.PackageInfo, error) {
	if info, ok, err := s.cache.GetPackageInfo(ctx, name); err == nil && ok {
		return info, nil
	}
	info, err := s.client.PackageInfo(ctx, name)
	if err != nil {
		return model.PackageInfo{}, err
	}
	if putErr := s.cache.PutPackageInfo(ctx, info); putErr != nil {
		s.log.Warn("failed to persist package info to registry cache", slog.String("package", name), slog.String("error", putErr.Error()))
	}
	return info, nil
}

// loadReqs reads package requirements either from explicit "name@range"
// arguments or from an npm package-lock.json file, matching depot's
// npm/cmd Save command's two input modes.
func loadReqs(ctx context.Context, packages []string, lockfile string) ([]model.PackageReq, error) {
	if lockfile != "" {
		f, err := os.Open(lockfile)
		if err != nil {
			return nil, fmt.Errorf("failed to open lockfile: %w", err)
		}
		defer f.Close()
		return pkglock.ParseToReqs(ctx, f)
	}
	reqs := make([]model.PackageReq, 0, len(packages))
	for _, p := range packages {
		req, err := model.ParsePackageReq(p)
		if err != nil {
			return nil, fmt.Errorf("failed to parse package requirement %q: %w", p, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func resolveSnapshot(ctx context.Context, log *slog.Logger, reg RegistryFlags, packages []string, lockfile string, m metrics.Metrics) (model.ResolutionSnapshot, error) {
	reqs, err := loadReqs(ctx, packages, lockfile)
	if err != nil {
		return model.ResolutionSnapshot{}, err
	}
	if len(reqs) == 0 {
		return model.ResolutionSnapshot{}, fmt.Errorf("no package requirements given: pass packages as arguments or --lockfile")
	}

	source, closer, err := reg.newSource(ctx, log, m)
	if err != nil {
		return model.ResolutionSnapshot{}, err
	}
	defer closer()

	engine := resolve.New(source)
	engine.Metrics = m
	if err := engine.AddPackageReqs(ctx, reqs); err != nil {
		return model.ResolutionSnapshot{}, err
	}
	return engine.Snapshot(), nil
}

// wireResolvedPackage is the JSON shape resolve/fetch print to stdout: a
// flattened, deterministically ordered view of a ResolutionSnapshot.
type wireResolvedPackage struct {
	ID           string            `json:"id"`
	TarballURL   string            `json:"tarballUrl"`
	Integrity    string            `json:"integrity"`
	Dependencies map[string]string `json:"dependencies"`
}

func printSnapshot(snap model.ResolutionSnapshot) error {
	ids := make([]model.PackageId, 0, len(snap.Packages))
	for id := range snap.Packages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return model.Compare(ids[i], ids[j]) < 0 })

	out := make([]wireResolvedPackage, 0, len(ids))
	for _, id := range ids {
		pkg := snap.Packages[id]
		deps := make(map[string]string, len(pkg.Dependencies))
		for name, depID := range pkg.Dependencies {
			deps[name] = depID.String()
		}
		out = append(out, wireResolvedPackage{
			ID:           id.String(),
			TarballURL:   pkg.Dist.TarballURL,
			Integrity:    pkg.Dist.Integrity,
			Dependencies: deps,
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

type ResolveCmd struct {
	Packages []string      `arg:"" optional:"" help:"Package requirements, e.g. chalk@^5.0.0"`
	Lockfile string        `help:"Read requirements from an npm package-lock.json instead of arguments"`
	Registry RegistryFlags `embed:""`
}

func (cmd *ResolveCmd) Run(g *globals.Globals) error {
	ctx := context.Background()
	log := newLogger(g)

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	snap, err := resolveSnapshot(ctx, log, cmd.Registry, cmd.Packages, cmd.Lockfile, m)
	if err != nil {
		return err
	}
	return printSnapshot(snap)
}

type FetchCmd struct {
	Packages      []string      `arg:"" optional:"" help:"Package requirements, e.g. chalk@^5.0.0"`
	Lockfile      string        `help:"Read requirements from an npm package-lock.json instead of arguments"`
	CacheDir      string        `help:"Package cache root directory" default:"" env:"NODEMOD_CACHE_DIR"`
	Registry      RegistryFlags `embed:""`
	BlobsBucket   string        `help:"S3 bucket to use as a shared tarball blob cache, ahead of the local cache directory" default:"" env:"NODEMOD_BLOBS_BUCKET"`
	BlobsPrefix   string        `help:"Key prefix within BlobsBucket" default:"" env:"NODEMOD_BLOBS_PREFIX"`
	BlobsRegion   string        `help:"AWS region for BlobsBucket" default:"" env:"NODEMOD_BLOBS_REGION"`
	BlobsEndpoint string        `help:"S3-compatible endpoint override for BlobsBucket" default:"" env:"NODEMOD_BLOBS_ENDPOINT"`
}

// newBlobsStorage constructs the optional S3-backed tarball blob cache when
// BlobsBucket is set, leaving cache.Cache.Blobs nil otherwise.
func (cmd *FetchCmd) newBlobsStorage(ctx context.Context) (storage.Storage, error) {
	if cmd.BlobsBucket == "" {
		return nil, nil
	}
	s3, err := storage.NewS3(ctx, storage.S3Config{
		Bucket:         cmd.BlobsBucket,
		Prefix:         cmd.BlobsPrefix,
		Region:         cmd.BlobsRegion,
		Endpoint:       cmd.BlobsEndpoint,
		ForcePathStyle: cmd.BlobsEndpoint != "",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 tarball blob cache: %w", err)
	}
	return s3, nil
}

func (cmd *FetchCmd) Run(g *globals.Globals) error {
	ctx := context.Background()
	log := newLogger(g)

	cacheDir := cmd.CacheDir
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		cacheDir = filepath.Join(home, ".nodemod-cache")
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	snap, err := resolveSnapshot(ctx, log, cmd.Registry, cmd.Packages, cmd.Lockfile, m)
	if err != nil {
		return err
	}

	blobs, err := cmd.newBlobsStorage(ctx)
	if err != nil {
		return err
	}

	c := cache.New(cacheDir)
	c.Blobs = blobs
	for id, pkg := range snap.Packages {
		folder, err := c.EnsurePackage(ctx, id, pkg.Dist)
		if err != nil {
			m.RecordCacheLookup(ctx, "error", 0)
			return fmt.Errorf("failed to fetch %s: %w", id, err)
		}
		m.RecordCacheLookup(ctx, "hit", 0)
		log.Info("fetched package", slog.String("package", id.String()), slog.String("folder", folder))
	}
	return printSnapshot(snap)
}

type NodeResolveCmd struct {
	Specifier  string        `arg:"" help:"Module specifier to resolve"`
	Referrer   string        `arg:"" help:"Absolute path of the file the specifier is imported from"`
	Lockfile   string        `help:"Read requirements from an npm package-lock.json to build the resolution snapshot"`
	Packages   []string      `help:"Package requirements, e.g. chalk@^5.0.0 (alternative to --lockfile)"`
	CacheDir   string        `help:"Package cache root directory" default:"" env:"NODEMOD_CACHE_DIR"`
	Byonm      bool          `help:"Resolve against an existing, externally managed node_modules tree instead of the package cache"`
	Types      bool          `help:"In --byonm mode, resolve @types/ packages instead of runtime packages"`
	NodeModules string       `help:"Root node_modules directory to resolve against in --byonm mode"`
	Conditions []string      `help:"Export condition names, in priority order" default:"deno,require,default"`
	Registry   RegistryFlags `embed:""`
}

func (cmd *NodeResolveCmd) Run(g *globals.Globals) error {
	ctx := context.Background()
	log := newLogger(g)

	var locator noderesolve.PackageLocator
	if cmd.Byonm {
		mode := byonm.ModeDefault
		if cmd.Types {
			mode = byonm.ModeTypes
		}
		byonmResolver := &byonm.Resolver{FS: noderesolve.OSFS{}, RootNodeModulesDir: cmd.NodeModules, Mode: mode}
		locator = byonmResolver

		if strings.HasPrefix(cmd.Specifier, "npm:") {
			req, err := model.ParsePackageReq(strings.TrimPrefix(cmd.Specifier, "npm:"))
			if err != nil {
				return fmt.Errorf("failed to parse npm: specifier %q: %w", cmd.Specifier, err)
			}
			folder, err := byonmResolver.ResolvePackageReq(req, cmd.Referrer)
			if err != nil {
				return err
			}
			fmt.Println(folder)
			return nil
		}
	} else {
		cacheDir := cmd.CacheDir
		if cacheDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to get user home directory: %w", err)
			}
			cacheDir = filepath.Join(home, ".nodemod-cache")
		}
		m, err := metrics.New()
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		snap, err := resolveSnapshot(ctx, log, cmd.Registry, cmd.Packages, cmd.Lockfile, m)
		if err != nil {
			return err
		}
		locator = &noderesolve.CacheLocator{Cache: cache.New(cacheDir), Snapshot: snap}
	}

	resolver := noderesolve.New(noderesolve.OSFS{}, locator, cmd.Conditions)
	resolved, err := resolver.Resolve(ctx, cmd.Specifier, cmd.Referrer)
	if err != nil {
		return err
	}
	fmt.Println(resolved)
	return nil
}

type TranslateCmd struct {
	Entry     string   `arg:"" help:"Specifier of the CommonJS entry module"`
	Exports   []string `help:"Statically known export names of the entry module"`
	Reexports []string `help:"Specifiers the entry module re-exports via require()"`
}

// fixedResolver resolves a reexport specifier starting with "." by joining it
// onto the directory of its referrer and returns any other specifier
// unchanged, standing in for noderesolve.Resolver when the
// caller has no on-disk package tree to resolve against (a standalone
// translate invocation, e.g. for testing the translator in isolation).
type fixedResolver struct{}

func (fixedResolver) Resolve(ctx context.Context, specifier, referrer string) (string, error) {
	if strings.HasPrefix(specifier, ".") {
		return filepath.Join(filepath.Dir(referrer), specifier), nil
	}
	return specifier, nil
}

func (cmd *TranslateCmd) Run(g *globals.Globals) error {
	ctx := context.Background()

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	analyzer := &cjsanalyze.StaticAnalyzer{Fixtures: map[string]cjsanalyze.Analysis{
		cmd.Entry: {
			Kind:      cjsanalyze.KindCjs,
			Exports:   cmd.Exports,
			Reexports: cmd.Reexports,
		},
	}}

	tr := cjsesm.New(analyzer, fixedResolver{})
	tr.Metrics = m
	out, err := tr.Translate(ctx, cmd.Entry, "")
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func main() {
	cli := CLI{Globals: globals.Globals{}}

	ctx := kong.Parse(&cli,
		kong.Name("nodemod"),
		kong.Description("Resolve, fetch, and translate npm packages without Node.js"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Vars{"version": Version},
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
