// Package store opens the durable key-value store backing the registry
// cache. sqlite suits a single machine; rqlite and postgres let several
// processes share one warm cache.
package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	rqlitehttp "github.com/rqlite/rqlite-go-http"

	"github.com/a-h/kv"
	"github.com/a-h/kv/postgreskv"
	"github.com/a-h/kv/rqlitekv"
	"github.com/a-h/kv/sqlitekv"
	"github.com/jackc/pgx/v5/pgxpool"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// New opens and initializes a store of the given kind ("sqlite", "rqlite"
// or "postgres") at dsn.
func New(ctx context.Context, kind, dsn string) (store kv.Store, closer func() error, err error) {
	switch kind {
	case "sqlite":
		store, closer, err = openSqlite(dsn)
	case "rqlite":
		store, closer, err = openRqlite(dsn)
	case "postgres":
		store, closer, err = openPostgres(ctx, dsn)
	default:
		return nil, nil, fmt.Errorf("unsupported store type: %s", kind)
	}
	if err != nil {
		return nil, nil, err
	}
	if err = store.Init(ctx); err != nil {
		_ = closer()
		return nil, nil, fmt.Errorf("failed to initialize %s store: %w", kind, err)
	}
	return store, closer, nil
}

func openSqlite(dsn string) (store kv.Store, closer func() error, err error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, nil, err
	}
	flags := sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenURI
	// WAL journaling is opt-in via the DSN; it misbehaves on container
	// volumes, so it is not the default.
	if strings.EqualFold(u.Query().Get("_journal_mode"), "wal") {
		flags |= sqlite.OpenWAL
	}
	pool, err := sqlitex.NewPool(dsn, sqlitex.PoolOptions{Flags: flags})
	if err != nil {
		return nil, nil, err
	}
	return sqlitekv.NewStore(pool), pool.Close, nil
}

func openRqlite(dsn string) (store kv.Store, closer func() error, err error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, nil, err
	}
	client := rqlitehttp.NewClient(dsn, nil)
	if u.User != nil {
		password, _ := u.User.Password()
		client.SetBasicAuth(u.User.Username(), password)
	}
	return rqlitekv.NewStore(client), func() error { return nil }, nil
}

func openPostgres(ctx context.Context, dsn string) (store kv.Store, closer func() error, err error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	closer = func() error {
		pool.Close()
		return nil
	}
	return postgreskv.NewStore(pool), closer, nil
}
