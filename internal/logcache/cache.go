// Package logcache keeps fetched operation logs in a local sqlite database.
package logcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/harrybrwn/plc/plc"
)

// ErrMiss is returned for DIDs with no cached log.
var ErrMiss = errors.New("logcache: not cached")

type Result struct {
	Log       plc.Log
	DID       string
	UpdatedAt time.Time
	Stale     bool
	Expired   bool
}

type LogCache struct {
	db       *sql.DB
	staleTTL time.Duration
	maxTTL   time.Duration
	now      func() time.Time
}

func Open(location string, staleTTL, maxTTL time.Duration) (*LogCache, error) {
	db, err := sql.Open("sqlite3", location)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	db.SetMaxOpenConns(1)
	cache := LogCache{
		db:       db,
		staleTTL: staleTTL,
		maxTTL:   maxTTL,
		now:      time.Now,
	}
	if err := cache.initializeSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return &cache, nil
}

func (cache *LogCache) initializeSchema() error {
	_, err := cache.db.Exec(`
CREATE TABLE IF NOT EXISTS "plc_log" (
	"did"        VARCHAR PRIMARY KEY,
	"log"        TEXT    NOT NULL,
	"tip"        VARCHAR NOT NULL,
	"updated_at" BIGINT  NOT NULL
);`)
	return errors.WithStack(err)
}

// Put replaces the cached log of did.
func (cache *LogCache) Put(ctx context.Context, did string, log plc.Log) error {
	if len(log) == 0 {
		return &plc.EmptyLogError{DID: did}
	}
	raw, err := json.Marshal(log)
	if err != nil {
		return errors.WithStack(err)
	}
	tip, err := plc.CIDForOperation(log.Last())
	if err != nil {
		return err
	}
	_, err = cache.db.ExecContext(ctx, `
		INSERT INTO plc_log (did, log, tip, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(did) DO UPDATE SET
			log = excluded.log,
			tip = excluded.tip,
			updated_at = excluded.updated_at`,
		did, string(raw), tip.String(), cache.now().UnixMilli())
	return errors.WithStack(err)
}

func (cache *LogCache) Get(ctx context.Context, did string) (*Result, error) {
	var (
		raw       string
		updatedAt int64
	)
	err := cache.db.QueryRowContext(ctx,
		`SELECT log, updated_at FROM plc_log WHERE did = ?`, did).
		Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	res := Result{DID: did, UpdatedAt: time.UnixMilli(updatedAt)}
	if err = json.Unmarshal([]byte(raw), &res.Log); err != nil {
		return nil, errors.Wrap(err, "corrupt cache entry")
	}
	now := cache.now().UnixMilli()
	res.Stale = now > updatedAt+cache.staleTTL.Milliseconds()
	res.Expired = now > updatedAt+cache.maxTTL.Milliseconds()
	return &res, nil
}

// Len returns the number of cached logs.
func (cache *LogCache) Len(ctx context.Context) (int, error) {
	var n int
	err := cache.db.QueryRowContext(ctx, `SELECT count(*) FROM plc_log`).Scan(&n)
	return n, errors.WithStack(err)
}

func (cache *LogCache) ClearEntry(ctx context.Context, did string) error {
	_, err := cache.db.ExecContext(ctx, `DELETE FROM plc_log WHERE did = ?`, did)
	return errors.WithStack(err)
}

func (cache *LogCache) Clear(ctx context.Context) error {
	_, err := cache.db.ExecContext(ctx, `DELETE FROM plc_log`)
	return errors.WithStack(err)
}

func (cache *LogCache) Close() error { return cache.db.Close() }
