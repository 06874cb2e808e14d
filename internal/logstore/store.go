// Package logstore persists did:plc operation logs in sqlite or postgres and
// enforces single-writer-per-tip when appending.
package logstore

import (
	"context"
	"database/sql"
	_ "embed"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/huandu/go-sqlbuilder"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/harrybrwn/plc/plc"
	"github.com/harrybrwn/plc/pubsub"
)

var (
	//go:embed sqlite.sql
	sqliteMigration []byte
	//go:embed postgres.sql
	postgresMigration []byte
)

type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

func (d Dialect) flavor() sqlbuilder.Flavor {
	if d == Postgres {
		return sqlbuilder.PostgreSQL
	}
	return sqlbuilder.SQLite
}

// ParseDSN picks the sql driver for a data source name. postgres:// and
// postgresql:// urls go to postgres, everything else is a sqlite path with an
// optional sqlite:// prefix.
func ParseDSN(dsn string) (Dialect, string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return Postgres, dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return SQLite, strings.TrimPrefix(dsn, "sqlite://")
	default:
		return SQLite, dsn
	}
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	flavor  sqlbuilder.Flavor
	policy  plc.Policy
	pub     pubsub.Pub[*Entry]
	logger  *slog.Logger
	now     func() time.Time
	// held from insert through publish so live entries go out in seq order
	mu      sync.Mutex
}

type Option func(*Store)

// WithPolicy sets the policy used to authorize appended operations.
func WithPolicy(p plc.Policy) Option { return func(s *Store) { s.policy = p } }

// WithPublisher publishes every appended entry.
func WithPublisher(p pubsub.Pub[*Entry]) Option { return func(s *Store) { s.pub = p } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// Open connects to the database named by dsn, see [ParseDSN].
func Open(dsn string, opts ...Option) (*Store, error) {
	dialect, source := ParseDSN(dsn)
	db, err := sql.Open(string(dialect), source)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open log database")
	}
	return New(db, dialect, opts...), nil
}

func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	if dialect == SQLite {
		// sqlite allows a single writer, and every connection to :memory: is
		// a different database
		db.SetMaxOpenConns(1)
	}
	s := Store{
		db:      db,
		dialect: dialect,
		flavor:  dialect.flavor(),
		policy:  plc.DefaultPolicy,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(&s)
	}
	return &s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Ping(ctx context.Context) error {
	return errors.WithStack(s.db.PingContext(ctx))
}

func (s *Store) Migrate(ctx context.Context) error {
	migration := sqliteMigration
	if s.dialect == Postgres {
		migration = postgresMigration
	}
	_, err := s.db.ExecContext(ctx, string(migration))
	if err != nil {
		return errors.WithStack(err)
	}
	if s.dialect == SQLite {
		_, err = s.db.ExecContext(ctx, `PRAGMA journal_mode = WAL`)
	}
	return errors.WithStack(err)
}

var entryColumns = []string{"id", "did", "seq", "cid", "operation", "created_at"}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) query(ctx context.Context, q querier, sb *sqlbuilder.SelectBuilder) ([]*Entry, error) {
	query, args := sb.Build()
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	entries := make([]*Entry, 0)
	for rows.Next() {
		var (
			e         Entry
			raw       []byte
			createdAt int64
		)
		if err = rows.Scan(&e.Seq, &e.DID, &e.Index, &e.CID, &raw, &createdAt); err != nil {
			return nil, errors.WithStack(err)
		}
		e.Operation, err = plc.DecodeOperation(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode stored operation %s", e.CID)
		}
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, &e)
	}
	return entries, errors.WithStack(rows.Err())
}

func (s *Store) entries(ctx context.Context, q querier, did string) ([]*Entry, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select(entryColumns...).
		From("operation").
		Where(sb.Equal("did", did)).
		OrderBy("seq").Asc()
	return s.query(ctx, q, sb)
}

// Audit returns every stored entry of did's log in order.
func (s *Store) Audit(ctx context.Context, did string) ([]*Entry, error) {
	return s.entries(ctx, s.db, did)
}

// Log returns the operation log of did. A DID that was never created has an
// empty log.
func (s *Store) Log(ctx context.Context, did string) ([]plc.Operation, error) {
	entries, err := s.entries(ctx, s.db, did)
	if err != nil {
		return nil, err
	}
	return operations(entries), nil
}

// Last returns the tip entry of did's log.
func (s *Store) Last(ctx context.Context, did string) (*Entry, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select(entryColumns...).
		From("operation").
		Where(sb.Equal("did", did)).
		OrderBy("seq").Desc().
		Limit(1)
	entries, err := s.query(ctx, s.db, sb)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, &plc.EmptyLogError{DID: did}
	}
	return entries[0], nil
}

// Document reduces the stored log of did.
func (s *Store) Document(ctx context.Context, did string) (*plc.Document, error) {
	log, err := s.Log(ctx, did)
	if err != nil {
		return nil, err
	}
	if len(log) == 0 {
		return nil, &plc.EmptyLogError{DID: did}
	}
	return plc.Reduce(log)
}

// Export returns up to limit entries across all DIDs with a Seq greater than
// after.
//
// Seq order matches commit order only while a single Store writes. With several
// processes appending to one postgres database a lower seq can commit after a
// higher one has been read, and an after cursor taken in between skips it.
func (s *Store) Export(ctx context.Context, after int64, limit int) ([]*Entry, error) {
	sb := s.flavor.NewSelectBuilder()
	sb.Select(entryColumns...).
		From("operation").
		Where(sb.GreaterThan("id", after)).
		OrderBy("id").Asc().
		Limit(limit)
	return s.query(ctx, s.db, sb)
}

func operations(entries []*Entry) []plc.Operation {
	ops := make([]plc.Operation, len(entries))
	for i, e := range entries {
		ops[i] = e.Operation
	}
	return ops
}
