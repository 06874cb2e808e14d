package logstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"

	"github.com/harrybrwn/plc/internal/cid"
	"github.com/harrybrwn/plc/plc"
)

// Append adds op to the end of did's log. The operation must extend the
// current tip: a stale prev, or a create for an existing DID, fails with
// *plc.PrecursorMismatchError. When two writers race on the same tip exactly
// one wins. Appends through one Store are published in seq order.
func (s *Store) Append(ctx context.Context, did string, op plc.Operation) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.append(ctx, did, op)
	if err != nil {
		rejectedOps.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}
	appendedOps.WithLabelValues(string(op.Kind())).Inc()
	s.logger.Debug("appended operation",
		"did", did,
		"type", op.Kind(),
		"cid", entry.CID.String(),
		"seq", entry.Seq)
	if s.pub != nil {
		if err = s.pub.Pub(ctx, entry); err != nil {
			s.logger.Warn("failed to publish operation", "did", did, "error", err)
		}
	}
	return entry, nil
}

func (s *Store) append(ctx context.Context, did string, op plc.Operation) (*Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, pkgerrors.WithStack(err)
	}
	defer tx.Rollback()

	current, err := s.entries(ctx, tx, did)
	if err != nil {
		return nil, err
	}
	tip, err := plc.VerifyNext(operations(current), did, op, s.policy)
	if err != nil {
		return nil, err
	}
	raw, err := plc.EncodeOperation(op)
	if err != nil {
		return nil, err
	}
	entry := Entry{
		DID:       did,
		Index:     tip.Len - 1,
		Operation: op,
		CID:       cid.Cid(tip.CID),
		CreatedAt: s.now().UTC(),
	}
	ib := s.flavor.NewInsertBuilder()
	ib.InsertInto("operation").
		Cols("did", "seq", "cid", "type", "operation", "created_at").
		Values(did, entry.Index, entry.CID.String(), string(op.Kind()), raw, entry.CreatedAt.UnixMilli())
	query, args := ib.Build()
	err = tx.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&entry.Seq)
	if err != nil {
		return nil, mapInsertErr(err, did, op)
	}
	if err = tx.Commit(); err != nil {
		return nil, mapInsertErr(err, did, op)
	}
	return &entry, nil
}

func mapInsertErr(err error, did string, op plc.Operation) error {
	if isUniqueViolation(err) {
		return &plc.PrecursorMismatchError{DID: did, Got: op.PrevCID()}
	}
	return pkgerrors.Wrap(err, "failed to append operation")
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

func rejectReason(err error) string {
	var (
		mismatch *plc.PrecursorMismatchError
		invalid  *plc.ValidationError
		empty    *plc.EmptyLogError
		broken   *plc.BrokenChainError
	)
	switch {
	case errors.As(err, &mismatch):
		return "precursor_mismatch"
	case errors.As(err, &invalid):
		return "invalid"
	case errors.As(err, &empty):
		return "empty_log"
	case errors.As(err, &broken):
		return "broken_chain"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, sql.ErrTxDone):
		return "tx_done"
	default:
		return "internal"
	}
}
