package logstore

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/harrybrwn/plc/internal/cid"
	"github.com/harrybrwn/plc/plc"
)

// Entry is one stored operation.
type Entry struct {
	// Seq orders entries across every DID. It is the cursor for exports.
	Seq int64  `json:"seq"`
	DID string `json:"did"`
	// Index is the operation's position in its DID's log.
	Index     int           `json:"index"`
	Operation plc.Operation `json:"operation"`
	CID       cid.Cid       `json:"cid"`
	CreatedAt time.Time     `json:"createdAt"`
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	type entry Entry
	var raw struct {
		entry
		Operation json.RawMessage `json:"operation"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.WithStack(err)
	}
	op, err := plc.ParseOperationJSON(raw.Operation)
	if err != nil {
		return err
	}
	*e = Entry(raw.entry)
	e.Operation = op
	return nil
}
