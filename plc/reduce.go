package plc

import (
	"fmt"

	"github.com/ipfs/go-cid"
)

// Document is the current state of a DID, derived by reducing its log.
type Document struct {
	DID         string `json:"did"`
	SigningKey  string `json:"signingKey"`
	RecoveryKey string `json:"recoveryKey"`
	Handle      string `json:"handle"`
	AtpPds      string `json:"atpPds"`
}

// Apply returns a copy of d with op's field update applied. Later operations
// always shadow earlier ones for the fields they touch.
func (d Document) Apply(op Operation) Document {
	op.apply(&d)
	return d
}

// Reduce folds a log into its document. The whole chain is checked before any
// operation is applied so a broken log never yields a partial document.
// Signatures are not checked, see [VerifyLog].
func Reduce(log []Operation) (*Document, error) {
	cids, err := checkChain(log)
	if err != nil {
		return nil, err
	}
	return reduce(log, cids)
}

func reduce(log []Operation, cids []cid.Cid) (*Document, error) {
	did, err := didForCID(cids[0])
	if err != nil {
		return nil, err
	}
	doc := Document{DID: did}
	for _, op := range log {
		op.apply(&doc)
	}
	return &doc, nil
}

// checkChain returns the CID of every operation in the log after making sure
// each prev points at the operation before it.
func checkChain(log []Operation) ([]cid.Cid, error) {
	if len(log) == 0 {
		return nil, &EmptyLogError{}
	}
	cids := make([]cid.Cid, len(log))
	for i, op := range log {
		if isNil(op) {
			return nil, &BrokenChainError{Index: i, Reason: "nil operation"}
		}
		_, isCreate := op.(*CreateOp)
		switch {
		case i == 0 && !isCreate:
			return nil, &BrokenChainError{Index: 0, Got: op.PrevCID(), Reason: fmt.Sprintf("log starts with %s instead of create", op.Kind())}
		case i == 0 && len(op.PrevCID()) > 0:
			return nil, &BrokenChainError{Index: 0, Got: op.PrevCID(), Reason: "genesis operation has a prev"}
		case i > 0 && isCreate:
			return nil, &BrokenChainError{Index: i, Expected: cids[i-1].String(), Reason: "create operation after genesis"}
		case i > 0:
			prev, err := parsePrev(op.PrevCID())
			if err != nil || !prev.Equals(cids[i-1]) {
				return nil, &BrokenChainError{Index: i, Expected: cids[i-1].String(), Got: op.PrevCID()}
			}
		}
		c, err := CIDForOperation(op)
		if err != nil {
			return nil, err
		}
		cids[i] = c
	}
	return cids, nil
}
