package plc

import (
	"encoding/base64"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/crypto"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
)

var sigEncoding = base64.RawURLEncoding

// VerifySignature checks op's signature against the did:key didKey.
func VerifySignature(op Operation, didKey string) error {
	if len(op.Signature()) == 0 {
		return &ValidationError{Kind: op.Kind(), Field: "sig", Reason: "operation is not signed"}
	}
	sig, err := sigEncoding.DecodeString(op.Signature())
	if err != nil {
		return &ValidationError{Kind: op.Kind(), Field: "sig", Reason: "signature is not base64url", Err: err}
	}
	pub, err := crypto.ParsePublicDIDKey(didKey)
	if err != nil {
		return &ValidationError{Kind: op.Kind(), Field: "sig", Reason: "bad verification key", Err: err}
	}
	payload, err := UnsignedBytes(op)
	if err != nil {
		return err
	}
	if err = pub.HashAndVerify(payload, sig); err != nil {
		return &ValidationError{Kind: op.Kind(), Field: "sig", Reason: "invalid signature", Err: err}
	}
	return nil
}

func verifyAny(op Operation, keys []string) error {
	if len(keys) == 0 {
		return &ValidationError{Kind: op.Kind(), Field: "sig", Reason: "no key is authorized to sign this operation"}
	}
	var last error
	for _, k := range keys {
		if last = VerifySignature(op, k); last == nil {
			return nil
		}
	}
	return last
}

// VerifyLog checks the whole log: chain links, the shape of every operation
// and every signature against the keys authorized by the document reduced up
// to that point. A nil policy means [DefaultPolicy].
func VerifyLog(log []Operation, policy Policy) (*Document, error) {
	tip, err := verifyLog(log, policy)
	if err != nil {
		return nil, err
	}
	return tip.Document, nil
}

func verifyLog(log []Operation, policy Policy) (*Tip, error) {
	if policy == nil {
		policy = DefaultPolicy
	}
	cids, err := checkChain(log)
	if err != nil {
		return nil, err
	}
	var doc Document
	for i, op := range log {
		if err = Validate(op); err != nil {
			return nil, errors.Wrapf(err, "operation %d", i)
		}
		if err = verifyAny(op, policy.AuthorizedKeys(op, &doc)); err != nil {
			return nil, errors.Wrapf(err, "operation %d", i)
		}
		op.apply(&doc)
	}
	if doc.DID, err = didForCID(cids[0]); err != nil {
		return nil, err
	}
	return &Tip{DID: doc.DID, CID: cids[len(cids)-1], Document: &doc, Len: len(log)}, nil
}

// VerifyNext checks that op may be appended to log, the current log of did.
// An empty log only accepts a create operation that derives did. The returned
// tip describes the log after op is appended.
func VerifyNext(log []Operation, did string, op Operation, policy Policy) (*Tip, error) {
	if isNil(op) {
		return nil, &ValidationError{Reason: "nil operation"}
	}
	if err := Validate(op); err != nil {
		return nil, err
	}
	if policy == nil {
		policy = DefaultPolicy
	}
	if len(log) == 0 {
		create, ok := op.(*CreateOp)
		if !ok {
			return nil, &EmptyLogError{DID: did}
		}
		if err := verifyAny(op, policy.AuthorizedKeys(op, nil)); err != nil {
			return nil, err
		}
		tip, err := NewTip([]Operation{create})
		if err != nil {
			return nil, err
		}
		if tip.DID != did {
			return nil, &ValidationError{
				Kind:   KindCreate,
				Reason: fmt.Sprintf("genesis operation derives %s, not %s", tip.DID, did),
			}
		}
		return tip, nil
	}
	current, err := NewTip(log)
	if err != nil {
		return nil, err
	}
	if current.DID != did {
		return nil, &ValidationError{Kind: op.Kind(), Reason: fmt.Sprintf("log belongs to %s, not %s", current.DID, did)}
	}
	if _, ok := op.(*CreateOp); ok {
		return nil, &PrecursorMismatchError{DID: did, Expected: current.CID.String()}
	}
	prev, err := parsePrev(op.PrevCID())
	if err != nil || !prev.Equals(current.CID) {
		return nil, &PrecursorMismatchError{DID: did, Expected: current.CID.String(), Got: op.PrevCID()}
	}
	if err = verifyAny(op, policy.AuthorizedKeys(op, current.Document)); err != nil {
		return nil, err
	}
	return current.Next(op)
}

// Tip is the head of a DID's log: the anchor the next operation must extend.
type Tip struct {
	DID string
	// CID of the last operation in the log.
	CID      cid.Cid
	Document *Document
	// Len is the number of operations in the log.
	Len int
}

// NewTip reduces log and records the CID of its last operation. Nothing is
// fetched so the tip may already be stale by the time it is used; that is
// detected when an extension is submitted.
func NewTip(log []Operation) (*Tip, error) {
	cids, err := checkChain(log)
	if err != nil {
		return nil, err
	}
	doc, err := reduce(log, cids)
	if err != nil {
		return nil, err
	}
	return &Tip{DID: doc.DID, CID: cids[len(cids)-1], Document: doc, Len: len(log)}, nil
}

// Next returns the tip after op is appended. op's prev must be t's CID.
func (t *Tip) Next(op Operation) (*Tip, error) {
	if isNil(op) {
		return nil, &BrokenChainError{Index: t.Len, Expected: t.CID.String(), Reason: "nil operation"}
	}
	if _, ok := op.(*CreateOp); ok {
		return nil, &BrokenChainError{Index: t.Len, Expected: t.CID.String(), Reason: "create operation after genesis"}
	}
	prev, err := parsePrev(op.PrevCID())
	if err != nil || !prev.Equals(t.CID) {
		return nil, &BrokenChainError{Index: t.Len, Expected: t.CID.String(), Got: op.PrevCID()}
	}
	c, err := CIDForOperation(op)
	if err != nil {
		return nil, err
	}
	doc := t.Document.Apply(op)
	return &Tip{DID: t.DID, CID: c, Document: &doc, Len: t.Len + 1}, nil
}
