package plc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/pkg/errors"
)

var (
	// encMode sorts map keys length-first which is the DAG-CBOR key order.
	encMode cbor.EncMode
	// decMode rejects anything that could decode two ways.
	decMode cbor.DecMode
	// headerMode only reads the "type" tag.
	headerMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortLengthFirst,
		IndefLength:   cbor.IndefLengthForbidden,
		ShortestFloat: cbor.ShortestFloat16,
		NaNConvert:    cbor.NaNConvert7e00,
		InfConvert:    cbor.InfConvertFloat16,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		MapKeyByteString:  cbor.MapKeyByteStringForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	headerMode, err = cbor.DecOptions{
		MapKeyByteString: cbor.MapKeyByteStringForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

type header struct {
	Type string `json:"type" cbor:"type"`
}

// EncodeOperation returns the canonical DAG-CBOR encoding of a signed
// operation. These are the bytes that CIDs and DIDs are computed over.
func EncodeOperation(op Operation) ([]byte, error) {
	if isNil(op) {
		return nil, &ValidationError{Reason: "nil operation"}
	}
	b, err := encMode.Marshal(op)
	return b, errors.WithStack(err)
}

// UnsignedBytes returns the canonical encoding of op with the signature
// omitted. These are the bytes that get signed.
func UnsignedBytes(op Operation) ([]byte, error) {
	if isNil(op) {
		return nil, &ValidationError{Reason: "nil operation"}
	}
	b, err := encMode.Marshal(op.unsigned())
	return b, errors.WithStack(err)
}

// DecodeOperation parses canonical DAG-CBOR bytes into the operation variant
// named by the "type" field. Bytes that are not in canonical form are
// rejected because they would hash to a different CID than the one the
// signer committed to.
func DecodeOperation(b []byte) (Operation, error) {
	if err := checkCanonical(b); err != nil {
		return nil, err
	}
	var h header
	if err := headerMode.Unmarshal(b, &h); err != nil {
		return nil, &ValidationError{Field: "type", Reason: "malformed operation", Err: err}
	}
	op := newOperation(Kind(h.Type))
	if op == nil {
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown operation type %q", h.Type)}
	}
	if err := decMode.Unmarshal(b, op); err != nil {
		return nil, &ValidationError{Kind: op.Kind(), Reason: "malformed operation", Err: err}
	}
	reencoded, err := EncodeOperation(op)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(reencoded, b) {
		return nil, &ValidationError{Kind: op.Kind(), Reason: "operation contains fields with non-canonical values"}
	}
	return op, nil
}

// checkCanonical makes sure b survives a DAG-CBOR decode and encode cycle
// unchanged.
func checkCanonical(b []byte) error {
	node, err := ipld.Decode(b, dagcbor.Decode)
	if err != nil {
		return &ValidationError{Reason: "operation is not valid dag-cbor", Err: err}
	}
	again, err := ipld.Encode(node, dagcbor.Encode)
	if err != nil {
		return &ValidationError{Reason: "operation is not valid dag-cbor", Err: err}
	}
	if !bytes.Equal(again, b) {
		return &ValidationError{Reason: "operation is not canonically encoded"}
	}
	return nil
}

// ParseOperationJSON parses the JSON wire form of an operation into its
// variant. Unknown types and unknown fields are rejected.
func ParseOperationJSON(b []byte) (Operation, error) {
	var h header
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, &ValidationError{Field: "type", Reason: "malformed operation", Err: err}
	}
	op := newOperation(Kind(h.Type))
	if op == nil {
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown operation type %q", h.Type)}
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(op); err != nil {
		return nil, &ValidationError{Kind: op.Kind(), Reason: "malformed operation", Err: err}
	}
	return op, nil
}

// Log is an ordered operation log, genesis first.
type Log []Operation

func (l *Log) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.WithStack(err)
	}
	log := make(Log, len(raw))
	for i, r := range raw {
		op, err := ParseOperationJSON(r)
		if err != nil {
			return errors.Wrapf(err, "operation %d", i)
		}
		log[i] = op
	}
	*l = log
	return nil
}

// Last returns the tip operation or nil for an empty log.
func (l Log) Last() Operation {
	if len(l) == 0 {
		return nil
	}
	return l[len(l)-1]
}

// MarshalOperationJSON returns the JSON wire form of op.
func MarshalOperationJSON(op Operation) ([]byte, error) {
	if isNil(op) {
		return nil, &ValidationError{Reason: "nil operation"}
	}
	b, err := json.Marshal(op)
	return b, errors.WithStack(err)
}
