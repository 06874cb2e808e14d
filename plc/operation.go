// Package plc implements the did:plc operation log: building, signing and
// hash-linking operations and reducing a log into the current document.
package plc

// Kind is the wire tag stored in an operation's "type" field.
type Kind string

const (
	KindCreate            Kind = "create"
	KindRotateSigningKey  Kind = "rotate_signing_key"
	KindRotateRecoveryKey Kind = "rotate_recovery_key"
	KindUpdateHandle      Kind = "update_handle"
	KindUpdateAtpPds      Kind = "update_atp_pds"
)

// Kinds lists every operation kind in a fixed order.
var Kinds = []Kind{
	KindCreate,
	KindRotateSigningKey,
	KindRotateRecoveryKey,
	KindUpdateHandle,
	KindUpdateAtpPds,
}

// Operation is a single signed change to a DID's state. The set of
// implementations is closed: *CreateOp, *RotateSigningKeyOp,
// *RotateRecoveryKeyOp, *UpdateHandleOp and *UpdateAtpPdsOp.
type Operation interface {
	Kind() Kind
	// PrevCID is the string form of the preceding operation's CID. It is empty
	// for genesis operations.
	PrevCID() string
	Signature() string

	typeTag() string
	apply(doc *Document)
	unsigned() Operation
	prepare(prev string)
	setSig(sig string)
}

// isNil reports whether op is nil or a nil pointer to one of the variants.
func isNil(op Operation) bool {
	switch o := op.(type) {
	case nil:
		return true
	case *CreateOp:
		return o == nil
	case *RotateSigningKeyOp:
		return o == nil
	case *RotateRecoveryKeyOp:
		return o == nil
	case *UpdateHandleOp:
		return o == nil
	case *UpdateAtpPdsOp:
		return o == nil
	}
	return false
}

// CreateOp is the genesis operation of a DID.
type CreateOp struct {
	Type        string  `json:"type" cbor:"type"`
	SigningKey  string  `json:"signingKey" cbor:"signingKey"`
	RecoveryKey string  `json:"recoveryKey" cbor:"recoveryKey"`
	Handle      string  `json:"handle" cbor:"handle"`
	Service     string  `json:"service" cbor:"service"`
	Prev        *string `json:"prev" cbor:"prev"`
	Sig         string  `json:"sig,omitempty" cbor:"sig,omitempty"`
}

func (op *CreateOp) Kind() Kind        { return KindCreate }
func (op *CreateOp) Signature() string { return op.Sig }
func (op *CreateOp) typeTag() string   { return op.Type }
func (op *CreateOp) setSig(sig string) { op.Sig = sig }

func (op *CreateOp) PrevCID() string {
	if op.Prev == nil {
		return ""
	}
	return *op.Prev
}

func (op *CreateOp) apply(doc *Document) {
	doc.SigningKey = op.SigningKey
	doc.RecoveryKey = op.RecoveryKey
	doc.Handle = op.Handle
	doc.AtpPds = op.Service
}

func (op *CreateOp) unsigned() Operation {
	c := *op
	c.Sig = ""
	return &c
}

// genesis operations never point backwards
func (op *CreateOp) prepare(string) {
	op.Type = string(KindCreate)
	op.Prev = nil
}

// RotateSigningKeyOp replaces the document's signing key.
type RotateSigningKeyOp struct {
	Type string `json:"type" cbor:"type"`
	Key  string `json:"key" cbor:"key"`
	Prev string `json:"prev" cbor:"prev"`
	Sig  string `json:"sig,omitempty" cbor:"sig,omitempty"`
}

func (op *RotateSigningKeyOp) Kind() Kind          { return KindRotateSigningKey }
func (op *RotateSigningKeyOp) PrevCID() string     { return op.Prev }
func (op *RotateSigningKeyOp) Signature() string   { return op.Sig }
func (op *RotateSigningKeyOp) typeTag() string     { return op.Type }
func (op *RotateSigningKeyOp) setSig(sig string)   { op.Sig = sig }
func (op *RotateSigningKeyOp) apply(doc *Document) { doc.SigningKey = op.Key }
func (op *RotateSigningKeyOp) unsigned() Operation {
	c := *op
	c.Sig = ""
	return &c
}

func (op *RotateSigningKeyOp) prepare(prev string) { op.Type, op.Prev = string(KindRotateSigningKey), prev }

// RotateRecoveryKeyOp replaces the document's recovery key.
type RotateRecoveryKeyOp struct {
	Type string `json:"type" cbor:"type"`
	Key  string `json:"key" cbor:"key"`
	Prev string `json:"prev" cbor:"prev"`
	Sig  string `json:"sig,omitempty" cbor:"sig,omitempty"`
}

func (op *RotateRecoveryKeyOp) Kind() Kind          { return KindRotateRecoveryKey }
func (op *RotateRecoveryKeyOp) PrevCID() string     { return op.Prev }
func (op *RotateRecoveryKeyOp) Signature() string   { return op.Sig }
func (op *RotateRecoveryKeyOp) typeTag() string     { return op.Type }
func (op *RotateRecoveryKeyOp) setSig(sig string)   { op.Sig = sig }
func (op *RotateRecoveryKeyOp) apply(doc *Document) { doc.RecoveryKey = op.Key }
func (op *RotateRecoveryKeyOp) unsigned() Operation {
	c := *op
	c.Sig = ""
	return &c
}

func (op *RotateRecoveryKeyOp) prepare(prev string) { op.Type, op.Prev = string(KindRotateRecoveryKey), prev }

// UpdateHandleOp replaces the document's handle.
type UpdateHandleOp struct {
	Type   string `json:"type" cbor:"type"`
	Handle string `json:"handle" cbor:"handle"`
	Prev   string `json:"prev" cbor:"prev"`
	Sig    string `json:"sig,omitempty" cbor:"sig,omitempty"`
}

func (op *UpdateHandleOp) Kind() Kind          { return KindUpdateHandle }
func (op *UpdateHandleOp) PrevCID() string     { return op.Prev }
func (op *UpdateHandleOp) Signature() string   { return op.Sig }
func (op *UpdateHandleOp) typeTag() string     { return op.Type }
func (op *UpdateHandleOp) setSig(sig string)   { op.Sig = sig }
func (op *UpdateHandleOp) apply(doc *Document) { doc.Handle = op.Handle }
func (op *UpdateHandleOp) unsigned() Operation {
	c := *op
	c.Sig = ""
	return &c
}

func (op *UpdateHandleOp) prepare(prev string) { op.Type, op.Prev = string(KindUpdateHandle), prev }

// UpdateAtpPdsOp replaces the document's personal data server endpoint.
type UpdateAtpPdsOp struct {
	Type    string `json:"type" cbor:"type"`
	Service string `json:"service" cbor:"service"`
	Prev    string `json:"prev" cbor:"prev"`
	Sig     string `json:"sig,omitempty" cbor:"sig,omitempty"`
}

func (op *UpdateAtpPdsOp) Kind() Kind          { return KindUpdateAtpPds }
func (op *UpdateAtpPdsOp) PrevCID() string     { return op.Prev }
func (op *UpdateAtpPdsOp) Signature() string   { return op.Sig }
func (op *UpdateAtpPdsOp) typeTag() string     { return op.Type }
func (op *UpdateAtpPdsOp) setSig(sig string)   { op.Sig = sig }
func (op *UpdateAtpPdsOp) apply(doc *Document) { doc.AtpPds = op.Service }
func (op *UpdateAtpPdsOp) unsigned() Operation {
	c := *op
	c.Sig = ""
	return &c
}

func (op *UpdateAtpPdsOp) prepare(prev string) { op.Type, op.Prev = string(KindUpdateAtpPds), prev }

func newOperation(k Kind) Operation {
	switch k {
	case KindCreate:
		return new(CreateOp)
	case KindRotateSigningKey:
		return new(RotateSigningKeyOp)
	case KindRotateRecoveryKey:
		return new(RotateRecoveryKeyOp)
	case KindUpdateHandle:
		return new(UpdateHandleOp)
	case KindUpdateAtpPds:
		return new(UpdateAtpPdsOp)
	default:
		return nil
	}
}

var (
	_ Operation = (*CreateOp)(nil)
	_ Operation = (*RotateSigningKeyOp)(nil)
	_ Operation = (*RotateRecoveryKeyOp)(nil)
	_ Operation = (*UpdateHandleOp)(nil)
	_ Operation = (*UpdateAtpPdsOp)(nil)
)
