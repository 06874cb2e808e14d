package plc

// Role is a set of document keys allowed to sign an operation.
type Role uint8

const (
	// RoleSigning is the document's current signing key. For a create
	// operation it is the signing key named by the operation itself.
	RoleSigning Role = 1 << iota
	// RoleRecovery is the document's current recovery key.
	RoleRecovery
)

func (r Role) Has(o Role) bool { return r&o == o }

// Policy decides which keys may authorize each kind of operation.
type Policy map[Kind]Role

var (
	// DefaultPolicy accepts any update signed by either the current signing
	// key or the current recovery key.
	DefaultPolicy = Policy{
		KindCreate:            RoleSigning,
		KindRotateSigningKey:  RoleSigning | RoleRecovery,
		KindRotateRecoveryKey: RoleSigning | RoleRecovery,
		KindUpdateHandle:      RoleSigning | RoleRecovery,
		KindUpdateAtpPds:      RoleSigning | RoleRecovery,
	}
	// RecoveryPolicy only lets the recovery key replace itself.
	RecoveryPolicy = Policy{
		KindCreate:            RoleSigning,
		KindRotateSigningKey:  RoleSigning | RoleRecovery,
		KindRotateRecoveryKey: RoleRecovery,
		KindUpdateHandle:      RoleSigning | RoleRecovery,
		KindUpdateAtpPds:      RoleSigning | RoleRecovery,
	}
)

// Role returns the keys allowed to sign operations of kind k. Kinds missing
// from p fall back to [DefaultPolicy].
func (p Policy) Role(k Kind) Role {
	if r, ok := p[k]; ok {
		return r
	}
	return DefaultPolicy[k]
}

// AuthorizedKeys returns the did:key strings allowed to sign op given the
// document it extends. doc is ignored for create operations.
func (p Policy) AuthorizedKeys(op Operation, doc *Document) []string {
	if create, ok := op.(*CreateOp); ok {
		return []string{create.SigningKey}
	}
	if doc == nil {
		return nil
	}
	role := p.Role(op.Kind())
	keys := make([]string, 0, 2)
	if role.Has(RoleSigning) && len(doc.SigningKey) > 0 {
		keys = append(keys, doc.SigningKey)
	}
	if role.Has(RoleRecovery) && len(doc.RecoveryKey) > 0 && doc.RecoveryKey != doc.SigningKey {
		keys = append(keys, doc.RecoveryKey)
	}
	return keys
}
