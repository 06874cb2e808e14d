package plc

import (
	"fmt"
	"slices"

	"github.com/bluesky-social/indigo/atproto/crypto"
	"github.com/pkg/errors"
)

// Signer produces signatures for operations. Every indigo
// [crypto.PrivateKey] is a Signer.
type Signer interface {
	HashAndSign(content []byte) ([]byte, error)
	PublicKey() (crypto.PublicKey, error)
}

// CreateGenesis builds and signs the create operation for a new DID and
// derives the DID from it. The operation's signing key is the signer's key.
//
// The DID is a function of the signed bytes, so two calls only yield the same
// DID if the signer is deterministic.
func CreateGenesis(signer Signer, recoveryKey, handle, service string) (*CreateOp, string, error) {
	pub, err := signer.PublicKey()
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to get signing key")
	}
	op := &CreateOp{
		SigningKey:  pub.DIDKey(),
		RecoveryKey: recoveryKey,
		Handle:      handle,
		Service:     service,
	}
	op.prepare("")
	if err = Validate(op); err != nil {
		return nil, "", err
	}
	if err = sign(op, signer); err != nil {
		return nil, "", err
	}
	did, err := DIDForCreateOp(op)
	if err != nil {
		return nil, "", err
	}
	return op, did, nil
}

// Builder signs operations that extend a tip.
type Builder struct {
	// Policy decides which keys may sign each kind of operation. Defaults to
	// DefaultPolicy.
	Policy Policy
}

// Extend returns a signed copy of op that extends tip. Only op's variant
// fields are used; the type tag and prev are filled in here and any existing
// signature is dropped. The signer must hold a key the policy authorizes for
// op's kind under tip's document.
func (b *Builder) Extend(tip *Tip, op Operation, signer Signer) (Operation, error) {
	if tip == nil || tip.Document == nil {
		return nil, &EmptyLogError{}
	}
	if isNil(op) {
		return nil, &ValidationError{Reason: "nil operation"}
	}
	if op.Kind() == KindCreate {
		return nil, &ValidationError{Kind: KindCreate, Reason: "create operations cannot extend a log"}
	}
	next := op.unsigned()
	next.prepare(tip.CID.String())
	if err := Validate(next); err != nil {
		return nil, err
	}
	pub, err := signer.PublicKey()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get signing key")
	}
	policy := b.Policy
	if policy == nil {
		policy = DefaultPolicy
	}
	if !slices.Contains(policy.AuthorizedKeys(next, tip.Document), pub.DIDKey()) {
		return nil, &ValidationError{
			Kind:   next.Kind(),
			Field:  "sig",
			Reason: fmt.Sprintf("key %s is not authorized to sign for %s", pub.DIDKey(), tip.DID),
		}
	}
	if err = sign(next, signer); err != nil {
		return nil, err
	}
	return next, nil
}

var defaultBuilder Builder

// RotateSigningKey builds an operation replacing tip's signing key with key.
func RotateSigningKey(tip *Tip, key string, signer Signer) (*RotateSigningKeyOp, error) {
	op, err := defaultBuilder.Extend(tip, &RotateSigningKeyOp{Key: key}, signer)
	if err != nil {
		return nil, err
	}
	return op.(*RotateSigningKeyOp), nil
}

// RotateRecoveryKey builds an operation replacing tip's recovery key with key.
func RotateRecoveryKey(tip *Tip, key string, signer Signer) (*RotateRecoveryKeyOp, error) {
	op, err := defaultBuilder.Extend(tip, &RotateRecoveryKeyOp{Key: key}, signer)
	if err != nil {
		return nil, err
	}
	return op.(*RotateRecoveryKeyOp), nil
}

// UpdateHandle builds an operation changing tip's handle.
func UpdateHandle(tip *Tip, handle string, signer Signer) (*UpdateHandleOp, error) {
	op, err := defaultBuilder.Extend(tip, &UpdateHandleOp{Handle: handle}, signer)
	if err != nil {
		return nil, err
	}
	return op.(*UpdateHandleOp), nil
}

// UpdateAtpPds builds an operation changing tip's PDS endpoint.
func UpdateAtpPds(tip *Tip, service string, signer Signer) (*UpdateAtpPdsOp, error) {
	op, err := defaultBuilder.Extend(tip, &UpdateAtpPdsOp{Service: service}, signer)
	if err != nil {
		return nil, err
	}
	return op.(*UpdateAtpPdsOp), nil
}

func sign(op Operation, signer Signer) error {
	payload, err := UnsignedBytes(op)
	if err != nil {
		return err
	}
	sig, err := signer.HashAndSign(payload)
	if err != nil {
		return errors.Wrap(err, "failed to sign operation")
	}
	op.setSig(sigEncoding.EncodeToString(sig))
	return nil
}
