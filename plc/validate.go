package plc

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/bluesky-social/indigo/atproto/crypto"
)

const maxHandleLen = 253

var handleLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// Validate checks the shape of an operation: the type tag, the presence of
// prev, and the format of every key, handle and service field. It does not
// check the signature, see [VerifySignature].
func Validate(op Operation) error {
	if isNil(op) {
		return &ValidationError{Reason: "nil operation"}
	}
	if op.typeTag() != string(op.Kind()) {
		return &ValidationError{
			Kind:   op.Kind(),
			Field:  "type",
			Reason: fmt.Sprintf("type tag %q does not match operation", op.typeTag()),
		}
	}
	switch o := op.(type) {
	case *CreateOp:
		if o.Prev != nil {
			return &ValidationError{Kind: KindCreate, Field: "prev", Reason: "genesis operation cannot have a prev"}
		}
		if err := validateKey(o, "signingKey", o.SigningKey); err != nil {
			return err
		}
		if err := validateKey(o, "recoveryKey", o.RecoveryKey); err != nil {
			return err
		}
		if err := validateHandle(o, o.Handle); err != nil {
			return err
		}
		return validateService(o, o.Service)
	case *RotateSigningKeyOp:
		if err := validatePrev(o); err != nil {
			return err
		}
		return validateKey(o, "key", o.Key)
	case *RotateRecoveryKeyOp:
		if err := validatePrev(o); err != nil {
			return err
		}
		return validateKey(o, "key", o.Key)
	case *UpdateHandleOp:
		if err := validatePrev(o); err != nil {
			return err
		}
		return validateHandle(o, o.Handle)
	case *UpdateAtpPdsOp:
		if err := validatePrev(o); err != nil {
			return err
		}
		return validateService(o, o.Service)
	}
	return &ValidationError{Kind: op.Kind(), Reason: "unknown operation"}
}

func validatePrev(op Operation) error {
	prev := op.PrevCID()
	if len(prev) == 0 {
		return &ValidationError{Kind: op.Kind(), Field: "prev", Reason: "missing prev"}
	}
	if _, err := parsePrev(prev); err != nil {
		return &ValidationError{Kind: op.Kind(), Field: "prev", Reason: "prev is not a cid", Err: err}
	}
	return nil
}

func validateKey(op Operation, field, key string) error {
	if len(key) == 0 {
		return &ValidationError{Kind: op.Kind(), Field: field, Reason: "missing key"}
	}
	if _, err := crypto.ParsePublicDIDKey(key); err != nil {
		return &ValidationError{Kind: op.Kind(), Field: field, Reason: "not a did:key", Err: err}
	}
	return nil
}

// ValidHandle reports whether h is a well formed handle: one or more DNS
// labels separated by dots.
func ValidHandle(h string) bool {
	if len(h) == 0 || len(h) > maxHandleLen {
		return false
	}
	start := 0
	for i := 0; i <= len(h); i++ {
		if i == len(h) || h[i] == '.' {
			if !handleLabel.MatchString(h[start:i]) {
				return false
			}
			start = i + 1
		}
	}
	return true
}

func validateHandle(op Operation, handle string) error {
	if !ValidHandle(handle) {
		return &ValidationError{Kind: op.Kind(), Field: "handle", Reason: fmt.Sprintf("malformed handle %q", handle)}
	}
	return nil
}

func validateService(op Operation, service string) error {
	if len(service) == 0 {
		return &ValidationError{Kind: op.Kind(), Field: "service", Reason: "missing service endpoint"}
	}
	u, err := url.Parse(service)
	if err != nil {
		return &ValidationError{Kind: op.Kind(), Field: "service", Reason: "malformed url", Err: err}
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return &ValidationError{Kind: op.Kind(), Field: "service", Reason: fmt.Sprintf("unsupported url scheme %q", u.Scheme)}
	}
	if len(u.Host) == 0 {
		return &ValidationError{Kind: op.Kind(), Field: "service", Reason: "url has no host"}
	}
	return nil
}
