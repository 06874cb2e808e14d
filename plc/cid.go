package plc

import (
	"encoding/base32"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
)

const (
	// DIDPrefix is the method prefix of every identifier derived here.
	DIDPrefix = "did:plc:"
	// number of base32 characters kept from the genesis digest
	didHashLen = 24
)

var cidPrefix = cid.NewPrefixV1(uint64(multicodec.DagCbor), multihash.SHA2_256)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// CIDForOperation returns the content identifier of a signed operation:
// CIDv1, dag-cbor codec, sha2-256 over [EncodeOperation].
func CIDForOperation(op Operation) (cid.Cid, error) {
	b, err := EncodeOperation(op)
	if err != nil {
		return cid.Undef, err
	}
	return cidForBytes(b)
}

func cidForBytes(b []byte) (cid.Cid, error) {
	c, err := cidPrefix.Sum(b)
	if err != nil {
		return cid.Undef, errors.WithStack(err)
	}
	return c, nil
}

// DIDForCreateOp derives the DID of a signed genesis operation. The result
// only depends on the operation's canonical bytes, so it is stable for the
// lifetime of the identity.
func DIDForCreateOp(op *CreateOp) (string, error) {
	c, err := CIDForOperation(op)
	if err != nil {
		return "", err
	}
	return didForCID(c)
}

func didForCID(c cid.Cid) (string, error) {
	mh, err := multihash.Decode(c.Hash())
	if err != nil {
		return "", errors.WithStack(err)
	}
	enc := strings.ToLower(b32.EncodeToString(mh.Digest))
	return DIDPrefix + enc[:didHashLen], nil
}

func parsePrev(prev string) (cid.Cid, error) {
	c, err := cid.Decode(prev)
	if err != nil {
		return cid.Undef, errors.WithStack(err)
	}
	return c, nil
}
