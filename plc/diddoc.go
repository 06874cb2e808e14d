package plc

import (
	"github.com/bluesky-social/indigo/atproto/crypto"
	"github.com/pkg/errors"
	"github.com/whyrusleeping/go-did"
)

var didContext = []string{
	"https://www.w3.org/ns/did/v1",
	"https://w3id.org/security/multikey/v1",
	"https://w3id.org/security/suites/secp256k1-2019/v1",
}

const (
	signingKeyFragment  = "#signingKey"
	recoveryKeyFragment = "#recoveryKey"
	pdsFragment         = "#atpPds"
)

// FormatDidDoc renders doc as a W3C DID document.
func FormatDidDoc(doc *Document) (*did.Document, error) {
	id, err := did.ParseDID(doc.DID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid did")
	}
	signing, err := verificationMethod(doc.DID, signingKeyFragment, doc.SigningKey)
	if err != nil {
		return nil, err
	}
	recovery, err := verificationMethod(doc.DID, recoveryKeyFragment, doc.RecoveryKey)
	if err != nil {
		return nil, err
	}
	srvID, err := did.ParseDID(pdsFragment)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &did.Document{
		Context:            didContext,
		ID:                 id,
		AlsoKnownAs:        []string{"at://" + doc.Handle},
		VerificationMethod: []did.VerificationMethod{signing, recovery},
		Service: []did.Service{
			{
				ID:              srvID,
				Type:            "AtpPersonalDataServer",
				ServiceEndpoint: doc.AtpPds,
			},
		},
	}, nil
}

func verificationMethod(controller, fragment, didKey string) (did.VerificationMethod, error) {
	pub, err := crypto.ParsePublicDIDKey(didKey)
	if err != nil {
		return did.VerificationMethod{}, errors.Wrapf(err, "invalid key for %s", fragment)
	}
	mb := pub.Multibase()
	return did.VerificationMethod{
		ID:                 controller + fragment,
		Type:               "Multikey",
		Controller:         controller,
		PublicKeyMultibase: &mb,
	}, nil
}
