package u2fauth

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"

	"github.com/tokenauth/u2fhost/crypto"
)

const (
	flagUserPresent        = 0x01
	flagAttestedCredential = 0x40

	aaguidLen = 16
)

// attestationObject is the WebAuthn attestation object envelope.
type attestationObject struct {
	Fmt      string         `cbor:"fmt"`
	AttStmt  map[string]any `cbor:"attStmt"`
	AuthData []byte         `cbor:"authData"`
}

// AttestationObject packages the registration as a WebAuthn "fido-u2f"
// attestation object (CBOR), for hosts that bridge U2F credentials into web
// APIs. The authenticator data carries the rpIdHash for application, a zero
// signature counter, a zero AAGUID, and the credential public key in COSE
// form.
func (r *Registration) AttestationObject(application string) ([]byte, error) {
	pub, err := parseP256PublicKey(r.PublicKey)
	if err != nil {
		return nil, err
	}

	applicationHash := sha256.Sum256([]byte(application))

	authData := make([]byte, 37, 37+aaguidLen+2+len(r.KeyHandle)+77)
	copy(authData, applicationHash[:])
	authData[32] = flagUserPresent | flagAttestedCredential
	// authData[33:37] is the signature counter, zero at registration time.

	coseKey, err := crypto.NewES256Key(
		pub.X.FillBytes(make([]byte, 32)),
		pub.Y.FillBytes(make([]byte, 32)),
	)
	if err != nil {
		return nil, err
	}
	keyBytes, err := coseKey.CBOREncode()
	if err != nil {
		return nil, err
	}

	credential := make([]byte, aaguidLen, aaguidLen+2+len(r.KeyHandle)+len(keyBytes))
	credential = binary.BigEndian.AppendUint16(credential, uint16(len(r.KeyHandle)))
	credential = append(credential, r.KeyHandle...)
	credential = append(credential, keyBytes...)
	authData = append(authData, credential...)

	enc, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return enc.Marshal(attestationObject{
		Fmt: "fido-u2f",
		AttStmt: map[string]any{
			"sig": []byte(r.Signature),
			"x5c": []any{[]byte(r.AttestationCertificate)},
		},
		AuthData: authData,
	})
}
