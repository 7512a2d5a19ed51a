package u2fauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"math/big"
)

const (
	publicKeyLen         = 65
	uncompressedPointTag = 0x04
)

// ecdsaSignature is the ASN.1 structure of a DER ECDSA signature.
type ecdsaSignature struct {
	R, S *big.Int
}

// VerifyRegistration checks the attestation signature of a registration
// offline and returns the credential public key on success.
//
// The token signed 0x00 || SHA256(application) || SHA256(challenge) ||
// keyHandle || publicKey with the key of its attestation certificate. Only
// the mathematical validity of that signature is checked; chaining the
// certificate to a trusted root is up to the caller.
func (a *Authenticator) VerifyRegistration(application, challenge string, reg *Registration) ([]byte, error) {
	if len(reg.PublicKey) != publicKeyLen || reg.PublicKey[0] != uncompressedPointTag {
		return nil, ErrInvalidPublicKey
	}

	cert, err := x509.ParseCertificate(reg.AttestationCertificate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}

	applicationHash := sha256.Sum256([]byte(application))
	challengeHash := sha256.Sum256([]byte(challenge))

	signed := make([]byte, 0, 1+2*sha256.Size+len(reg.KeyHandle)+len(reg.PublicKey))
	signed = append(signed, 0x00)
	signed = append(signed, applicationHash[:]...)
	signed = append(signed, challengeHash[:]...)
	signed = append(signed, reg.KeyHandle...)
	signed = append(signed, reg.PublicKey...)

	if err := cert.CheckSignature(x509.ECDSAWithSHA256, signed, reg.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	a.logger.Debug("u2fauth: registration verified",
		"application", application,
		"attestationSubject", cert.Subject.String(),
	)
	return reg.PublicKey, nil
}

// VerifySignature checks an assertion against the public key obtained at
// registration time and returns the token's signature counter. The caller
// rejects counters that do not strictly increase across assertions for the
// same keyHandle.
func (a *Authenticator) VerifySignature(application, challenge string, assertion *Assertion, keyHandle, publicKey []byte) (uint32, error) {
	pub, err := parseP256PublicKey(publicKey)
	if err != nil {
		return 0, err
	}

	applicationHash := sha256.Sum256([]byte(application))
	challengeHash := sha256.Sum256([]byte(challenge))

	signed := make([]byte, 0, 2*sha256.Size+5)
	signed = append(signed, applicationHash[:]...)
	signed = append(signed, assertion.UserPresence)
	signed = binary.BigEndian.AppendUint32(signed, assertion.Counter)
	signed = append(signed, challengeHash[:]...)

	var sig ecdsaSignature
	rest, err := asn1.Unmarshal(assertion.Signature, &sig)
	if err != nil || len(rest) != 0 || sig.R == nil || sig.S == nil {
		return 0, ErrInvalidSignature
	}

	digest := sha256.Sum256(signed)
	if !ecdsa.Verify(pub, digest[:], sig.R, sig.S) {
		return 0, ErrInvalidSignature
	}

	a.logger.Debug("u2fauth: assertion verified",
		"application", application,
		"counter", assertion.Counter,
		"keyHandleLen", len(keyHandle),
	)
	return assertion.Counter, nil
}

// parseP256PublicKey decodes a 65-byte uncompressed P-256 point.
func parseP256PublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) != publicKeyLen || raw[0] != uncompressedPointTag {
		return nil, ErrInvalidPublicKey
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil {
		return nil, ErrInvalidPublicKey
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}
