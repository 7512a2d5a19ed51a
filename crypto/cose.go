// Package crypto provides the COSE key encoding used when exporting U2F
// credentials in WebAuthn-compatible structures.
package crypto

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// COSEKey, as defined per https://tools.ietf.org/html/rfc8152#section-7.1.
// Only elliptic curve public keys are supported.
type COSEKey struct {
	Y     []byte    `cbor:"-3,keyasint,omitempty"`
	X     []byte    `cbor:"-2,keyasint,omitempty"`
	Curve CurveType `cbor:"-1,keyasint,omitempty"`

	KeyType KeyType `cbor:"1,keyasint"`
	KeyID   []byte  `cbor:"2,keyasint,omitempty"`
	Alg     Alg     `cbor:"3,keyasint,omitempty"`
}

// NewES256Key returns the COSE representation of a P-256 ECDSA public key.
// x and y must be the 32-byte big-endian coordinates.
func NewES256Key(x, y []byte) (*COSEKey, error) {
	if len(x) != 32 || len(y) != 32 {
		return nil, errors.New("crypto: ES256 coordinates must be 32 bytes")
	}
	return &COSEKey{
		KeyType: EC2,
		Alg:     ES256,
		Curve:   P256,
		X:       x,
		Y:       y,
	}, nil
}

// CBOREncode serializes the key with CTAP2 canonical CBOR.
func (k *COSEKey) CBOREncode() ([]byte, error) {
	enc, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return enc.Marshal(k)
}

// KeyType defines a key type from https://tools.ietf.org/html/rfc8152#section-13.
type KeyType int

const (
	// OKP is an Octet Key Pair
	OKP KeyType = 0x01
	// EC2 is an Elliptic Curve Key
	EC2 KeyType = 0x02
)

// CurveType identifies the curve of an EC2 or OKP key.
type CurveType int

const (
	P256 CurveType = 0x01
	P384 CurveType = 0x02
	P521 CurveType = 0x03
)

// Alg must be the value of one of the algorithms registered in
// https://www.iana.org/assignments/cose/cose.xhtml#algorithms.
type Alg int

const (
	RS256 Alg = -257 // RSASSA-PKCS1-v1_5 using SHA-256
	PS256 Alg = -37  // RSASSA-PSS w/ SHA-256
	ES256 Alg = -7   // ECDSA w/ SHA-256
)
