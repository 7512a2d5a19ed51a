// Package u2ftoken implements the FIDO U2F raw message protocol used to
// communicate with U2F security keys over a transport such as u2fhid.
package u2ftoken

import (
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	insRegister     = 0x01
	insAuthenticate = 0x02
	insVersion      = 0x03

	tupRequired = 1 // Test of User Presence required
	tupConsume  = 2 // Consume a Test of User Presence
	tupTestOnly = 4 // Check valid key handle only, no test of user presence required

	ctrlEnforcePresence = tupRequired | tupConsume
	// The check-only control byte carries all three flags, not just
	// tupTestOnly. Tokens reject the bare flag.
	ctrlCheckOnly = tupRequired | tupConsume | tupTestOnly

	registerReservedByte = 0x05
	publicKeyLen         = 65
	hashLen              = 32
	maxKeyHandleLen      = 255

	statusNoError                = 0x9000
	statusWrongLength            = 0x6700
	statusConditionsNotSatisfied = 0x6985
	statusWrongData              = 0x6a80
	statusInsNotSupported        = 0x6d00
	statusClaNotSupported        = 0x6e00
)

var (
	// ErrPresenceRequired is returned by Register and Authenticate when the
	// token wants proof of user presence before it will complete the
	// operation. Callers retry after a short delay until the user touches
	// the token.
	ErrPresenceRequired = errors.New("u2ftoken: user presence required")

	// ErrUnknownKeyHandle is returned when the key handle was not issued by
	// this token for the given application.
	ErrUnknownKeyHandle = errors.New("u2ftoken: unknown key handle")

	// ErrMalformedResponse is returned when a success response does not
	// match the positional layout defined by the raw message format.
	ErrMalformedResponse = errors.New("u2ftoken: malformed response")

	errWrongLength     = errors.New("u2ftoken: the length of the request was invalid")
	errClaNotSupported = errors.New("u2ftoken: the class byte of the request is not supported")
	errInsNotSupported = errors.New("u2ftoken: the instruction of the request is not supported")
)

var statusErrors = map[uint16]error{
	statusConditionsNotSatisfied: ErrPresenceRequired,
	statusWrongData:              ErrUnknownKeyHandle,
	statusWrongLength:            errWrongLength,
	statusClaNotSupported:        errClaNotSupported,
	statusInsNotSupported:        errInsNotSupported,
}

// statusError maps a non-success status word to an error. Unknown words get
// a generic protocol error carrying the word.
func statusError(status uint16) error {
	if err, ok := statusErrors[status]; ok {
		return err
	}
	return fmt.Errorf("u2ftoken: unexpected status %#04x", status)
}

// Device is a message transport to a concrete U2F token. It is implemented
// by *u2fhid.Device.
type Device interface {
	// Message sends an encoded APDU to the device and returns the raw
	// response APDU.
	Message(data []byte) ([]byte, error)
	SetResponseTimeout(timeout time.Duration)
	Close()
}

// NewToken returns a token speaking the raw message protocol over d.
func NewToken(d Device) *Token {
	return &Token{d: d}
}

// A Token exposes the FIDO U2F raw messages (REGISTER, AUTHENTICATE,
// VERSION) of a single device.
type Token struct {
	d Device
}

// A RegisterRequest carries the two SHA-256 digests a REGISTER command
// operates on.
type RegisterRequest struct {
	// ChallengeHash is the 32-byte SHA-256 hash of the challenge or client
	// data prepared by the host.
	ChallengeHash []byte

	// ApplicationHash is the 32-byte SHA-256 hash of the application
	// identity of the relying party.
	ApplicationHash []byte
}

// A RegisterResponse is the parsed payload of a successful REGISTER
// exchange.
type RegisterResponse struct {
	// PublicKey is the uncompressed P-256 point of the new credential,
	// 65 bytes starting with 0x04.
	PublicKey []byte

	// KeyHandle is the token-issued opaque credential identifier.
	KeyHandle []byte

	// AttestationCertificate is the DER-encoded X.509 attestation
	// certificate.
	AttestationCertificate []byte

	// Signature is the DER-encoded ECDSA attestation signature.
	Signature []byte
}

// An AuthenticateRequest identifies the credential an AUTHENTICATE command
// should assert.
type AuthenticateRequest struct {
	ChallengeHash   []byte
	ApplicationHash []byte

	// KeyHandle is the opaque handle returned by the token at registration.
	KeyHandle []byte
}

// An AuthenticateResponse is the parsed payload of a successful
// AUTHENTICATE exchange.
type AuthenticateResponse struct {
	// UserPresence is the flags byte; bit 0 set means the user touched the
	// token for this assertion.
	UserPresence byte

	// Counter is incremented by the token on every assertion. Relying
	// parties reject non-increasing values to detect cloned tokens.
	Counter uint32

	// Signature is the P-256 ECDSA signature over the assertion data.
	Signature []byte
}

// Register asks the token to create a credential. It returns
// ErrPresenceRequired if the call should be retried after the user provides
// proof of presence.
func (t *Token) Register(req RegisterRequest) (*RegisterResponse, error) {
	if len(req.ChallengeHash) != hashLen {
		return nil, fmt.Errorf("u2ftoken: ChallengeHash must be exactly %d bytes", hashLen)
	}
	if len(req.ApplicationHash) != hashLen {
		return nil, fmt.Errorf("u2ftoken: ApplicationHash must be exactly %d bytes", hashLen)
	}

	data := make([]byte, 0, 2*hashLen)
	data = append(data, req.ChallengeHash...)
	data = append(data, req.ApplicationHash...)

	res, err := t.exchange(Request{
		Instruction: insRegister,
		Param1:      ctrlEnforcePresence,
		Data:        data,
	})
	if err != nil {
		return nil, err
	}
	if !res.IsSuccess() {
		return nil, statusError(res.Status)
	}

	return parseRegisterResponse(res.Data)
}

// parseRegisterResponse decodes the positional registration payload: one
// reserved byte (0x05), a 65-byte public key, a length-prefixed key handle,
// then the attestation certificate and signature. The boundary between the
// two trailing fields is the outer length of the certificate's DER encoding;
// whatever remains after the certificate is the signature.
func parseRegisterResponse(data []byte) (*RegisterResponse, error) {
	if len(data) < 1+publicKeyLen+1 {
		return nil, ErrMalformedResponse
	}
	if data[0] != registerReservedByte {
		return nil, fmt.Errorf("%w: reserved byte %#02x", ErrMalformedResponse, data[0])
	}

	publicKey := data[1 : 1+publicKeyLen]
	khLen := int(data[1+publicKeyLen])
	rest := data[1+publicKeyLen+1:]
	if len(rest) < khLen {
		return nil, fmt.Errorf("%w: truncated key handle", ErrMalformedResponse)
	}
	keyHandle := rest[:khLen]

	cert := new(asn1.RawValue)
	sig, err := asn1.Unmarshal(rest[khLen:], cert)
	if err != nil {
		return nil, fmt.Errorf("%w: attestation certificate: %v", ErrMalformedResponse, err)
	}
	if len(sig) == 0 {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformedResponse)
	}

	return &RegisterResponse{
		PublicKey:              publicKey,
		KeyHandle:              keyHandle,
		AttestationCertificate: cert.FullBytes,
		Signature:              sig,
	}, nil
}

func encodeAuthenticateRequest(req AuthenticateRequest) ([]byte, error) {
	if len(req.ChallengeHash) != hashLen {
		return nil, fmt.Errorf("u2ftoken: ChallengeHash must be exactly %d bytes", hashLen)
	}
	if len(req.ApplicationHash) != hashLen {
		return nil, fmt.Errorf("u2ftoken: ApplicationHash must be exactly %d bytes", hashLen)
	}
	if len(req.KeyHandle) > maxKeyHandleLen {
		return nil, errors.New("u2ftoken: KeyHandle is too long")
	}

	buf := make([]byte, 0, 2*hashLen+1+len(req.KeyHandle))
	buf = append(buf, req.ChallengeHash...)
	buf = append(buf, req.ApplicationHash...)
	buf = append(buf, byte(len(req.KeyHandle)))
	buf = append(buf, req.KeyHandle...)
	return buf, nil
}

// Authenticate asks the token to sign an assertion with the credential
// named by the key handle. It returns ErrPresenceRequired if the call
// should be retried after proof of user presence, and ErrUnknownKeyHandle
// if the handle was not issued by this token.
func (t *Token) Authenticate(req AuthenticateRequest) (*AuthenticateResponse, error) {
	data, err := encodeAuthenticateRequest(req)
	if err != nil {
		return nil, err
	}

	res, err := t.exchange(Request{
		Instruction: insAuthenticate,
		Param1:      ctrlEnforcePresence,
		Data:        data,
	})
	if err != nil {
		return nil, err
	}
	if !res.IsSuccess() {
		return nil, statusError(res.Status)
	}

	return parseAuthenticateResponse(res.Data)
}

// parseAuthenticateResponse decodes the assertion payload: one presence
// flag byte, a 4-byte big-endian counter, and a trailing DER signature that
// consumes the rest of the payload.
func parseAuthenticateResponse(data []byte) (*AuthenticateResponse, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("%w: %d byte assertion", ErrMalformedResponse, len(data))
	}
	return &AuthenticateResponse{
		UserPresence: data[0],
		Counter:      binary.BigEndian.Uint32(data[1:5]),
		Signature:    data[5:],
	}, nil
}

// CheckAuthenticate asks the token whether it issued the key handle,
// without requiring a test of user presence. A nil error means the handle
// belongs to this token.
func (t *Token) CheckAuthenticate(req AuthenticateRequest) error {
	data, err := encodeAuthenticateRequest(req)
	if err != nil {
		return err
	}

	res, err := t.exchange(Request{
		Instruction: insAuthenticate,
		Param1:      ctrlCheckOnly,
		Data:        data,
	})
	if err != nil {
		return err
	}

	// A valid handle answers conditions-not-satisfied to a check-only
	// request; an unknown one answers wrong-data.
	switch res.Status {
	case statusConditionsNotSatisfied:
		return nil
	case statusWrongData:
		return ErrUnknownKeyHandle
	default:
		return fmt.Errorf("u2ftoken: unexpected status %#04x during auth check", res.Status)
	}
}

// Version returns the U2F protocol version string reported by the token,
// "U2F_V2" for every known device.
func (t *Token) Version() (string, error) {
	res, err := t.exchange(Request{Instruction: insVersion})
	if err != nil {
		return "", err
	}
	if !res.IsSuccess() {
		return "", statusError(res.Status)
	}
	return string(res.Data), nil
}

// exchange performs one encode, transport round trip and status decode.
func (t *Token) exchange(req Request) (*Response, error) {
	raw, err := t.d.Message(req.Encode())
	if err != nil {
		return nil, err
	}
	return DecodeResponse(raw)
}

// SetResponseTimeout sets how long the underlying transport waits for the
// device to answer a single exchange.
func (t *Token) SetResponseTimeout(timeout time.Duration) {
	t.d.SetResponseTimeout(timeout)
}

// Close releases the underlying device.
func (t *Token) Close() {
	t.d.Close()
}
