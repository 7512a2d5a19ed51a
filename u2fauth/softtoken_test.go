package u2fauth

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	apduRegister     = 0x01
	apduAuthenticate = 0x02
	apduVersion      = 0x03

	controlEnforce   = 0x03
	controlCheckOnly = 0x07

	swNoError                = 0x9000
	swWrongLength            = 0x6700
	swConditionsNotSatisfied = 0x6985
	swWrongData              = 0x6a80
	swInsNotSupported        = 0x6d00
)

// softToken is an in-memory U2F token speaking raw APDUs, with a real P-256
// attestation key and credential key. It doubles as the Transport for flow
// tests.
type softToken struct {
	attKey    *ecdsa.PrivateKey
	attCert   []byte
	credKey   *ecdsa.PrivateKey
	keyHandle []byte
	counter   uint32

	// presenceDelay is the number of enforcing exchanges answered with
	// conditions-not-satisfied before granting presence; negative means
	// never grant it.
	presenceDelay int
	exchanges     int
	closed        bool
}

func newSoftToken(t *testing.T) *softToken {
	t.Helper()

	attKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:       big.NewInt(1),
		Subject:            pkix.Name{CommonName: "Soft U2F Attestation"},
		NotBefore:          time.Now().Add(-time.Hour),
		NotAfter:           time.Now().Add(time.Hour),
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}
	attCert, err := x509.CreateCertificate(rand.Reader, template, template, &attKey.PublicKey, attKey)
	require.NoError(t, err)

	credKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	keyHandle := make([]byte, 32)
	_, err = rand.Read(keyHandle)
	require.NoError(t, err)

	return &softToken{
		attKey:    attKey,
		attCert:   attCert,
		credKey:   credKey,
		keyHandle: keyHandle,
	}
}

func (s *softToken) publicKey() []byte {
	return elliptic.Marshal(elliptic.P256(), s.credKey.X, s.credKey.Y)
}

func statusWord(sw uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, sw)
}

func (s *softToken) Message(req []byte) ([]byte, error) {
	s.exchanges++

	if len(req) < 9 {
		return nil, errors.New("softtoken: short apdu")
	}
	ins := req[1]
	control := req[2]
	n := int(req[4])<<16 | int(req[5])<<8 | int(req[6])
	if len(req) < 7+n {
		return nil, errors.New("softtoken: truncated apdu")
	}
	data := req[7 : 7+n]

	enforcing := ins == apduRegister || (ins == apduAuthenticate && control == controlEnforce)
	if enforcing && s.presenceDelay != 0 {
		if s.presenceDelay > 0 {
			s.presenceDelay--
		}
		return statusWord(swConditionsNotSatisfied), nil
	}

	switch ins {
	case apduRegister:
		return s.register(data)
	case apduAuthenticate:
		return s.authenticate(control, data)
	case apduVersion:
		return append([]byte("U2F_V2"), statusWord(swNoError)...), nil
	default:
		return statusWord(swInsNotSupported), nil
	}
}

func (s *softToken) register(data []byte) ([]byte, error) {
	if len(data) != 64 {
		return statusWord(swWrongLength), nil
	}
	challenge, application := data[:32], data[32:64]
	publicKey := s.publicKey()

	signed := []byte{0x00}
	signed = append(signed, application...)
	signed = append(signed, challenge...)
	signed = append(signed, s.keyHandle...)
	signed = append(signed, publicKey...)
	digest := sha256.Sum256(signed)

	sig, err := ecdsa.SignASN1(rand.Reader, s.attKey, digest[:])
	if err != nil {
		return nil, err
	}

	out := []byte{0x05}
	out = append(out, publicKey...)
	out = append(out, byte(len(s.keyHandle)))
	out = append(out, s.keyHandle...)
	out = append(out, s.attCert...)
	out = append(out, sig...)
	return append(out, statusWord(swNoError)...), nil
}

func (s *softToken) authenticate(control byte, data []byte) ([]byte, error) {
	if len(data) < 65 {
		return statusWord(swWrongLength), nil
	}
	challenge, application := data[:32], data[32:64]
	khLen := int(data[64])
	if len(data) != 65+khLen {
		return statusWord(swWrongLength), nil
	}
	if !bytes.Equal(data[65:], s.keyHandle) {
		return statusWord(swWrongData), nil
	}
	if control == controlCheckOnly {
		return statusWord(swConditionsNotSatisfied), nil
	}

	s.counter++

	signed := append([]byte(nil), application...)
	signed = append(signed, 0x01)
	signed = binary.BigEndian.AppendUint32(signed, s.counter)
	signed = append(signed, challenge...)
	digest := sha256.Sum256(signed)

	sig, err := ecdsa.SignASN1(rand.Reader, s.credKey, digest[:])
	if err != nil {
		return nil, err
	}

	out := []byte{0x01}
	out = binary.BigEndian.AppendUint32(out, s.counter)
	out = append(out, sig...)
	return append(out, statusWord(swNoError)...), nil
}

func (s *softToken) SetResponseTimeout(time.Duration) {}

func (s *softToken) Close() { s.closed = true }

func (s *softToken) opener() func() (Transport, error) {
	return func() (Transport, error) {
		s.closed = false
		return s, nil
	}
}

func newTestAuthenticator(tok *softToken) *Authenticator {
	return New(
		WithDeviceOpener(tok.opener()),
		WithPollInterval(time.Millisecond),
		WithLogger(slog.New(slog.DiscardHandler)),
	)
}
