// Package u2fauth implements the host side of FIDO U2F: it drives a
// security key through the REGISTER and AUTHENTICATE ceremonies and
// verifies the resulting attestation and assertion signatures offline.
//
// Each ceremony opens its own device handle, blocks until the user touches
// the token or the caller's timeout elapses, and closes the handle before
// returning. No state is kept between calls: persisting the key handle and
// public key of a registration, and enforcing counter monotonicity across
// assertions, is the caller's responsibility.
package u2fauth

import (
	"crypto/sha256"
	"errors"
	"log/slog"
	"time"

	"github.com/tokenauth/u2fhost/u2fhid"
	"github.com/tokenauth/u2fhost/u2ftoken"
)

const defaultPollInterval = 200 * time.Millisecond

var (
	// ErrTimeout is returned when the user does not prove presence within
	// the caller's timeout budget.
	ErrTimeout = errors.New("u2fauth: timed out waiting for user presence")

	// ErrInvalidCertificate is returned when an attestation certificate
	// cannot be parsed.
	ErrInvalidCertificate = errors.New("u2fauth: malformed attestation certificate")

	// ErrInvalidSignature is returned when cryptographic verification of a
	// registration or assertion fails.
	ErrInvalidSignature = errors.New("u2fauth: signature verification failed")

	// ErrInvalidPublicKey is returned when a public key is not a valid
	// uncompressed P-256 point.
	ErrInvalidPublicKey = errors.New("u2fauth: invalid public key")
)

// A Transport is a message channel to one U2F token. It is implemented by
// *u2fhid.Device.
type Transport interface {
	Message(data []byte) ([]byte, error)
	SetResponseTimeout(timeout time.Duration)
	Close()
}

// A Registration is the parsed result of a successful REGISTER ceremony.
// The byte fields marshal to raw-URL base64, so a host can hand the whole
// struct to a caller as a JSON blob.
type Registration struct {
	// PublicKey is the uncompressed P-256 point of the credential, 65 bytes
	// starting with 0x04. The caller persists it together with KeyHandle.
	PublicKey URLEncodedBase64 `json:"publicKey"`

	// KeyHandle is the token-issued credential identifier, opaque to
	// everything but the token that minted it.
	KeyHandle URLEncodedBase64 `json:"keyHandle"`

	// AttestationCertificate is the DER certificate the token signs
	// registrations with.
	AttestationCertificate URLEncodedBase64 `json:"attestationCertificate"`

	// Signature is the DER ECDSA attestation signature.
	Signature URLEncodedBase64 `json:"signature"`
}

// An Assertion is the parsed result of a successful AUTHENTICATE ceremony.
type Assertion struct {
	// UserPresence has bit 0 set when the token verified a touch.
	UserPresence byte `json:"userPresence"`

	// Counter is the token's signature counter at the time of the
	// assertion.
	Counter uint32 `json:"counter"`

	// Signature is the DER ECDSA signature over the assertion data.
	Signature URLEncodedBase64 `json:"signature"`
}

// An Authenticator performs U2F ceremonies against the first connected
// token.
type Authenticator struct {
	logger       *slog.Logger
	pollInterval time.Duration
	openDevice   func() (Transport, error)
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger routes ceremony logging to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// WithPollInterval sets the delay between user-presence retries.
func WithPollInterval(interval time.Duration) Option {
	return func(a *Authenticator) {
		a.pollInterval = interval
	}
}

// WithDeviceOpener replaces the transport used for ceremonies. The opener
// is invoked once per operation and the returned transport is closed before
// the operation returns.
func WithDeviceOpener(open func() (Transport, error)) Option {
	return func(a *Authenticator) {
		a.openDevice = open
	}
}

// New returns an Authenticator talking to the first connected U2F token.
func New(opts ...Option) *Authenticator {
	a := &Authenticator{
		logger:       slog.Default(),
		pollInterval: defaultPollInterval,
		openDevice:   openFirstDevice,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func openFirstDevice() (Transport, error) {
	devices, err := u2fhid.Devices()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, u2fhid.ErrNoDevice
	}
	return u2fhid.Open(devices[0])
}

// Register asks the token to create a credential for application. It blocks
// until the user touches the token or timeout elapses.
func (a *Authenticator) Register(application string, timeout time.Duration, challenge string) (*Registration, error) {
	applicationHash := sha256.Sum256([]byte(application))
	challengeHash := sha256.Sum256([]byte(challenge))

	dev, err := a.openDevice()
	if err != nil {
		return nil, err
	}
	defer dev.Close()
	dev.SetResponseTimeout(timeout)

	tok := u2ftoken.NewToken(dev)
	req := u2ftoken.RegisterRequest{
		ChallengeHash:   challengeHash[:],
		ApplicationHash: applicationHash[:],
	}

	var res *u2ftoken.RegisterResponse
	err = a.waitForPresence(timeout, func() error {
		var err error
		res, err = tok.Register(req)
		return err
	})
	if err != nil {
		return nil, err
	}

	a.logger.Debug("u2fauth: registered credential",
		"application", application,
		"keyHandleLen", len(res.KeyHandle),
	)

	return &Registration{
		PublicKey:              res.PublicKey,
		KeyHandle:              res.KeyHandle,
		AttestationCertificate: res.AttestationCertificate,
		Signature:              res.Signature,
	}, nil
}

// Sign asks the token to assert the credential named by keyHandle for
// application. It blocks until the user touches the token or timeout
// elapses.
func (a *Authenticator) Sign(application string, timeout time.Duration, challenge string, keyHandle []byte) (*Assertion, error) {
	applicationHash := sha256.Sum256([]byte(application))
	challengeHash := sha256.Sum256([]byte(challenge))

	dev, err := a.openDevice()
	if err != nil {
		return nil, err
	}
	defer dev.Close()
	dev.SetResponseTimeout(timeout)

	tok := u2ftoken.NewToken(dev)
	req := u2ftoken.AuthenticateRequest{
		ChallengeHash:   challengeHash[:],
		ApplicationHash: applicationHash[:],
		KeyHandle:       keyHandle,
	}

	var res *u2ftoken.AuthenticateResponse
	err = a.waitForPresence(timeout, func() error {
		var err error
		res, err = tok.Authenticate(req)
		return err
	})
	if err != nil {
		return nil, err
	}

	a.logger.Debug("u2fauth: signed assertion",
		"application", application,
		"counter", res.Counter,
	)

	return &Assertion{
		UserPresence: res.UserPresence,
		Counter:      res.Counter,
		Signature:    res.Signature,
	}, nil
}

// CheckKeyHandle reports whether the connected token issued keyHandle for
// application. It does not require a touch.
func (a *Authenticator) CheckKeyHandle(application string, keyHandle []byte) error {
	applicationHash := sha256.Sum256([]byte(application))
	challengeHash := sha256.Sum256(nil)

	dev, err := a.openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	return u2ftoken.NewToken(dev).CheckAuthenticate(u2ftoken.AuthenticateRequest{
		ChallengeHash:   challengeHash[:],
		ApplicationHash: applicationHash[:],
		KeyHandle:       keyHandle,
	})
}

// waitState tracks the user-presence wait loop.
type waitState int

const (
	statePending waitState = iota
	stateGranted
	stateExpired
	stateFailed
)

// waitForPresence runs op until it stops returning ErrPresenceRequired,
// sleeping pollInterval between attempts. The elapsed wall clock is checked
// every iteration; once the budget is spent the wait expires even if the
// token keeps asking for a touch.
func (a *Authenticator) waitForPresence(timeout time.Duration, op func() error) error {
	deadline := time.Now().Add(timeout)

	state := statePending
	var opErr error
	for state == statePending {
		switch opErr = op(); {
		case opErr == nil:
			state = stateGranted
		case errors.Is(opErr, u2ftoken.ErrPresenceRequired):
			a.logger.Debug("u2fauth: waiting for user presence")
			time.Sleep(a.pollInterval)
			if !time.Now().Before(deadline) {
				state = stateExpired
			}
		case errors.Is(opErr, u2fhid.ErrReadTimeout):
			state = stateExpired
		default:
			state = stateFailed
		}
	}

	switch state {
	case stateExpired:
		return ErrTimeout
	case stateFailed:
		return opErr
	}
	return nil
}
