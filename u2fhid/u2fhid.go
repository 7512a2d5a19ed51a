// Package u2fhid implements the low-level FIDO U2F HID transport: device
// enumeration on the FIDO usage page, logical channel setup, and packet
// framing of command payloads into fixed-size USB HID reports.
package u2fhid

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sstallion/go-hid"
)

const (
	fidoUsagePage = 0xf1d0
	fidoUsage     = 0x01

	reportLen   = 64
	initDataLen = reportLen - 7
	contDataLen = reportLen - 5

	// An init packet plus 128 continuation packets (SEQ 0x00-0x7f).
	maxPayloadLen = initDataLen + 128*contDataLen

	initPacketBit = 0x80

	cmdPing      = 0x01
	cmdMsg       = 0x03
	cmdInit      = 0x06
	cmdWink      = 0x08
	cmdKeepalive = 0x3b
	cmdError     = 0x3f

	capWink = 0x01
	capCBOR = 0x04
	capNMSG = 0x08

	// DefaultResponseTimeout bounds a single transaction's wait for the
	// device to start answering.
	DefaultResponseTimeout = 3 * time.Second
)

var broadcastChannel = [4]byte{0xff, 0xff, 0xff, 0xff}

var (
	// ErrNoDevice is returned when no connected HID device exposes the FIDO
	// usage page.
	ErrNoDevice = errors.New("u2fhid: no U2F device found")

	// ErrReadTimeout is returned when the device does not answer within the
	// configured response timeout.
	ErrReadTimeout = errors.New("u2fhid: read timed out")

	// ErrMessageTooLarge is returned for payloads that cannot be framed
	// into the available continuation packets.
	ErrMessageTooLarge = errors.New("u2fhid: message payload too large")
)

var deviceErrors = map[byte]string{
	0x01: "invalid command",
	0x02: "invalid parameter",
	0x03: "invalid message length",
	0x04: "invalid sequence number",
	0x05: "message timed out",
	0x06: "channel busy",
	0x0a: "channel lock required",
	0x0b: "invalid channel",
	0x7f: "unspecified error",
}

func deviceError(code byte) error {
	if msg, ok := deviceErrors[code]; ok {
		return fmt.Errorf("u2fhid: device error: %s", msg)
	}
	return fmt.Errorf("u2fhid: device error %#02x", code)
}

// DeviceInfo describes a connected HID device on the FIDO usage page.
type DeviceInfo struct {
	Path         string
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
}

// Devices enumerates the connected HID devices that expose the FIDO U2F
// usage page.
func Devices() ([]*DeviceInfo, error) {
	var devices []*DeviceInfo
	err := hid.Enumerate(hid.VendorIDAny, hid.ProductIDAny, func(info *hid.DeviceInfo) error {
		if info.UsagePage != fidoUsagePage || info.Usage != fidoUsage {
			return nil
		}
		devices = append(devices, &DeviceInfo{
			Path:         info.Path,
			VendorID:     info.VendorID,
			ProductID:    info.ProductID,
			Manufacturer: info.MfrStr,
			Product:      info.ProductStr,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("u2fhid: enumerate: %w", err)
	}
	return devices, nil
}

// hidHandle is the slice of *hid.Device the transport needs. Tests use a
// scripted in-memory implementation.
type hidHandle interface {
	Write(p []byte) (int, error)
	ReadWithTimeout(p []byte, timeout time.Duration) (int, error)
	Close() error
}

// A Device is an open logical channel to one U2F token. A Device must not
// be used by concurrent exchanges; Message serializes callers with an
// internal lock, but the per-call open/use/close discipline of the higher
// layers is what keeps handles exclusive.
type Device struct {
	// Version fields reported by the device during channel initialization.
	ProtocolVersion    uint8
	MajorDeviceVersion uint8
	MinorDeviceVersion uint8
	BuildDeviceVersion uint8

	CapabilityWink bool
	CapabilityCBOR bool
	CapabilityNMSG bool

	info    *DeviceInfo
	handle  hidHandle
	channel [4]byte
	logger  *slog.Logger

	mtx             sync.Mutex
	responseTimeout time.Duration
}

// Option configures a Device at open time.
type Option func(*Device)

// WithLogger routes the transport's debug frame logging to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) {
		d.logger = logger
	}
}

// Open opens the device described by info and allocates a logical channel
// on it.
func Open(info *DeviceInfo, opts ...Option) (*Device, error) {
	h, err := hid.OpenPath(info.Path)
	if err != nil {
		return nil, fmt.Errorf("u2fhid: open %s: %w", info.Path, err)
	}

	d := &Device{
		info:            info,
		handle:          h,
		channel:         broadcastChannel,
		logger:          slog.Default(),
		responseTimeout: DefaultResponseTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.allocateChannel(); err != nil {
		h.Close()
		return nil, err
	}
	return d, nil
}

// allocateChannel sends CTAPHID_INIT with a fresh nonce on the broadcast
// channel and records the channel ID, version and capability flags the
// device answers with.
func (d *Device) allocateChannel() error {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	res, err := d.transact(cmdInit, nonce)
	if err != nil {
		return fmt.Errorf("u2fhid: init: %w", err)
	}
	if len(res) < 17 {
		return fmt.Errorf("u2fhid: short init response (%d bytes)", len(res))
	}
	if !bytes.Equal(res[:8], nonce) {
		return errors.New("u2fhid: init nonce mismatch")
	}

	copy(d.channel[:], res[8:12])
	d.ProtocolVersion = res[12]
	d.MajorDeviceVersion = res[13]
	d.MinorDeviceVersion = res[14]
	d.BuildDeviceVersion = res[15]
	d.CapabilityWink = res[16]&capWink != 0
	d.CapabilityCBOR = res[16]&capCBOR != 0
	d.CapabilityNMSG = res[16]&capNMSG != 0
	return nil
}

// Message sends an encoded APDU to the token and returns the raw response
// APDU.
func (d *Device) Message(data []byte) ([]byte, error) {
	return d.transact(cmdMsg, data)
}

// Ping echoes data through the token, verifying the channel works.
func (d *Device) Ping(data []byte) ([]byte, error) {
	res, err := d.transact(cmdPing, data)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(res, data) {
		return nil, errors.New("u2fhid: ping response mismatch")
	}
	return res, nil
}

// Wink asks the token to identify itself, typically by blinking its LED.
func (d *Device) Wink() error {
	if !d.CapabilityWink {
		return errors.New("u2fhid: device does not support wink")
	}
	_, err := d.transact(cmdWink, nil)
	return err
}

// SetResponseTimeout sets the time a transaction waits for response frames
// before giving up.
func (d *Device) SetResponseTimeout(timeout time.Duration) {
	d.mtx.Lock()
	d.responseTimeout = timeout
	d.mtx.Unlock()
}

// Close releases the underlying HID handle.
func (d *Device) Close() {
	d.handle.Close()
}

// transact performs one command/response round trip: the payload is
// fragmented into init and continuation reports, and response reports are
// reassembled until the byte count announced in the response init packet is
// consumed.
func (d *Device) transact(cmd byte, data []byte) ([]byte, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.writeRequest(cmd, data); err != nil {
		return nil, err
	}
	return d.readResponse(cmd)
}

// buildFrames fragments a payload into fixed-size HID reports: one init
// packet carrying the command and big-endian byte count, then numbered
// continuation packets.
func buildFrames(channel [4]byte, cmd byte, data []byte) ([][]byte, error) {
	if len(data) > maxPayloadLen {
		return nil, ErrMessageTooLarge
	}

	frame := make([]byte, 7, reportLen)
	copy(frame, channel[:])
	frame[4] = cmd | initPacketBit
	binary.BigEndian.PutUint16(frame[5:7], uint16(len(data)))
	frames := [][]byte{append(frame, lo.Slice(data, 0, initDataLen)...)}

	if len(data) > initDataLen {
		for seq, chunk := range lo.Chunk(data[initDataLen:], contDataLen) {
			frame := make([]byte, 5, reportLen)
			copy(frame, channel[:])
			frame[4] = byte(seq)
			frames = append(frames, append(frame, chunk...))
		}
	}
	return frames, nil
}

func (d *Device) writeRequest(cmd byte, data []byte) error {
	frames, err := buildFrames(d.channel, cmd, data)
	if err != nil {
		return err
	}

	// Every write is one full report prefixed with report ID 0, zero padded
	// to the report length.
	report := make([]byte, reportLen+1)
	for _, f := range frames {
		clear(report)
		copy(report[1:], f)
		d.logger.Debug("u2fhid: write", "frame", hex.EncodeToString(f))
		if _, err := d.handle.Write(report); err != nil {
			return fmt.Errorf("u2fhid: write: %w", err)
		}
	}
	return nil
}

func (d *Device) readFrame(buf []byte, deadline time.Time) ([]byte, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, ErrReadTimeout
	}
	n, err := d.handle.ReadWithTimeout(buf, remaining)
	if err != nil {
		return nil, fmt.Errorf("u2fhid: read: %w", err)
	}
	if n == 0 {
		return nil, ErrReadTimeout
	}
	d.logger.Debug("u2fhid: read", "frame", hex.EncodeToString(buf[:n]))
	return buf[:n], nil
}

func (d *Device) readResponse(cmd byte) ([]byte, error) {
	deadline := time.Now().Add(d.responseTimeout)
	buf := make([]byte, reportLen)

	for {
		frame, err := d.readFrame(buf, deadline)
		if err != nil {
			return nil, err
		}
		if len(frame) < 7 || !bytes.Equal(frame[:4], d.channel[:]) {
			// Traffic for another channel.
			continue
		}

		switch frame[4] {
		case cmd | initPacketBit:
		case cmdKeepalive | initPacketBit:
			continue
		case cmdError | initPacketBit:
			if len(frame) < 8 {
				return nil, errors.New("u2fhid: truncated error frame")
			}
			return nil, deviceError(frame[7])
		default:
			// Stale response to an earlier transaction.
			continue
		}

		total := int(binary.BigEndian.Uint16(frame[5:7]))
		data := append([]byte(nil), frame[7:]...)

		var seq byte
		for len(data) < total {
			frame, err := d.readFrame(buf, deadline)
			if err != nil {
				return nil, err
			}
			if len(frame) < 5 || !bytes.Equal(frame[:4], d.channel[:]) {
				continue
			}
			if frame[4] != seq {
				return nil, fmt.Errorf("u2fhid: expected continuation %d, got packet %#02x", seq, frame[4])
			}
			seq++
			data = append(data, frame[5:]...)
		}

		return data[:total], nil
	}
}
