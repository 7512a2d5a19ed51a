package u2ftoken

import (
	"encoding/binary"
	"errors"
)

// ErrResponseTooShort is returned by DecodeResponse when the buffer is too
// short to carry a status word.
var ErrResponseTooShort = errors.New("u2ftoken: response too short")

// A Request is a single command APDU in the ISO 7816-4 extended-length
// encoding mandated by the U2F raw message format.
type Request struct {
	Instruction uint8
	Param1      uint8
	Param2      uint8
	Data        []byte
}

// Encode serializes the request: class byte, instruction, two parameter
// bytes, a three-byte big-endian payload length, the payload, and a two-byte
// trailer requesting the maximum response length.
func (r Request) Encode() []byte {
	buf := make([]byte, 7, 9+len(r.Data))
	buf[1] = r.Instruction
	buf[2] = r.Param1
	buf[3] = r.Param2
	buf[4] = uint8(len(r.Data) >> 16)
	buf[5] = uint8(len(r.Data) >> 8)
	buf[6] = uint8(len(r.Data))
	buf = append(buf, r.Data...)
	return append(buf, 0x00, 0x00)
}

// A Response is a decoded response APDU.
type Response struct {
	Data   []byte
	Status uint16
}

// DecodeResponse splits a raw response APDU into its payload and trailing
// big-endian status word.
func DecodeResponse(buf []byte) (*Response, error) {
	if len(buf) < 2 {
		return nil, ErrResponseTooShort
	}
	return &Response{
		Data:   buf[:len(buf)-2],
		Status: binary.BigEndian.Uint16(buf[len(buf)-2:]),
	}, nil
}

// IsSuccess reports whether the response carries the success status word.
func (r *Response) IsSuccess() bool {
	return r.Status == statusNoError
}
