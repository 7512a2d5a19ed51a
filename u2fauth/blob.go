package u2fauth

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
)

// URLEncodedBase64 is a []byte that marshals to raw-URL base64 in JSON
// blobs, the encoding relying parties expect for U2F byte strings. Padded
// input is accepted when unmarshaling.
type URLEncodedBase64 []byte

func (dest *URLEncodedBase64) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	data = bytes.TrimRight(data, "=")
	out := make([]byte, base64.RawURLEncoding.DecodedLen(len(data)))
	n, err := base64.RawURLEncoding.Decode(out, data)
	if err != nil {
		return err
	}
	*dest = out[:n]
	return nil
}

func (data URLEncodedBase64) MarshalJSON() ([]byte, error) {
	if data == nil {
		return []byte("null"), nil
	}
	return []byte(`"` + base64.RawURLEncoding.EncodeToString(data) + `"`), nil
}

// String returns the raw-URL base64 encoding.
func (data URLEncodedBase64) String() string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// ClientData is the collected client data a web host hashes into the
// challenge parameter of a ceremony: callers that speak the web flavor of
// U2F pass EncodeAndHash's JSON as the challenge instead of a bare string.
type ClientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

// EncodeAndHash returns the JSON encoding of c and its SHA-256 digest.
func (c ClientData) EncodeAndHash() (dataJSON, dataHash []byte, err error) {
	dataJSON, err = json.Marshal(c)
	if err != nil {
		return nil, nil, err
	}
	hash := sha256.Sum256(dataJSON)
	return dataJSON, hash[:], nil
}
