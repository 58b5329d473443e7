// Package tracking mints and checks the tokens embedded in read-tracking
// pixels.
//
// A token is base64url(json payload) "." base64url(HMAC-SHA256). Only a
// holder of the signing secret can mint one; any change to either half
// fails verification with BadSignature. Rotating the secret invalidates
// every outstanding token.
package tracking

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"strings"

	"github.com/ontask/dataengine/internal/errs"
)

// Payload identifies the cell a hit increments.
type Payload struct {
	ActionID int64 `json:"action"`
	// Recipient is matched against TrackingColumn to find the row.
	Recipient      string `json:"to"`
	TrackingColumn string `json:"column_to"`
	// ColumnDst is the integer column counting reads.
	ColumnDst string `json:"column_dst"`
	Sender    string `json:"sender,omitempty"`
}

// Signer signs and verifies tokens with one secret.
type Signer struct {
	secret []byte
}

// NewSigner returns a signer for secret. An empty secret is rejected.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errs.New(errs.InvalidValue, "tracking secret is empty")
	}
	return &Signer{secret: append([]byte(nil), secret...)}, nil
}

var enc = base64.RawURLEncoding

// Sign encodes p into a token.
func (s *Signer) Sign(p Payload) (string, error) {
	if p.Recipient == "" || p.ColumnDst == "" || p.TrackingColumn == "" {
		return "", errs.New(errs.MissingField, "tracking payload needs recipient, tracking column and counter column")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode tracking payload: %w", err)
	}
	b := enc.EncodeToString(body)
	return b + "." + enc.EncodeToString(s.mac([]byte(b))), nil
}

// Verify checks a token and returns its payload.
func (s *Signer) Verify(token string) (Payload, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok || body == "" || sig == "" {
		return Payload{}, errs.New(errs.BadSignature, "malformed tracking token")
	}
	got, err := enc.DecodeString(sig)
	if err != nil {
		return Payload{}, errs.New(errs.BadSignature, "malformed tracking signature")
	}
	if !hmac.Equal(got, s.mac([]byte(body))) {
		return Payload{}, errs.New(errs.BadSignature, "tracking signature mismatch")
	}
	raw, err := enc.DecodeString(body)
	if err != nil {
		return Payload{}, errs.New(errs.BadSignature, "malformed tracking payload")
	}
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Payload{}, errs.Wrap(errs.BadSignature, err, "decode tracking payload")
	}
	return p, nil
}

func (s *Signer) mac(data []byte) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write(data)
	return m.Sum(nil)
}

// ContentType is the media type of Pixel.
const ContentType = "image/gif"

// pixel is a transparent 1x1 GIF.
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0xff, 0xff,
	0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00,
	0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00,
	0x02, 0x02, 0x44, 0x01, 0x00,
	0x3b,
}

// Pixel returns the image served for every tracking request, valid or not.
func Pixel() []byte {
	return append([]byte(nil), pixel...)
}

// URL returns the pixel address for token under base, for example
// "https://ontask.example.org".
func URL(base, token string) string {
	return strings.TrimRight(base, "/") + "/trck?" + url.Values{"v": {token}}.Encode()
}

// Tag returns an <img> element loading the pixel, ready to append to an
// HTML message.
func Tag(base, token string) string {
	return `<img src="` + html.EscapeString(URL(base, token)) + `" alt="" width="1" height="1"/>`
}
