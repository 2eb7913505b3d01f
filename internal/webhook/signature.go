package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Svix headers sent with every provider callback.
const (
	HeaderID        = "svix-id"
	HeaderTimestamp = "svix-timestamp"
	HeaderSignature = "svix-signature"
)

// ErrInvalidSignature is returned for any request that fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier checks Svix-style HMAC-SHA256 signatures.
type Verifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier decodes a "whsec_<base64>" signing secret. A secret without
// the prefix is used as raw key bytes.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is empty")
	}
	key := []byte(secret)
	if rest, ok := strings.CutPrefix(secret, "whsec_"); ok {
		decoded, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("decode webhook secret: %w", err)
		}
		key = decoded
	}
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Verifier{key: key, tolerance: tolerance, now: time.Now}, nil
}

// Sign returns the signature header value for a payload. Used by tests and
// the CLI to forge local callbacks.
func (v *Verifier) Sign(id string, ts time.Time, body []byte) string {
	return "v1," + base64.StdEncoding.EncodeToString(v.mac(id, strconv.FormatInt(ts.Unix(), 10), body))
}

func (v *Verifier) mac(id, timestamp string, body []byte) []byte {
	m := hmac.New(sha256.New, v.key)
	_, _ = m.Write([]byte(id))
	_, _ = m.Write([]byte("."))
	_, _ = m.Write([]byte(timestamp))
	_, _ = m.Write([]byte("."))
	_, _ = m.Write(body)
	return m.Sum(nil)
}

// Verify checks the headers against the raw body. The signature header may
// carry several space-separated "v1,<base64>" entries during key rotation;
// any match is accepted.
func (v *Verifier) Verify(h http.Header, body []byte) error {
	id := h.Get(HeaderID)
	timestamp := h.Get(HeaderTimestamp)
	signatures := h.Get(HeaderSignature)
	if id == "" || timestamp == "" || signatures == "" {
		return fmt.Errorf("%w: missing headers", ErrInvalidSignature)
	}

	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	delta := v.now().Sub(time.Unix(secs, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := v.mac(id, timestamp, body)
	for _, entry := range strings.Fields(signatures) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}
