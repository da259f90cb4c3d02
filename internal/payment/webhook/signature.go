package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/medvoya/core/internal/payment/domain"
)

const (
	SignatureHeader = "X-Medvoya-Signature"
	TimestampHeader = "X-Medvoya-Timestamp"

	// DefaultTolerance bounds the timestamp drift when no tolerance is
	// configured. The staleness window is never disabled.
	DefaultTolerance = 5 * time.Minute
)

// VerifySignature authenticates a raw webhook body. The signature is
// hex(HMAC-SHA256(timestamp + "." + body)) under the shared secret; the
// timestamp must be within tolerance of now. Compare is constant-time.
func VerifySignature(secret string, body []byte, signature, timestamp string, now time.Time, tolerance time.Duration) error {
	if strings.TrimSpace(secret) == "" {
		return paymentdomain.ErrInvalidSignature
	}

	signature = strings.TrimSpace(signature)
	timestamp = strings.TrimSpace(timestamp)
	if signature == "" || timestamp == "" {
		return paymentdomain.ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	sent := time.Unix(unix, 0)
	drift := now.Sub(sent)
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return paymentdomain.ErrStaleTimestamp
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	if !hmac.Equal(provided, expected) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

// Sign produces the signature a gateway would send for a body at the
// given timestamp. Used by clients and tests.
func Sign(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
