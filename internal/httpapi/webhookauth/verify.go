// Package webhookauth checks signed webhook deliveries. The signature is
// hex(HMAC-SHA256(secret, "<timestamp>.<body>")), optionally prefixed
// with "sha256=", and the timestamp must be within Window of now.
package webhookauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidTimestamp       = errors.New("invalid timestamp")
	ErrTimestampOutsideWindow = errors.New("timestamp outside allowed window")
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrNoSecret               = errors.New("no webhook secret configured")
)

type Input struct {
	// Secret may hold several comma-separated secrets; any of them
	// verifies. This lets senders rotate without downtime.
	Secret          string
	TimestampHeader string
	SignatureHeader string
	Body            []byte
	Now             time.Time
	Window          time.Duration // zero means DefaultWindow
}

const DefaultWindow = 5 * time.Minute

func Verify(in Input) error {
	secrets := splitSecrets(in.Secret)
	if len(secrets) == 0 {
		return ErrNoSecret
	}

	tsHeader := strings.TrimSpace(in.TimestampHeader)
	tsInt, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}

	window := in.Window
	if window <= 0 {
		window = DefaultWindow
	}
	ts := time.Unix(tsInt, 0).UTC()
	now := in.Now.UTC()
	if ts.Before(now.Add(-window)) || ts.After(now.Add(window)) {
		return ErrTimestampOutsideWindow
	}

	sigHeader := strings.TrimPrefix(strings.TrimSpace(in.SignatureHeader), "sha256=")
	provided, err := hex.DecodeString(sigHeader)
	if err != nil {
		return ErrInvalidSignature
	}

	for _, s := range secrets {
		if hmac.Equal(provided, sign(s, tsHeader, in.Body)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignHex computes the hex signature a sender would put in X-Signature.
func SignHex(secret string, timestampHeader string, body []byte) string {
	return hex.EncodeToString(sign(secret, timestampHeader, body))
}

func sign(secret, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(ts))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

func splitSecrets(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
