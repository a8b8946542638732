package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var errBadSignature = errors.New("invalid webhook signature")

// verifySignature checks the platform's v0 request signature:
// hex(HMAC-SHA256(secret, "v0:<timestamp>:<body>")), with a bounded
// timestamp skew to reject replays.
func verifySignature(secret string, body []byte, timestampHeader, signatureHeader string, now time.Time, maxSkew time.Duration) error {
	timestampHeader = strings.TrimSpace(timestampHeader)
	signatureHeader = strings.TrimSpace(signatureHeader)
	if timestampHeader == "" || signatureHeader == "" {
		return errBadSignature
	}
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return errBadSignature
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return errBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestampHeader + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return errBadSignature
	}
	return nil
}
