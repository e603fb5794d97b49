package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"leadbot/internal/domain"
)

const maxWebhookBody = 1 << 20

// Webhook is a channel whose inbound traffic arrives over HTTP.
type Webhook interface {
	domain.Channel
	WebhookPath() string
	Handler() http.Handler
}

// verifyHMAC verifies a "sha256=<hex>" HMAC-SHA256 signature of body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func parseUnix(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Now()
	}
	return time.Unix(n, 0)
}
