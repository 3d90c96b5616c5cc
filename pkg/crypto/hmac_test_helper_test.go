package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

func computeHMACForTest(secret, body []byte, signedAt time.Time) (string, error) {
	mac := hmac.New(sha256.New, secret)
	mac.Write(WebhookHMACMessage(signedAt, body))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func computeHMACOverBodyOnlyForTest(secret, body []byte) (string, error) {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
