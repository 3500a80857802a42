// Package webhook receives provider callbacks, verifies their signatures,
// resolves the owning tenant from provider-asserted identity, and dispatches
// verified events to handlers.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"omnihub/pkg/faults"
)

// verifyShopify checks the X-Shopify-Hmac-Sha256 header: base64 of
// HMAC-SHA256 over the raw body, keyed with the app secret stored on the
// connection.
func verifyShopify(secret string, body []byte, header string) error {
	if header == "" {
		return &faults.SignatureVerificationError{Provider: "shopify", Reason: "missing hmac header"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(header)) {
		return &faults.SignatureVerificationError{Provider: "shopify", Reason: "hmac mismatch"}
	}
	return nil
}

// verifyStripe checks the Stripe-Signature header: t=<unix>,v1=<hex hmac>
// where the hmac is SHA256 over "<t>.<body>". Signatures older than the
// tolerance window are rejected to bound replay.
func verifyStripe(secret string, body []byte, header string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return &faults.SignatureVerificationError{Provider: "stripe", Reason: "missing signature header"}
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return &faults.SignatureVerificationError{Provider: "stripe", Reason: "malformed signature header"}
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return &faults.SignatureVerificationError{Provider: "stripe", Reason: "malformed timestamp"}
	}
	age := now.Sub(time.Unix(unix, 0))
	if age < 0 {
		age = -age
	}
	if age > tolerance {
		return &faults.SignatureVerificationError{Provider: "stripe", Reason: "timestamp outside tolerance"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	for _, sig := range sigs {
		if hmac.Equal([]byte(want), []byte(sig)) {
			return nil
		}
	}
	return &faults.SignatureVerificationError{Provider: "stripe", Reason: "signature mismatch"}
}

// verifyMeta checks the X-Hub-Signature-256 header: "sha256=" plus hex of
// HMAC-SHA256 over the raw body, keyed with the app secret.
func verifyMeta(secret string, body []byte, header string) error {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return &faults.SignatureVerificationError{Provider: "meta", Reason: "missing or malformed signature header"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(strings.TrimPrefix(header, prefix))) {
		return &faults.SignatureVerificationError{Provider: "meta", Reason: "signature mismatch"}
	}
	return nil
}
