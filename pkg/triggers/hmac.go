package triggers

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"
	"time"

	"github.com/casare-rpa/orchestrator/pkg/models"
)

// DefaultStripeTolerance bounds |now - t| for timestamped signatures.
const DefaultStripeTolerance = 300 * time.Second

func hashFor(authType models.TriggerAuthType) func() hash.Hash {
	switch authType {
	case models.TriggerAuthHMAC1:
		return sha1.New
	case models.TriggerAuthHMAC256:
		return sha256.New
	case models.TriggerAuthHMAC384:
		return sha512.New384
	case models.TriggerAuthHMAC512:
		return sha512.New
	default:
		return nil
	}
}

func computeHMAC(newHash func() hash.Hash, secret string, body []byte) string {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyHMACSignature checks a webhook signature header against the HMAC of
// the raw body. Three header shapes are accepted:
//
//	sha256=<hex>           GitHub style, algo prefix must match authType
//	t=<unix>,v1=<hex>,...  Stripe style, t bounded by tolerance
//	<hex>                  plain digest
//
// All digest comparisons are constant-time.
func verifyHMACSignature(authType models.TriggerAuthType, secret string, body []byte, header string, tolerance time.Duration, now time.Time) bool {
	newHash := hashFor(authType)
	if newHash == nil || secret == "" || header == "" {
		return false
	}
	expected := computeHMAC(newHash, secret, body)
	header = strings.TrimSpace(header)

	if strings.Contains(header, "t=") && strings.Contains(header, "v1=") {
		return verifyStripeHeader(header, expected, tolerance, now)
	}

	if algo, digest, ok := strings.Cut(header, "="); ok {
		algoMatches := "hmac_"+strings.ToLower(algo) == string(authType)
		return algoMatches && digestEqual(digest, expected)
	}

	return digestEqual(header, expected)
}

func verifyStripeHeader(header, expected string, tolerance time.Duration, now time.Time) bool {
	var ts int64
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return false
			}
			ts = parsed
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if ts == 0 || len(signatures) == 0 {
		return false
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age < -tolerance || age > tolerance {
			return false
		}
	}

	for _, sig := range signatures {
		if digestEqual(sig, expected) {
			return true
		}
	}
	return false
}

func digestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}
