package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// SpawnKey derives the worker-endpoint key: HMAC-SHA256 of the current
// unix time bucketed to ~16-minute windows (⌊seconds/1000⌋), keyed with
// the ACTION_KEY secret. The bucket width keeps the key valid across the
// short gap between issuing the spawn request and serving it.
func SpawnKey(secret string, t time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(t.Unix()/1000, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySpawnKey recomputes the key for t and compares constant-time.
func VerifySpawnKey(secret, key string, t time.Time) bool {
	return hmac.Equal([]byte(SpawnKey(secret, t)), []byte(key))
}

// VerifySecret constant-time compares the X-Action-Secret header value
// against the configured shared secret.
func VerifySecret(secret, candidate string) bool {
	return hmac.Equal([]byte(secret), []byte(candidate))
}
