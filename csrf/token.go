package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"time"
)

// TokenBytes is the amount of entropy in every token; the wire form is
// twice as many lowercase hex characters.
const TokenBytes = 32

// Session key prefixes, one per kind of entry a token owns. No prefix is a
// prefix of another, so a token name can never address another token's
// timestamp or counters.
const (
	prefixValue = "csrf.value."
	prefixTime  = "csrf.time."
	prefixCount = "csrf.count."
	prefixTimer = "csrf.level."
)

// newToken returns 32 random bytes as a 64-character hex string.
func newToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func equalTokens(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func valueKey(name string) string { return prefixValue + name }
func timeKey(name string) string  { return prefixTime + name }
func countKey(name string) string { return prefixCount + name }
func timerKey(name string) string { return prefixTimer + name }

// allKeys lists every session entry a token can own.
func allKeys(name string) []string {
	return []string{valueKey(name), timeKey(name), countKey(name), timerKey(name)}
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseTime(s string) (time.Time, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// parseCount reads a stored counter; absent or garbled values count as zero.
func parseCount(s string, ok bool) int {
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
