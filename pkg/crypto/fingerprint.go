package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidKeySize 指纹密钥过短
	ErrInvalidKeySize = errors.New("fingerprint key must be at least 32 bytes")
	// ErrEmptyFingerprint 客户端未提供任何指纹信号
	ErrEmptyFingerprint = errors.New("fingerprint signals are empty")
)

// MinKeySize is the minimum HMAC key length in bytes.
const MinKeySize = 32

// Signals are the client attributes bound to a session.
type Signals struct {
	UserAgent      string
	AcceptLanguage string
	Platform       string // Sec-CH-UA-Platform
	ClientHint     string // Sec-CH-UA
	ClientID       string // optional caller-supplied device id
}

func (s Signals) canonical() string {
	parts := []string{
		strings.TrimSpace(s.UserAgent),
		strings.ToLower(strings.TrimSpace(s.AcceptLanguage)),
		strings.Trim(strings.TrimSpace(s.Platform), `"`),
		strings.TrimSpace(s.ClientHint),
		strings.TrimSpace(s.ClientID),
	}
	return strings.Join(parts, "\x1f")
}

// IsEmpty reports whether no signal is present.
func (s Signals) IsEmpty() bool {
	return strings.Trim(s.canonical(), "\x1f") == ""
}

// FingerprintHasher 基于 HMAC-SHA256 计算设备指纹
// 指纹仅作为不透明字符串比较，不可逆
type FingerprintHasher struct {
	key []byte
}

// NewFingerprintHasher creates a hasher. key must be at least MinKeySize bytes.
func NewFingerprintHasher(key []byte) (*FingerprintHasher, error) {
	if len(key) < MinKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &FingerprintHasher{key: k}, nil
}

// Hash returns the hex-encoded HMAC of the canonical signals.
func (h *FingerprintHasher) Hash(s Signals) (string, error) {
	if s.IsEmpty() {
		return "", ErrEmptyFingerprint
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(s.canonical()))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Equal compares two fingerprint hashes in constant time.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		// 长度不同时仍执行一次比较，避免长度泄露时序差异
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
