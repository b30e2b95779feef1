package protocol

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"
)

const (
	CodeLength    = 6
	CodeAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	MaxNameLength = 20
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrInvalidName      = fmt.Errorf("%w: invalid player name", ErrValidation)
	ErrInvalidCode      = fmt.Errorf("%w: invalid room code", ErrValidation)
	ErrIdentityMismatch = fmt.Errorf("%w: playerId does not match this connection", ErrValidation)
)

// NormalizeCode trims and upper-cases a room code. It does not validate.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateCode normalizes code and checks it is six letters or digits.
func ValidateCode(code string) (string, error) {
	c := NormalizeCode(code)
	if len(c) != CodeLength {
		return "", fmt.Errorf("%w: room code must be %d characters", ErrInvalidCode, CodeLength)
	}
	for i := 0; i < len(c); i++ {
		if !strings.ContainsRune(CodeAlphabet, rune(c[i])) {
			return "", fmt.Errorf("%w: room code must be letters and digits only", ErrInvalidCode)
		}
	}
	return c, nil
}

// ValidateName trims name and rejects empty or oversized names.
func ValidateName(name string) (string, error) {
	n := strings.TrimSpace(name)
	if n == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if utf8.RuneCountInString(n) > MaxNameLength {
		return "", fmt.Errorf("%w: name must be at most %d characters", ErrInvalidName, MaxNameLength)
	}
	return n, nil
}

// CheckIdentity rejects a request that claims to be a different connection
// than the one it arrived on. An empty claim is fine.
func CheckIdentity(claimed, connectionID string) error {
	if claimed != "" && claimed != connectionID {
		return ErrIdentityMismatch
	}
	return nil
}

func GenerateCode() (string, error) {
	code := make([]byte, CodeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(CodeAlphabet))))
		if err != nil {
			return "", err
		}
		code[i] = CodeAlphabet[num.Int64()]
	}
	return string(code), nil
}
