package api

import (
	"crypto/rand"
	"math/big"
	"regexp"

	"github.com/google/uuid"
)

const (
	idLength = 24
	charset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	workerIDPrefix = "wrk_"
)

var workerIDPattern = regexp.MustCompile(`^wrk_[a-zA-Z0-9]{24}$`)

// NewTraceID returns a fresh trace ID (UUIDv4) used to correlate an
// execution across logs, spans, and the audit record.
func NewTraceID() string {
	return uuid.NewString()
}

// ValidateTraceID reports whether id parses as a UUID.
func ValidateTraceID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// NewWorkerID generates a worker ID with the "wrk_" prefix followed by
// 24 cryptographically random alphanumeric characters.
func NewWorkerID() string {
	return workerIDPrefix + randomAlphanumeric(idLength)
}

// ValidateWorkerID checks whether the given string is a valid worker ID.
func ValidateWorkerID(id string) bool {
	return workerIDPattern.MatchString(id)
}

func randomAlphanumeric(n int) string {
	max := big.NewInt(int64(len(charset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}
