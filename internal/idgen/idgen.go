// Package idgen generates short, URL-safe, collision-resistant opaque identifiers
// for sessions, files, executions and requests.
package idgen

import (
	"crypto/rand"
)

const (
	length = 21

	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	interior     = alphanumeric + "_-"
)

// New generates a 21-character id whose first and last characters are
// alphanumeric and whose interior characters are alphanumeric, "_" or "-".
func New() string {
	buf := make([]byte, length)
	randIndex(buf[:1], alphanumeric)
	if length > 2 {
		randIndex(buf[1:length-1], interior)
	}
	randIndex(buf[length-1:], alphanumeric)
	return string(buf)
}

func randIndex(dst []byte, alphabet string) {
	raw := make([]byte, len(dst))
	if _, err := rand.Read(raw); err != nil {
		panic("idgen: crypto/rand unavailable: " + err.Error())
	}
	n := len(alphabet)
	for i, b := range raw {
		dst[i] = alphabet[int(b)%n]
	}
}

// NewSessionID generates a new opaque session identifier.
func NewSessionID() string { return New() }

// NewFileID generates a new opaque file identifier.
func NewFileID() string { return New() }

// NewExecutionID generates a new opaque execution identifier.
func NewExecutionID() string { return New() }

// NewRequestID generates a new opaque request identifier.
func NewRequestID() string { return New() }
