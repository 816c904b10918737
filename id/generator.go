// Package id generates short, URL-safe unique identifiers for client names,
// consumer groups and relay workers.
package id

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Alphabet is safe for NATS subjects, Kafka group ids and Postgres identifiers
const Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Length of the random part
const Length = 12

// Generate returns prefix followed by a random suffix
func Generate(prefix string) (string, error) {
	suffix, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("id: %w", err)
	}
	return prefix + suffix, nil
}

// MustGenerate is Generate for call sites that cannot recover from
// an exhausted random source
func MustGenerate(prefix string) string {
	v, err := Generate(prefix)
	if err != nil {
		panic(err)
	}
	return v
}
