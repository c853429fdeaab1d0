/*
Package randx provides functions for generating unique identifiers.

Message, call, and connection identifiers are standard UUID v4 strings. Call IDs
let both peers tell one call attempt from the next.
*/
package randx

import (
	"github.com/google/uuid"
)

// MessageID generates a standard UUID v4 string to serve as a unique identifier for a message.
func MessageID() string {
	return uuid.New().String()
}

// CallID generates the identifier carried on every signaling message of one call attempt.
func CallID() string {
	return uuid.New().String()
}

// ConnID generates the identifier of a single realtime connection.
func ConnID() string {
	return uuid.New().String()
}

// IsValidID reports whether s is a well-formed UUID.
func IsValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
