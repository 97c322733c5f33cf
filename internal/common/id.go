package common

import (
	"github.com/google/uuid"
)

// NewSessionID generates a page session handle
// Format: ps_<uuid>
func NewSessionID() string {
	return "ps_" + uuid.New().String()
}

// NewInstanceID identifies this process in broadcast envelopes
func NewInstanceID() string {
	return uuid.New().String()
}
