// Package util provides identifier generation shared across components.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID returns prefix followed by a random UUIDv4 rendered as 32 hex characters.
func GenerateID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateJobID generates a durable job ID with "job_" prefix.
func GenerateJobID() string {
	return GenerateID("job_")
}

// GenerateParticipantID generates an anonymous participant ID with "p_" prefix.
func GenerateParticipantID() string {
	return GenerateID("p_")
}
