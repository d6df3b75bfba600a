package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// GenerateCallID generates a unique call ID
func GenerateCallID() string {
	return GenerateID("call")
}

// GenerateSessionID generates a unique signaling session ID
func GenerateSessionID() string {
	return GenerateID("sess")
}

// GenerateMessageID generates a unique signaling message ID
func GenerateMessageID() string {
	return GenerateID("msg")
}

// GenerateEntryID generates a call log entry ID
func GenerateEntryID() string {
	return uuid.New().String()
}
