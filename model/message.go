package model

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"
)

// RawMessage is a single undecoded email message handed over by a source.
type RawMessage struct {
	ID         string
	Source     string
	Hash       string
	ReceivedAt time.Time
	Size       int64
	Raw        []byte
}

// NewRawMessage fills in the hash and size of raw.
func NewRawMessage(id, source string, raw []byte) RawMessage {
	return RawMessage{
		ID:     id,
		Source: source,
		Hash:   HashRaw(raw),
		Size:   int64(len(raw)),
		Raw:    raw,
	}
}

// HashRaw returns the base64 SHA-256 digest used to track processed messages.
func HashRaw(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ShortHash returns a 16 character hex prefix of the SHA-256 of raw. Sources
// use it as the id of messages that carry none.
func ShortHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// Envelope wraps a message alongside an optional error encountered while reading it.
type Envelope struct {
	Message RawMessage
	Err     error
}
