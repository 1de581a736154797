// Package ingest turns raw feedback items into deduplicated signal records
// and queues them for embedding.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// minNormalizedLen is the shortest normalized text accepted as a signal,
// counted in runes so multi-byte scripts are measured like ASCII.
const minNormalizedLen = 3

// Normalize lowercases, strips leading and trailing whitespace, and
// collapses internal whitespace runs to single spaces. Two texts with equal
// normalized forms are the same signal.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// ContentHash returns the hex sha256 of the normalized text. Signal records
// key on this hash.
func ContentHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ValidationReason explains why an item was rejected.
func ValidationReason(normalized, product string) string {
	if product == "" {
		return "product is required"
	}
	if utf8.RuneCountInString(normalized) < minNormalizedLen {
		return "text too short after normalization"
	}
	return ""
}
