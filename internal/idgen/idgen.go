// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Entity ID prefixes used across the pipeline.
const (
	PrefixUser         = "usr_"
	PrefixDevice       = "dev_"
	PrefixSession      = "ses_"
	PrefixEvent        = "evt_"
	PrefixRisk         = "rsk_"
	PrefixIntervention = "ivn_"
	PrefixFeedback     = "fbk_"
	PrefixGuardian     = "grd_"
	PrefixTemplate     = "tpl_"
	PrefixAPIKey       = "uk_"
)

// WithPrefix generates a random ID: prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
