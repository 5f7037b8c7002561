// Package core defines the fundamental types and errors for Quants Café.
package core

import "errors"

// Core errors that can occur across the system
var (
	// Storage errors
	ErrStorage         = errors.New("storage failure")
	ErrMigrationFailed = errors.New("migration failed")
	ErrRecordNotFound  = errors.New("record not found")
	ErrDuplicateRecord = errors.New("duplicate record")

	// Agent and asset errors
	ErrAgentNotFound     = errors.New("agent not found")
	ErrOwnerNotFound     = errors.New("owner not found")
	ErrAssetNotFound     = errors.New("asset not found")
	ErrOfferNotFound     = errors.New("offer not found")
	ErrBetNotFound       = errors.New("bet not found")
	ErrInsufficientFunds = errors.New("insufficient funds")

	// Credential errors
	ErrNoKeyAvailable   = errors.New("no api key available")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrEncryptionFailed = errors.New("encryption failed")

	// Director errors
	ErrLLMUnavailable    = errors.New("LLM service unavailable")
	ErrMarketUnavailable = errors.New("market service unavailable")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)

// IsRetryable reports whether err marks an infrastructure failure the caller may retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}
