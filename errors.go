package ecash

import (
	"errors"
	"strings"
	"syscall"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrQuoteNotPaid is returned by an issuer while a funding invoice is unpaid.
	ErrQuoteNotPaid = errors.New("quote not paid")
	// ErrAlreadySpent is returned when a token was already redeemed elsewhere.
	ErrAlreadySpent = errors.New("token already spent")

	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrUnknownIssuer        = errors.New("unknown issuer")
	ErrInvalidIssuer        = errors.New("invalid issuer")
	ErrBuiltinIssuer        = errors.New("built-in issuer cannot be removed")
	ErrInvalidMnemonic      = errors.New("invalid recovery phrase")
	ErrBackupRequired       = errors.New("seed phrase backup not confirmed")
	ErrNotFound             = errors.New("not found")
	ErrConfirmationRequired = errors.New("confirmation required")

	// ErrQuotaExceeded is returned when the store has no room for a write.
	// Callers must surface it, the new proofs were not persisted.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

func storageError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, badger.ErrTxnTooBig) || errors.Is(err, syscall.ENOSPC) || valueTooLarge(err) {
		return errors.Join(ErrQuotaExceeded, err)
	}

	return err
}

// valueTooLarge reports badger's untyped rejection of a single value over
// the value log or in-memory threshold.
func valueTooLarge(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Value with size") && strings.Contains(msg, "limit")
}
