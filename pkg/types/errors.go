package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrVerification     = errors.New("verification failed")
	ErrStorageExhausted = errors.New("storage exhausted")
	ErrTransport        = errors.New("transport failure")
	ErrIndexCorruption  = errors.New("index corruption")
	ErrInput            = errors.New("invalid input")
)

// NotFoundError reports a missing content record or item.
func NotFoundError(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
}

// VerificationError reports a hash or proof mismatch.
func VerificationError(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrVerification)
}

// StorageExhaustedError reports that a write would exceed the configured capacity.
func StorageExhaustedError(used, requested, capacity int64) error {
	return fmt.Errorf("need %d bytes, %d of %d in use: %w", requested, used, capacity, ErrStorageExhausted)
}

// TransportError wraps a failure returned by the network transport.
func TransportError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// IndexCorruptionError reports a search entry whose content record is gone.
func IndexCorruptionError(id ContentID, term string) error {
	return fmt.Errorf("index entry (%s, %q) has no content record: %w", id, term, ErrIndexCorruption)
}

// InputError reports an unsupported or malformed argument.
func InputError(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInput)
}
