// Package xerrors centralizes error wrapping conventions used across bytestag.
package xerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by various packages. Callers should use errors.Is
// to test for these rather than string matching.
var (
	ErrNotFound       = errors.New("key not found")
	ErrReadOnly       = errors.New("table is read-only")
	ErrBucketFull     = errors.New("bucket is full")
	ErrQueueOverflow  = errors.New("queue overflow")
	ErrTimeout        = errors.New("operation timed out")
	ErrStopped        = errors.New("stopped")
	ErrTooLarge       = errors.New("value exceeds maximum size")
	ErrUnacceptable   = errors.New("value not acceptable")
	ErrInvalidAddress = errors.New("invalid address")
)

// Wrap annotates err with message, preserving it for errors.Is/As. Returns
// nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is like Wrap but with formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(fmt.Sprintf(format, args...)+": %w", err)
}
