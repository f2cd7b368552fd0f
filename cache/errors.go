package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotInitialized     = errors.New("cache: factory not initialized")
	ErrAlreadyInitialized = errors.New("cache: factory already initialized")
	ErrDestroyed          = errors.New("cache: factory destroyed")
	ErrTransport          = errors.New("cache: transport failure")
	ErrUnknownServer      = errors.New("cache: unknown server name")
	ErrNilStore           = errors.New("cache: nil store")
	ErrIndexSlot          = errors.New("cache: index slot out of range")
	ErrIndexInconsistent  = errors.New("cache: primary and index state diverged")
)

// ConfigError reports an invalid or incomplete factory configuration. It is
// fatal: the factory cannot be initialized.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("cache config: %s %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// OpError describes a failed store operation. Use errors.Is with
// ErrTransport or ErrDestroyed to classify it.
type OpError struct {
	Op        string
	Namespace string
	Key       string
	Err       error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString("cache ")
	b.WriteString(e.Op)
	b.WriteString(" ")
	b.WriteString(e.Namespace)
	if e.Key != "" {
		b.WriteString("/")
		b.WriteString(e.Key)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *OpError) Unwrap() error { return e.Err }

// Is reports every failure as a transport error except lifecycle and slot
// errors and the caller's own cancellation or deadline.
func (e *OpError) Is(target error) bool {
	if target != ErrTransport {
		return false
	}
	return !errors.Is(e.Err, ErrDestroyed) &&
		!errors.Is(e.Err, ErrNotInitialized) &&
		!errors.Is(e.Err, ErrIndexSlot) &&
		!errors.Is(e.Err, context.Canceled) &&
		!errors.Is(e.Err, context.DeadlineExceeded)
}

// SlotError is a failed index write for one slot.
type SlotError struct {
	Slot     int
	IndexKey string
	Err      error
}

func (e SlotError) Error() string {
	return fmt.Sprintf("slot %d (%q): %v", e.Slot, e.IndexKey, e.Err)
}

// IndexError reports that the primary entry was written or removed but one or
// more index updates failed. It is non-fatal: a later successful Put for the
// same key re-converges the index, and GetByIndex filters stale members.
type IndexError struct {
	Namespace string
	Key       string
	Slots     []SlotError
}

func (e *IndexError) Error() string {
	parts := make([]string, len(e.Slots))
	for i, s := range e.Slots {
		parts[i] = s.Error()
	}
	return fmt.Sprintf("cache index %s/%s: %s", e.Namespace, e.Key, strings.Join(parts, "; "))
}

func (e *IndexError) Is(target error) bool { return target == ErrIndexInconsistent }

func (e *IndexError) Unwrap() []error {
	errs := make([]error, len(e.Slots))
	for i, s := range e.Slots {
		errs[i] = s.Err
	}
	return errs
}

func opError(op, namespace, key string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Namespace: namespace, Key: key, Err: err}
}
