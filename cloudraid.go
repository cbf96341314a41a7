// Package cloudraid stripes a virtual file across three unreliable blob
// stores, keeping two replicas of every block.
package cloudraid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Backend is the capability surface the core needs from one blob store.
// Keys are flat; there are no directories and no cross-key transactions.
type Backend interface {
	Name() string

	// List returns every key starting with prefix. An empty store is not an
	// error.
	List(ctx context.Context, prefix string) ([]string, error)

	// Read returns the stored bytes. A missing key returns an error wrapping
	// ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write fully replaces any existing value. The new value must be visible
	// to Read by the time Write returns.
	Write(ctx context.Context, key string, p []byte) error

	// Delete removes key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error
}

// ErrNotFound is returned by Backend.Read when a key is absent.
var ErrNotFound = errors.New("key not found")

// BackendError is a transient or backend-specific failure of one call.
type BackendError struct {
	Backend string
	Op      string
	Key     string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Backend, e.Op, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the key is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// BlockUnavailableError is returned when every replica of a block failed.
type BlockUnavailableError struct {
	Block string
	Index int64
	Start int64
	End   int64
	Final bool

	// Errs holds one error per replica that was tried.
	Errs []error
}

func (e *BlockUnavailableError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("block %s (index %d, [%d, %d), final %t) unavailable on all replicas: %s",
		e.Block, e.Index, e.Start, e.End, e.Final, strings.Join(msgs, "; "))
}

// AddressingError signals inconsistent block arithmetic. It is a caller
// contract violation and is never retried.
type AddressingError struct {
	Start, End           int64
	LocalStart, LocalEnd int64
}

func (e *AddressingError) Error() string {
	return fmt.Sprintf("invalid block address: span [%d, %d) gave local range [%d, %d)",
		e.Start, e.End, e.LocalStart, e.LocalEnd)
}

// DeleteTimeoutError is returned when backends did not converge on a
// deletion before the deadline.
type DeleteTimeoutError struct {
	Name      string
	Remaining int
	Elapsed   time.Duration
	Err       error
}

func (e *DeleteTimeoutError) Error() string {
	return fmt.Sprintf("delete %q did not converge after %v (%d keys remaining): %v",
		e.Name, e.Elapsed.Round(time.Millisecond), e.Remaining, e.Err)
}

func (e *DeleteTimeoutError) Unwrap() error {
	return e.Err
}
