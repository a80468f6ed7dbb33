package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/woxQAQ/emubridge/internal/wasm"
)

// NotLoadedError occurs when an operation runs before Load succeeded, or
// after a timeout discarded the guest.
type NotLoadedError struct {
	Op string
}

func (e *NotLoadedError) Error() string {
	return fmt.Sprintf("%s: emulator module not loaded", e.Op)
}

// AlreadyLoadedError occurs when Load is called on a loaded session.
type AlreadyLoadedError struct {
	Source string
}

func (e *AlreadyLoadedError) Error() string {
	return fmt.Sprintf("emulator module '%s' already loaded", e.Source)
}

// OperationInProgressError occurs under the reject overlap policy when an
// operation arrives while another one is running.
type OperationInProgressError struct {
	Op string
}

func (e *OperationInProgressError) Error() string {
	return fmt.Sprintf("%s: another operation is in progress", e.Op)
}

// Error kinds reported to host surfaces.
const (
	KindLoadFailure         = "LoadFailure"
	KindNotLoaded           = "NotLoaded"
	KindAlreadyLoaded       = "AlreadyLoaded"
	KindAllocationFailure   = "AllocationFailure"
	KindDecodeFailure       = "DecodeFailure"
	KindStaleReference      = "StaleReference"
	KindMemoryAccess        = "MemoryAccessFailure"
	KindOperationInProgress = "OperationInProgress"
	KindGuestTimeout        = "GuestTimeout"
	KindGuestFailure        = "GuestFailure"
	KindCanceled            = "Canceled"
	KindInternal            = "Internal"
)

// Kind classifies err. It returns "" for a nil error.
func Kind(err error) string {
	if err == nil {
		return ""
	}

	var (
		notLoaded     *NotLoadedError
		alreadyLoaded *AlreadyLoadedError
		inProgress    *OperationInProgressError
		loadErr       *wasm.LoadError
		timeout       *wasm.TimeoutError
		allocErr      *wasm.AllocationError
		decodeErr     *wasm.DecodeError
		staleErr      *wasm.StaleReferenceError
		accessErr     *wasm.MemoryAccessError
		callErr       *wasm.GuestCallError
	)

	switch {
	case errors.As(err, &notLoaded):
		return KindNotLoaded
	case errors.As(err, &alreadyLoaded):
		return KindAlreadyLoaded
	case errors.As(err, &inProgress):
		return KindOperationInProgress
	case errors.As(err, &loadErr):
		return KindLoadFailure
	case errors.As(err, &timeout):
		return KindGuestTimeout
	case errors.As(err, &allocErr):
		return KindAllocationFailure
	case errors.As(err, &decodeErr):
		return KindDecodeFailure
	case errors.As(err, &staleErr):
		return KindStaleReference
	case errors.As(err, &accessErr):
		return KindMemoryAccess
	case errors.As(err, &callErr):
		return KindGuestFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}
