// Package lolaerr defines the named error kinds surfaced by the LoLa core.
//
// Kinds are comparable with errors.Is: every core package wraps a kind with
// additional context via fmt.Errorf("...: %w", lolaerr.SampleAllocationFailure)
// rather than returning the sentinel bare, so callers keep both the kind and
// the call-site detail.
package lolaerr

import "errors"

// Kind is a comparable error kind. Core operations wrap a Kind with
// fmt.Errorf("%w: detail", kind) so callers can both errors.Is(err, Kind)
// and print a human-readable cause.
type Kind error

var (
	// BindingFailure is a generic unrecoverable failure in the core path:
	// shared-memory create/open failed, rollback failed, or a flock that
	// should have succeeded in context did not.
	BindingFailure Kind = errors.New("lola: binding failure")

	// ServiceNotOffered means the flag file advertising an offer could not
	// be created.
	ServiceNotOffered Kind = errors.New("lola: service not offered")

	// NotSubscribed means a proxy-event operation was invoked without a
	// prior subscribe.
	NotSubscribed Kind = errors.New("lola: not subscribed")

	// SampleAllocationFailure means the allocator exhausted its retry
	// budget without finding a free slot.
	SampleAllocationFailure Kind = errors.New("lola: sample allocation failure")

	// ErroneousFileHandle means shared-memory segment creation failed.
	ErroneousFileHandle Kind = errors.New("lola: erroneous file handle")

	// FieldValueIsNotValid means a field was offered without an initial
	// value.
	FieldValueIsNotValid Kind = errors.New("lola: field value is not valid")

	// InvalidBindingInformation means the deployment configuration is
	// missing a required binding variant.
	InvalidBindingInformation Kind = errors.New("lola: invalid binding information")
)

// Is reports whether err wraps kind, a thin readability wrapper around
// errors.Is for call sites that prefer lolaerr.Is(err, lolaerr.NotSubscribed).
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
