// Package errors holds the error taxonomy shared by the tree engine, the
// transfer queue and the orchestrator. Provider adapter failures are wrapped
// into one of these kinds at the boundary where the core calls the adapter.
package errors

import (
	goerrors "errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies a failure.
type Kind int

const (
	// Access means the existence or readability of a container could not be
	// determined.
	Access Kind = iota + 1
	// Creation means a create found a conflicting container, or the provider
	// rejected the creation.
	Creation
	// Operation covers refresh, move, rename, delete and tree builds.
	Operation
	// Transfer covers uploads and downloads.
	Transfer
	// Authorisation means credentials could not be acquired or refreshed.
	Authorisation
	// Build means the orchestrator itself could not be constructed.
	Build
)

func (k Kind) String() string {
	switch k {
	case Access:
		return "access error"
	case Creation:
		return "creation error"
	case Operation:
		return "operation error"
	case Transfer:
		return "transfer error"
	case Authorisation:
		return "authorisation error"
	case Build:
		return "build error"
	default:
		return "error"
	}
}

var (
	// ErrConflict is returned when the destination already holds a container
	// with the requested name and overwriting was not requested.
	ErrConflict = New("a container with this name already exists at the destination")

	// ErrNotFound is returned by adapters when a path or handle is unknown.
	ErrNotFound = New("not found")

	// ErrUnsupported is returned by adapters that cannot perform an operation,
	// e.g. cancelling a running transfer.
	ErrUnsupported = New("operation not supported by provider")

	// ErrJobFinished is returned when cancelling a job that already reached a
	// terminal state.
	ErrJobFinished = New("transfer job already finished")
)

// Error is a typed failure from the taxonomy.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (err *Error) Error() string {
	msg := err.Kind.String()
	if err.Op != "" {
		msg = fmt.Sprintf("%s: %s", msg, err.Op)
	}
	if err.Path != "" {
		msg = fmt.Sprintf("%s %q", msg, err.Path)
	}
	if err.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, err.Err)
	}
	return msg
}

func (err *Error) Unwrap() error {
	return err.Err
}

// New returns a plain error with the given message.
func New(msg string) error {
	return goerrors.New(msg)
}

// WithContext annotates err with a description of what was being attempted.
// A nil err stays nil.
func WithContext(err error, context string) error {
	return pkgerrors.Wrap(err, context)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return goerrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return goerrors.As(err, target)
}

// IsKind reports whether err carries a taxonomy error of the given kind.
func IsKind(err error, kind Kind) bool {
	for e := err; e != nil; e = goerrors.Unwrap(e) {
		if typed, ok := e.(*Error); ok && typed.Kind == kind {
			return true
		}
	}
	return false
}

func wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// AccessError wraps err as an Access failure.
func AccessError(op, path string, err error) error {
	return wrap(Access, op, path, err)
}

// CreationError wraps err as a Creation failure.
func CreationError(op, path string, err error) error {
	return wrap(Creation, op, path, err)
}

// OperationError wraps err as an Operation failure.
func OperationError(op, path string, err error) error {
	return wrap(Operation, op, path, err)
}

// TransferError wraps err as a Transfer failure.
func TransferError(op, path string, err error) error {
	return wrap(Transfer, op, path, err)
}

// AuthorisationError wraps err as an Authorisation failure.
func AuthorisationError(op string, err error) error {
	return wrap(Authorisation, op, "", err)
}

// BuildError wraps err as a Build failure.
func BuildError(op string, err error) error {
	return wrap(Build, op, "", err)
}
