package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies strmsync errors.
type Kind int

const (
	KindInvalid Kind = iota
	// KindConfig marks a mount mapping or template that cannot be used.
	KindConfig
	// KindFetch marks a remote tree that could not be retrieved.
	KindFetch
	// KindParse marks tree text that does not follow the export grammar.
	KindParse
	// KindWrite marks a failed directory creation, pointer write or file copy.
	KindWrite
	// KindPersist marks a failed index load or flush.
	KindPersist
	KindNotFound
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration error"
	case KindFetch:
		return "fetch failure"
	case KindParse:
		return "parse anomaly"
	case KindWrite:
		return "write failure"
	case KindPersist:
		return "persistence failure"
	case KindNotFound:
		return "not found"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
