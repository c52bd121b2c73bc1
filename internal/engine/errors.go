package engine

import (
	"errors"
	"fmt"

	"pkt.systems/statebus/internal/persist"
)

// Failure is a transport-neutral error. Adapters map Code to their own
// status vocabulary.
type Failure struct {
	Code   string
	Detail string
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Is matches any Failure with the same Code.
func (f Failure) Is(target error) bool {
	var other Failure
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == f.Code
}

var (
	// ErrInvalidArgument reports a missing or malformed argument.
	ErrInvalidArgument = Failure{Code: "invalid_argument"}
	// ErrNotFound reports a require-exists operation on an absent id.
	ErrNotFound = Failure{Code: "not_found"}
	// ErrUnavailable reports an operation that needs a data directory.
	ErrUnavailable = Failure{Code: "unavailable"}
)

func invalidArgument(format string, args ...any) error {
	return Failure{Code: ErrInvalidArgument.Code, Detail: fmt.Sprintf(format, args...)}
}

func notFound(id string) error {
	return Failure{Code: ErrNotFound.Code, Detail: fmt.Sprintf("%q does not exist", id)}
}

func blobFailure(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persist.ErrBlobNotFound):
		return Failure{Code: ErrNotFound.Code, Detail: err.Error()}
	case errors.Is(err, persist.ErrBlobPath):
		return Failure{Code: ErrInvalidArgument.Code, Detail: err.Error()}
	default:
		return err
	}
}
