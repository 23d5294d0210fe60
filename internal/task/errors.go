package task

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrEnqueue      = errors.New("enqueue failed")

	// ErrResultMissing means the backend holds no result for the id yet.
	ErrResultMissing = errors.New("result missing")
	// ErrResultTimeout means the backend did not answer within the retrieval deadline.
	ErrResultTimeout = errors.New("result retrieval timed out")
	ErrResultFormat  = errors.New("result format invalid")
)

// InvalidInputError carries the client-facing reason a submission was rejected.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string { return e.Reason }

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

func InvalidInput(reason string) error {
	return &InvalidInputError{Reason: reason}
}
