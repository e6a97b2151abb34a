package retrier

import "errors"

// Temporary indicates if an error condition is temporary and may succeed if retried.
type Temporary interface {
	Temporary() bool
}

// IsTemporary checks if the provided error implements the Temporary interface and returns true if it does.
func IsTemporary(err error) bool {
	var temp Temporary
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}

type temporaryError struct {
	err error
}

func (t *temporaryError) Error() string   { return t.err.Error() }
func (t *temporaryError) Unwrap() error   { return t.err }
func (t *temporaryError) Temporary() bool { return true }

// Mark wraps err so IsTemporary reports true for it.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return &temporaryError{err: err}
}
