package volume

import "fmt"

// FormatError reports input bytes that cannot be parsed as a volume: bad magic,
// truncated payload, non-positive dimensions or a failed inflate. The message
// is meant to be shown to the user.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid volume: %s: %v", e.Reason, e.Err)
	}
	return "invalid volume: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

// Formatf returns a FormatError with a formatted reason.
func Formatf(format string, args ...interface{}) *FormatError {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}

// RangeError reports a caller contract violation such as an out-of-bounds
// slice index or a non-positive window width.
type RangeError struct {
	Op     string
	Detail string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: out of range: %s", e.Op, e.Detail)
}

// StorageError wraps a failure of the persistence backend. It never escapes
// the session cache; it is only logged.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
