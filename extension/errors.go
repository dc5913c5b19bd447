package extension

import "fmt"

// PanicError wraps a value recovered from a panicking module callback.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("extension: panic: %v", e.Value)
}
