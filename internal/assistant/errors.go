package assistant

import "fmt"

// StoreError is a read or write failure against the message store.
type StoreError struct {
	Op  string // "find_reply", "load_trigger", "load_context", "insert_reply"
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// ProviderError is a completion failure, including cancellation of the call.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("provider %s: %v", e.Provider, e.Err) }
func (e *ProviderError) Unwrap() error { return e.Err }
