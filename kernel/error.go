package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to this structure so that callers can detect a specific failure by
// comparing the returned pointer against the sentinel value.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
