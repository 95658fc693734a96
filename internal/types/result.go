package types

// Result is the uniform outcome of an execution-boundary operation. Failures
// are reported here, never thrown past the boundary.
type Result struct {
	Success bool        `json:"success"`
	Value   interface{} `json:"value,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// OK returns a successful result carrying value
func OK(value interface{}) Result {
	return Result{Success: true, Value: value}
}

// Fail returns a failed result for err
func Fail(err error) Result {
	if err == nil {
		return Result{Success: false, Error: "unknown error"}
	}
	return Result{Success: false, Error: err.Error()}
}

// Failf returns a failed result with a literal message
func Failf(msg string) Result {
	return Result{Success: false, Error: msg}
}
