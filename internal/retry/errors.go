package retry

import "fmt"

// TransientProviderError is a failure worth retrying: timeout, 5xx, or a
// provider-side rate limit. Counted against the attempt budget.
type TransientProviderError struct {
	Code    string
	Message string
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("transient provider error %s: %s", e.Code, e.Message)
}

// PermanentProviderError is a failure no retry can fix, such as an unknown
// resource or a policy rejection.
type PermanentProviderError struct {
	Code    string
	Message string
}

func (e *PermanentProviderError) Error() string {
	return fmt.Sprintf("permanent provider error %s: %s", e.Code, e.Message)
}
