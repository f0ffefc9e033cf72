package lilac

import "fmt"

// ErrConfig reports missing or invalid configuration. Callers that receive it
// should not retry; the deployment needs fixing.
type ErrConfig struct {
	Component string
	Message   string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("%s: %s", e.Component, e.Message)
}

// ErrHTTP reports a non-2xx response from an external API.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
