package usecase

import "fmt"

// InvalidInputError rejects a request because of the uploaded payload
// itself. Handlers translate it to a 400 response carrying Reason.
type InvalidInputError struct {
	Reason string
	Err    error
}

func (e *InvalidInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *InvalidInputError) Unwrap() error {
	return e.Err
}

// ConfigurationError rejects a request because the service is not set up
// to serve it, such as a missing reference image directory. Handlers
// translate it to a 400 response carrying Reason.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
