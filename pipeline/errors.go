package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning     = errors.New("pipeline is already running")
	ErrPropagationTimeout = errors.New("never became visible to the provider")
	ErrSpotRequestTimeout = errors.New("spot request stayed open for too long")
	ErrInstanceGone       = errors.New("instance was terminated")
	ErrRecoveryExhausted  = errors.New("node did not recover")
)

// IntegrationError reports a node the scheduler plugin failed to integrate.
type IntegrationError struct {
	Node string
	Err  error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("failed to integrate node '%s': %s", e.Node, e.Err)
}

func (e *IntegrationError) Unwrap() error {
	return e.Err
}

// SpotRequestError reports a spot request that ended without an instance.
type SpotRequestError struct {
	State  string
	Status string
}

func (e *SpotRequestError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("spot request is %s", e.State)
	}
	return fmt.Sprintf("spot request is %s: %s", e.State, e.Status)
}
