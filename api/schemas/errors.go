package schemas

import "fmt"

// ProviderError reports a transport, authentication or quota failure from an
// LLM provider.
type ProviderError struct {
	Provider   string
	StatusCode int // Zero when the failure happened before a response was received.
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// InfrastructureError is a fault in the environment the pipeline runs in
// (working copy creation, disk, process exhaustion) rather than a semantic
// outcome. It is fatal to the affected issue only.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure fault during %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }
