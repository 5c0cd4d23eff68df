package llm

import "errors"

// ErrMissingCredential is returned when a provider requires an API key and
// none was provisioned. Callers treat this as a configuration error, not a
// transient upstream failure.
var ErrMissingCredential = errors.New("llm provider credential is not configured")
