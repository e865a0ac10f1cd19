package model

import "errors"

// Sentinel errors for the gateway's error taxonomy. Checked with
// errors.Is; wrapped with fmt.Errorf("...: %w", Err...) at call sites
// that need extra context.
var (
	ErrConfig             = errors.New("config: invalid or missing configuration")
	ErrBackendNotReady    = errors.New("backend: no backend became ready within the startup retry budget")
	ErrServerNotFound     = errors.New("dispatch: no healthy backend available")
	ErrQueueOverloaded    = errors.New("admission: queue depth exceeds user threshold")
	ErrDispatchTimeout    = errors.New("rpc: no reply received within the call timeout")
	ErrUnknownRoutingMode = errors.New("dispatch: unrecognized routing mode")
)
