package rpcclient

import "fmt"

// RPCError represents a JSON-RPC error response. Transport failures are
// returned as wrapped errors, not RPCErrors.
type RPCError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}
