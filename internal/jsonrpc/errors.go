package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// MCP-specific error codes, carried in the same error object space as the
// standard JSON-RPC codes.
const (
	// ErrorCodeResourceNotFound indicates the named tool or resource is not registered.
	ErrorCodeResourceNotFound ErrorCode = -32001
	// ErrorCodeResourceAccessDenied indicates the caller is not permitted to perform
	// the operation on the resource.
	ErrorCodeResourceAccessDenied ErrorCode = -32002
	// ErrorCodeToolExecutionError indicates the tool ran and failed internally.
	ErrorCodeToolExecutionError ErrorCode = -32003
	// ErrorCodeRateLimitExceeded indicates admission control rejected the call.
	ErrorCodeRateLimitExceeded ErrorCode = -32004
	// ErrorCodeExternalServiceError indicates a downstream collaborator failed.
	ErrorCodeExternalServiceError ErrorCode = -32005
)
