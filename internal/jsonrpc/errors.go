package jsonrpc

import "fmt"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	ErrorCodeParseError     ErrorCode = -32700
	ErrorCodeInvalidRequest ErrorCode = -32600
	ErrorCodeMethodNotFound ErrorCode = -32601
	ErrorCodeInvalidParams  ErrorCode = -32602
	ErrorCodeInternalError  ErrorCode = -32603

	// ErrorCodeBadSession is the implementation-defined code used when a
	// message arrives without a usable session and is not an initialize
	// request.
	ErrorCodeBadSession ErrorCode = -32000
)

// Error is a JSON-RPC error object. It also satisfies the error interface so
// that a remote failure can travel through Go error returns unchanged.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
