// Package message defines the RPC envelope exchanged between client and
// server, and the error-code taxonomy carried in failure responses.
//
// The envelope is the structured message inside each frame body. It is
// serialized by the codec layer and framed by the protocol layer.
package message

import "fmt"

// Error codes carried in Response.ErrorCode. Each code has a distinct
// origin and a distinct recovery path; see the individual constants.
const (
	CodeSuccess             int32 = 0  // call completed
	CodeProtocol            int32 = 1  // malformed frame or envelope; the server closes a connection that sends one it cannot decode
	CodeServiceNotFound     int32 = 2  // dispatcher: no such service; connection stays open
	CodeMethodNotFound      int32 = 3  // dispatcher: no such method; connection stays open
	CodeParseFailed         int32 = 4  // payload bytes did not decode into the request message
	CodeSerializeFailed     int32 = 5  // reply message did not encode
	CodeTransport           int32 = 6  // socket read/write failure; connection is closed
	CodeRegistryUnavailable int32 = 7  // registry session lost
	CodeNoInstances         int32 = 8  // balancer found no usable instance
	CodeTimeout             int32 = 9  // connect or call deadline expired
	CodeHandlerError        int32 = 10 // the service method itself returned an error
)

// Request is the client→server envelope.
type Request struct {
	RequestID   uint64 `json:"request_id"`
	ServiceName string `json:"service_name"`
	MethodName  string `json:"method_name"`
	Payload     []byte `json:"payload"`
}

// Response is the server→client envelope. RequestID echoes the request.
// A failed call carries Success=false, a nonzero ErrorCode, and a
// human-readable ErrorMessage; Payload may be empty.
type Response struct {
	RequestID    uint64 `json:"request_id"`
	Success      bool   `json:"success"`
	ErrorCode    int32  `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Payload      []byte `json:"payload"`
}

// Failure builds a failure response for the given request id.
func Failure(requestID uint64, code int32, msg string) *Response {
	return &Response{
		RequestID:    requestID,
		Success:      false,
		ErrorCode:    code,
		ErrorMessage: msg,
	}
}

// Ok builds a success response carrying payload.
func Ok(requestID uint64, payload []byte) *Response {
	return &Response{
		RequestID: requestID,
		Success:   true,
		ErrorCode: CodeSuccess,
		Payload:   payload,
	}
}

// Err folds a failure response into an error, nil on success.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	return &CallError{Code: r.ErrorCode, Message: r.ErrorMessage}
}

// CallError is the call-level error surfaced to a stub caller when the
// server answered with a failure envelope.
type CallError struct {
	Code    int32
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("rpc: call failed (code %d): %s", e.Code, e.Message)
}
