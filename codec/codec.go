// Package codec serializes the RPC envelope for transmission inside a
// frame. Two serializers are provided: a compact hand-rolled binary
// layout (the default) and a human-readable JSON variant, selectable by
// name.
package codec

import "meshrpc/message"

// Serializer converts envelopes to and from bytes.
type Serializer interface {
	EncodeRequest(req *message.Request) ([]byte, error)
	DecodeRequest(data []byte, req *message.Request) error
	EncodeResponse(resp *message.Response) ([]byte, error)
	DecodeResponse(data []byte, resp *message.Response) error
	Name() string
}

const (
	// BinaryName selects the length-prefixed binary serializer.
	BinaryName = "binary"
	// JSONName selects the JSON serializer.
	JSONName = "json"
)

// Get resolves a serializer by name. Unknown names fall back to the
// binary serializer, so a misconfigured peer still speaks the default.
func Get(name string) Serializer {
	if name == JSONName {
		return &JSONSerializer{}
	}
	return &BinarySerializer{}
}

// ValidRequestData reports whether data decodes to a well-formed
// request envelope: decodable, with non-empty service and method names.
func ValidRequestData(s Serializer, data []byte) bool {
	var req message.Request
	if err := s.DecodeRequest(data, &req); err != nil {
		return false
	}
	return req.ServiceName != "" && req.MethodName != ""
}

// ValidResponseData reports whether data decodes to a well-formed
// response envelope. A failure response must carry a nonzero error code
// and a message; a success response must not carry an error code.
func ValidResponseData(s Serializer, data []byte) bool {
	var resp message.Response
	if err := s.DecodeResponse(data, &resp); err != nil {
		return false
	}
	if resp.Success {
		return resp.ErrorCode == message.CodeSuccess
	}
	return resp.ErrorCode != message.CodeSuccess && resp.ErrorMessage != ""
}
