package codec

import (
	"encoding/json"

	"meshrpc/message"
)

// JSONSerializer encodes the envelope with encoding/json.
// Pros: human-readable, trivially debuggable on the wire.
// Cons: larger frames (field names repeated, payload base64-encoded).
type JSONSerializer struct{}

func (c *JSONSerializer) Name() string { return JSONName }

func (c *JSONSerializer) EncodeRequest(req *message.Request) ([]byte, error) {
	return json.Marshal(req)
}

func (c *JSONSerializer) DecodeRequest(data []byte, req *message.Request) error {
	return json.Unmarshal(data, req)
}

func (c *JSONSerializer) EncodeResponse(resp *message.Response) ([]byte, error) {
	return json.Marshal(resp)
}

func (c *JSONSerializer) DecodeResponse(data []byte, resp *message.Response) error {
	return json.Unmarshal(data, resp)
}
