package rpc

import "encoding/json"

// jsonCodec replaces Connect's protojson codec so the run service can carry
// plain Go structs. It registers under the same "json" name, which keeps the
// Connect content types (application/json, application/connect+json).
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
