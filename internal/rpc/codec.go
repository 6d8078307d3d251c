// Package rpc exposes the distributor's operator-facing endpoints over
// gRPC: halt, shard metrics, snapshot requests, exclusion safety checks,
// and wiggler state. Messages are plain Go structs carried with a JSON
// codec; the wire schema is the structs in types.go.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the content-subtype both ends of a connection select.
const Name = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpc: unmarshal %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return Name }
