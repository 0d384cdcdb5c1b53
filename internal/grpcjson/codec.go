// Package grpcjson supplies a minimal gRPC Codec that marshals request
// and response messages as JSON instead of protobuf wire bytes. This
// environment has no protoc/protoc-gen-go toolchain available to
// generate real .proto stubs for the peering service grounded on
// presbrey-pkg/irc/peering/peering.go, so the messages here are plain
// Go structs and this codec stands in for the generated marshal code a
// real build would produce — the same boilerplate protoc-gen-go emits,
// written by hand.
package grpcjson

import (
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/grpc/encoding"
)

// Name is registered with grpc's encoding package and selected via
// grpc.CallContentSubtype / grpc.ForceCodec at dial/serve time.
const Name = "json"

// Codec implements google.golang.org/grpc/encoding.Codec.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("grpcjson: unmarshal: %w", err)
	}
	return nil
}

func (Codec) Name() string { return Name }

var registerOnce sync.Once

// Register installs Codec under Name with grpc's global encoding
// registry. Safe to call from multiple packages/goroutines; only the
// first call takes effect. Callers select it per-call with
// grpc.CallContentSubtype(grpcjson.Name).
func Register() {
	registerOnce.Do(func() {
		encoding.RegisterCodec(Codec{})
	})
}
