// Package modelcodec defines the collaborator that turns model objects into
// the opaque byte blobs the tracker stores and serves. The store itself
// never inspects encoded payloads; swapping the codec changes the artifact
// format without touching any storage code.
package modelcodec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes and decodes model payloads.
type Codec interface {
	Encode(model any) ([]byte, error)
	Decode(data []byte, out any) error
}

// Msgpack is the default codec. MessagePack is compact, self-describing, and
// language-neutral, so registry payloads stay readable to non-Go tooling.
type Msgpack struct{}

// Encode implements Codec.
func (Msgpack) Encode(model any) ([]byte, error) {
	data, err := msgpack.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model payload: %w", err)
	}
	return data, nil
}

// Decode implements Codec.
func (Msgpack) Decode(data []byte, out any) error {
	if err := msgpack.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode model payload: %w", err)
	}
	return nil
}

// Raw passes byte slices through unmodified, for callers that serialize
// models themselves and hand the tracker a finished blob.
type Raw struct{}

// Encode implements Codec. The model must already be a []byte.
func (Raw) Encode(model any) ([]byte, error) {
	data, ok := model.([]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec requires []byte, got %T", model)
	}
	return data, nil
}

// Decode implements Codec. The out argument must be a *[]byte.
func (Raw) Decode(data []byte, out any) error {
	target, ok := out.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec requires *[]byte, got %T", out)
	}
	*target = append([]byte(nil), data...)
	return nil
}
