package serialization

import (
	"bytes"
	"io"
)

const (
	// JSONType represents the serialization type for JSON format.
	JSONType = "json"

	// GobType represents the serialization type for Gob format.
	GobType = "gob"
)

// Decoder is the interface for deserialization.
type Decoder interface {
	Decode(v any) error
}

// Encoder is the interface for serialization.
type Encoder interface {
	Encode(v any) error
}

// Codec bundles an encoder and decoder constructor pair.
type Codec struct {
	Type    string
	Encoder func(io.Writer) Encoder
	Decoder func(io.Reader) Decoder
}

// JSON returns the JSON codec.
func JSON() Codec {
	return Codec{Type: JSONType, Encoder: JSONEncoder, Decoder: JSONDecoder}
}

// Gob returns the gob codec.
func Gob() Codec {
	return Codec{Type: GobType, Encoder: GobEncoder, Decoder: GobDecoder}
}

// Marshal serializes v into a byte slice using the codec.
func (c Codec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal deserializes data into v using the codec.
func (c Codec) Unmarshal(data []byte, v any) error {
	return c.Decoder(bytes.NewReader(data)).Decode(v)
}

// EstimateSize returns the serialized length of v, used as a size proxy
// for cache accounting. Unserializable values count as zero.
func (c Codec) EstimateSize(v any) int64 {
	data, err := c.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(data))
}
