// Package codec is the JSON codec shared by the event registry, the poco
// repositories and the storage adapters.
package codec

import (
	jsoniter "github.com/json-iterator/go"
)

var api = jsoniter.ConfigCompatibleWithStandardLibrary

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return api.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return api.Unmarshal(b, v) }

// JSON is the default codec.
var JSON Codec = JSONCodec{}

// Valid reports whether data is well-formed JSON.
func Valid(data []byte) bool { return jsoniter.ConfigFastest.Valid(data) }
