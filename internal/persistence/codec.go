package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// EncodeValue serializes a concrete Go value using encoding/gob.
// A nil value encodes to nil.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes a payload produced by EncodeValue into a T.
// An empty payload yields the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, fmt.Errorf("gob decode %T: %w", v, err)
	}
	return v, nil
}

// DecodeInto decodes data into the pointer out. A nil out or an empty
// payload is a no-op.
func DecodeInto(data []byte, out any) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return fmt.Errorf("gob decode %T: %w", out, err)
	}
	return nil
}
