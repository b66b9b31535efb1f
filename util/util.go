// Package util provides small helpers shared across the engine: structural
// cloning of decoded JSON values, path probing and DEFLATE compression.
package util

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/flate"
)

// DeepClone returns a structural copy of a decoded JSON value tree
// (maps, slices and primitives). Unknown types are returned as-is.
func DeepClone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = DeepClone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DeepClone(e)
		}
		return out
	default:
		return v
	}
}

// PathExists reports whether the path exists. Errors other than
// "not exists" are surfaced so callers do not mistake EACCES for absence.
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Deflate compresses data with raw DEFLATE at the given level (1..9).
func Deflate(data []byte, level int) ([]byte, error) {
	if level < flate.BestSpeed {
		level = flate.BestSpeed
	}
	if level > flate.BestCompression {
		level = flate.BestCompression
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish deflate stream: %w", err)
	}

	return buf.Bytes(), nil
}

// Inflate decompresses a raw DEFLATE stream produced by Deflate.
func Inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to inflate: %w", err)
	}

	return out, nil
}
