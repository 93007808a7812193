// Package descriptor encodes the CacheInjector's opaque descriptor bytes
// into the wire form carried by X-Ouinet-Descriptor: base64(zlib(bytes))
// (spec.md §3, §4.5, §6).
package descriptor

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"fmt"
	"io"
)

// Encode compresses raw descriptor bytes with zlib and base64-encodes the
// result for use as an HTTP header value.
func Encode(raw []byte) (string, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("descriptor: zlib compress failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("descriptor: zlib flush failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode: base64-decode then zlib-decompress.
func Decode(encoded string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("descriptor: base64 decode failed: %w", err)
	}
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("descriptor: zlib reader failed: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("descriptor: zlib decompress failed: %w", err)
	}
	return raw, nil
}
