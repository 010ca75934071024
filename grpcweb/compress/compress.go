// Package compress implements per-envelope gRPC-Web compression: value-level
// compressor descriptors plus the compress/decompress transforms that sit
// around the envelope codec.
package compress

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/pkg/errors"

	"github.com/heartandu/grpcweb/envelope"
)

// NameIdentity is the always-supported no-op content-coding.
const NameIdentity = "identity"

// ErrUnknownCompressor is returned when a received envelope is marked
// compressed but no descriptor is registered for the negotiated encoding.
var ErrUnknownCompressor = errors.New("grpcweb: no compressor registered for negotiated encoding")

// ErrDecompressedTooLarge is returned when a decompressed payload would
// exceed readMaxBytes; it guards against decompression bombs.
var ErrDecompressedTooLarge = errors.New("grpcweb: decompressed payload exceeds configured maximum size")

// Compressor is a named pair of pure byte transforms. Names match the
// grpc-encoding / grpc-accept-encoding registry tokens.
type Compressor interface {
	Name() string
	Compress(p []byte) ([]byte, error)
	// Decompress decompresses p. maxBytes caps the output size (0 means
	// unlimited) and must be enforced before returning the whole buffer,
	// so a malicious small input can't inflate unbounded memory.
	Decompress(p []byte, maxBytes int) ([]byte, error)
}

type gzipCompressor struct{}

func (gzipCompressor) Name() string { return "gzip" }

func (gzipCompressor) Compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(p); err != nil {
		return nil, errors.Wrap(err, "failed to gzip-compress envelope payload")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finalize gzip stream")
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(p []byte, maxBytes int) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open gzip stream")
	}
	defer zr.Close()

	var limited io.Reader = zr
	if maxBytes > 0 {
		limited = io.LimitReader(zr, int64(maxBytes)+1)
	}

	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, errors.Wrap(err, "failed to gzip-decompress envelope payload")
	}
	if maxBytes > 0 && len(out) > maxBytes {
		return nil, errors.Wrapf(ErrDecompressedTooLarge, "decompressed size exceeds %d bytes", maxBytes)
	}
	return out, nil
}

// GzipCompressor is the built-in "gzip" descriptor.
var GzipCompressor Compressor = gzipCompressor{}

// Registry is an ordered lookup of compressors by name, used to resolve
// acceptCompression/sendCompression option values.
type Registry struct {
	byName map[string]Compressor
	names  []string
}

// NewRegistry builds a Registry seeded with the built-in gzip compressor.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Compressor)}
	r.Register(GzipCompressor)
	return r
}

// Register adds or replaces a compressor.
func (r *Registry) Register(c Compressor) {
	if _, ok := r.byName[c.Name()]; !ok {
		r.names = append(r.names, c.Name())
	}
	r.byName[c.Name()] = c
}

// Lookup finds a compressor by grpc-encoding token. identity always
// resolves, even if never explicitly registered, to (nil, true): a nil
// Compressor means "no transform".
func (r *Registry) Lookup(name string) (Compressor, bool) {
	if name == "" || name == NameIdentity {
		return nil, true
	}
	c, ok := r.byName[name]
	return c, ok
}

// Compress applies the outbound compress transform from spec §4.B: if c is
// non-nil and the payload is at least compressMinBytes, it is compressed
// and the compressed-flag bit is set; otherwise the flag bit is cleared
// and the payload is left untouched.
func Compress(e envelope.Envelope, c Compressor, compressMinBytes int) (envelope.Envelope, error) {
	e.Flags &^= envelope.FlagCompressed

	if c == nil || len(e.Payload) < compressMinBytes {
		return e, nil
	}

	out, err := c.Compress(e.Payload)
	if err != nil {
		return envelope.Envelope{}, errors.Wrapf(err, "failed to compress envelope with %q", c.Name())
	}

	e.Payload = out
	e.Flags |= envelope.FlagCompressed

	return e, nil
}

// Decompress applies the inbound decompress transform from spec §4.B: if
// the compressed-flag bit is set, c must be non-nil; the payload is
// decompressed and the flag bit cleared. readMaxBytes bounds the
// decompressed size.
func Decompress(e envelope.Envelope, c Compressor, readMaxBytes int) (envelope.Envelope, error) {
	if !e.IsCompressed() {
		return e, nil
	}

	if c == nil {
		return envelope.Envelope{}, ErrUnknownCompressor
	}

	out, err := c.Decompress(e.Payload, readMaxBytes)
	if err != nil {
		return envelope.Envelope{}, errors.Wrapf(err, "failed to decompress envelope with %q", c.Name())
	}

	e.Payload = out
	e.Flags &^= envelope.FlagCompressed

	return e, nil
}
