// Package envelope implements the 5-byte-prefixed framing used by the
// gRPC-Web wire format: one flag byte followed by a big-endian uint32
// length, followed by that many bytes of payload.
package envelope

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// HeaderLen is the size in bytes of an envelope's flags+length prefix.
	HeaderLen = 5

	// FlagCompressed marks a payload as compressed with the negotiated
	// content-coding (bit 0).
	FlagCompressed byte = 1 << 0

	// FlagTrailer marks an envelope as the trailer block rather than a
	// message (bit 7).
	FlagTrailer byte = 1 << 7

	knownFlags = FlagCompressed | FlagTrailer
)

// ErrPrematureEOF is returned by Read when the underlying stream ends in
// the middle of an envelope.
var ErrPrematureEOF = errors.New("grpcweb: premature end of stream")

// ErrInvalidFlags is returned by Read when an envelope's flag byte sets a
// bit this package does not define.
var ErrInvalidFlags = errors.New("grpcweb: envelope has unknown flag bits set")

// ErrTooLarge is returned by Read or Write when a payload exceeds the
// caller's configured size limit.
var ErrTooLarge = errors.New("grpcweb: envelope payload exceeds configured maximum size")

// Envelope is a single framed unit on the gRPC-Web wire: a flag byte plus
// a payload.
type Envelope struct {
	Flags   byte
	Payload []byte
}

// IsCompressed reports whether the compressed-flag bit is set.
func (e Envelope) IsCompressed() bool {
	return e.Flags&FlagCompressed != 0
}

// IsTrailer reports whether the trailer-flag bit is set.
func (e Envelope) IsTrailer() bool {
	return e.Flags&FlagTrailer != 0
}

// Write serializes a single envelope to w. maxBytes is the write-side
// size cap (0 means unlimited); it fails with ErrTooLarge when exceeded.
func Write(w io.Writer, e Envelope, maxBytes int) error {
	if maxBytes > 0 && len(e.Payload) > maxBytes {
		return errors.Wrapf(ErrTooLarge, "payload of %d bytes exceeds writeMaxBytes %d", len(e.Payload), maxBytes)
	}

	var h [HeaderLen]byte
	h[0] = e.Flags
	binary.BigEndian.PutUint32(h[1:], uint32(len(e.Payload)))

	if _, err := w.Write(h[:]); err != nil {
		return errors.Wrap(err, "failed to write envelope header")
	}
	if len(e.Payload) > 0 {
		if _, err := w.Write(e.Payload); err != nil {
			return errors.Wrap(err, "failed to write envelope payload")
		}
	}
	return nil
}

// Marshal serializes a full, already-known sequence of envelopes into one
// contiguous buffer. It is the "join" operation from the design: since
// every envelope is already framed, joining is a concatenation.
func Marshal(es []Envelope, maxBytes int) ([]byte, error) {
	n := 0
	for _, e := range es {
		n += HeaderLen + len(e.Payload)
	}

	buf := make([]byte, 0, n)
	w := &sliceWriter{buf: buf}
	for _, e := range es {
		if err := Write(w, e, maxBytes); err != nil {
			return nil, err
		}
	}
	return w.buf, nil
}

type sliceWriter struct{ buf []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// Read parses a single envelope from r. maxBytes is the read-side size
// cap (0 means unlimited). It returns io.EOF when the stream ends cleanly
// between envelopes, and a wrapped ErrPrematureEOF when it ends in the
// middle of one.
func Read(r io.Reader, maxBytes int) (Envelope, error) {
	var h [HeaderLen]byte

	n, err := io.ReadFull(r, h[:])
	switch {
	case err == io.EOF && n == 0:
		return Envelope{}, io.EOF
	case err == io.EOF, errors.Is(err, io.ErrUnexpectedEOF):
		return Envelope{}, errors.Wrap(ErrPrematureEOF, "truncated envelope header")
	case err != nil:
		return Envelope{}, errors.Wrap(err, "failed to read envelope header")
	}

	flags := h[0]
	if flags&^knownFlags != 0 {
		return Envelope{}, errors.Wrapf(ErrInvalidFlags, "flags=0x%02x", flags)
	}

	length := binary.BigEndian.Uint32(h[1:])
	if maxBytes > 0 && int64(length) > int64(maxBytes) {
		return Envelope{}, errors.Wrapf(ErrTooLarge, "length %d exceeds readMaxBytes %d", length, maxBytes)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return Envelope{}, errors.Wrap(ErrPrematureEOF, "truncated envelope payload")
			}
			return Envelope{}, errors.Wrap(err, "failed to read envelope payload")
		}
	}

	return Envelope{Flags: flags, Payload: payload}, nil
}

// Writer sequentially frames and writes envelopes to an underlying
// io.Writer; used to pipe an outbound message stream directly into an
// HTTP request body without buffering more than one envelope at a time.
type Writer struct {
	w        io.Writer
	maxBytes int
}

// NewWriter builds a Writer over w with the given write-side size cap.
func NewWriter(w io.Writer, maxBytes int) *Writer {
	return &Writer{w: w, maxBytes: maxBytes}
}

// Write frames and writes a single envelope.
func (w *Writer) Write(e Envelope) error {
	return Write(w.w, e, w.maxBytes)
}

// Reader sequentially parses envelopes from an underlying io.Reader.
type Reader struct {
	r        io.Reader
	maxBytes int
}

// NewReader builds a Reader over r with the given read-side size cap.
func NewReader(r io.Reader, maxBytes int) *Reader {
	return &Reader{r: r, maxBytes: maxBytes}
}

// Next parses the next envelope, or returns io.EOF once the stream ends
// cleanly.
func (r *Reader) Next() (Envelope, error) {
	return Read(r.r, r.maxBytes)
}
