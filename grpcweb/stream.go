package grpcweb

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/mem"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/heartandu/grpcweb/compress"
	"github.com/heartandu/grpcweb/envelope"
	"github.com/heartandu/grpcweb/header"
	"github.com/heartandu/grpcweb/trailer"
	"github.com/heartandu/grpcweb/transport"
)

// Stream is a generic handle to an open call, shared by client, server,
// and bidirectional streaming.
type Stream interface {
	// Header returns the header metadata from the server, if there is any.
	// It does not block: before the response head has been received it
	// returns nil metadata.
	Header() (metadata.MD, error)
	// Trailer returns the trailer metadata from the server, if there is any.
	// It must only be called after RecvMsg has returned io.EOF or the
	// status error carried by the trailer; it panics if no trailer (or
	// trailers-only response) has been received yet.
	Trailer() metadata.MD
	// Context returns the context associated with the stream.
	Context() context.Context
	// CloseSend closes the sending side of the stream and returns any error that occurred.
	CloseSend() error
	// SendMsg sends a message on the stream and returns any error that occurred.
	SendMsg(m any) error
	// RecvMsg receives a message from the stream and returns any error that occurred.
	RecvMsg(m any) error
}

// clientStream is a WebSocket-tunneled stream where the client may send
// more than one message (client-streaming), and also backs bidiStream.
type clientStream struct {
	ctx         context.Context
	endpoint    string
	transport   transport.ClientStreamTransport
	callOptions *callOptions
	dialOptions *dialOptions

	trailersOnly, done  atomic.Bool
	headerMu, trailerMu sync.RWMutex
	headerMD, trailerMD metadata.MD

	negotiatedCompressor string

	// curBody/cur hold the envelope reader for the most recently received
	// WebSocket frame; a single frame may carry more than one envelope, so
	// RecvMsg keeps pulling from it before asking the transport for the
	// next frame.
	curBody io.ReadCloser
	cur     *envelope.Reader

	// isTrailerOnlyFn lets bidiStream override the trailers-only detection
	// with its own half-close-aware predicate without duplicating RecvMsg.
	isTrailerOnlyFn func(error) bool
}

func (s *clientStream) Header() (metadata.MD, error) {
	if s.trailersOnly.Load() {
		return nil, nil
	}

	if md := s.header(); md != nil {
		return md, nil
	}

	h, err := s.transport.Header()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get headers")
	}

	if resp, verr := header.ValidateResponse(http.StatusOK, h, s.dialOptions.acceptCompression, useBinaryFormat(s.callOptions)); verr == nil {
		s.negotiatedCompressor = resp.Compressor
	}

	md := toMetadata(h)
	s.headerMu.Lock()
	s.headerMD = md
	s.headerMu.Unlock()
	return md, nil
}

func (s *clientStream) header() metadata.MD {
	s.headerMu.RLock()
	defer s.headerMu.RUnlock()
	return s.headerMD
}

func (s *clientStream) Trailer() metadata.MD {
	if !s.done.Load() {
		panic("Trailer must be called after RecvMsg has returned a non-nil error")
	}
	return s.trailer()
}

func (s *clientStream) trailer() metadata.MD {
	s.trailerMu.RLock()
	defer s.trailerMu.RUnlock()
	return s.trailerMD
}

func (s *clientStream) Context() context.Context {
	return s.ctx
}

func (s *clientStream) CloseSend() error {
	if err := s.transport.CloseSend(); err != nil {
		return errors.Wrap(err, "failed to close the send stream")
	}
	return nil
}

func (s *clientStream) SendMsg(req any) error {
	body, err := buildRequestBody(s.callOptions.codec, req, s.dialOptions)
	if err != nil {
		return errors.Wrap(err, "failed to build the request")
	}

	s.transport.SetRequestHeader(buildHeaders(s.ctx, s.dialOptions, s.callOptions))

	if err := s.transport.Send(s.ctx, body); err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return mapContextError(ctxErr)
		}
		return errors.Wrap(err, "failed to send the request")
	}
	return nil
}

func (s *clientStream) RecvMsg(res any) error {
	for {
		if s.cur == nil {
			rawBody, err := s.transport.Receive(s.ctx)
			if s.isTrailerOnly(err) {
				return s.resolveTrailersOnly()
			}
			if err != nil {
				if ctxErr := s.ctx.Err(); ctxErr != nil {
					return mapContextError(ctxErr)
				}
				return errors.Wrap(err, "failed to receive the response")
			}

			s.curBody = rawBody
			s.cur = envelope.NewReader(rawBody, s.dialOptions.readMaxBytes)
		}

		e, err := s.cur.Next()
		if err == io.EOF {
			s.curBody.Close()
			s.curBody, s.cur = nil, nil
			continue
		}
		if err != nil {
			s.curBody.Close()
			s.curBody, s.cur = nil, nil
			return mapEnvelopeError(err)
		}

		if _, herr := s.Header(); herr != nil {
			return herr
		}

		if s.done.Load() {
			if e.IsTrailer() {
				return status.Error(codes.InvalidArgument, "received extra trailer")
			}
			return status.Error(codes.InvalidArgument, "received extra message after trailer")
		}

		if e.IsTrailer() {
			return s.handleTrailer(e)
		}

		return s.decodeMessage(e, res)
	}
}

func (s *clientStream) handleTrailer(e envelope.Envelope) error {
	tb, err := trailer.Parse(e.Payload)
	if err != nil {
		return errors.Wrap(err, "failed to parse trailer")
	}

	s.trailerMu.Lock()
	s.trailerMD = tb.ToMD()
	s.trailerMu.Unlock()
	s.done.Store(true)

	st, err := trailer.Status(tb)
	if err != nil {
		return errors.Wrap(err, "failed to read trailer status")
	}
	if st.Code() != codes.OK {
		return st.Err()
	}
	return io.EOF
}

func (s *clientStream) decodeMessage(e envelope.Envelope, res any) error {
	compressor, _ := s.dialOptions.compressors.Lookup(s.negotiatedCompressor)

	e, err := compress.Decompress(e, compressor, s.dialOptions.readMaxBytes)
	if err != nil {
		return mapCompressError(err)
	}

	if err := s.callOptions.codec.Unmarshal(mem.BufferSlice{mem.NewBuffer(&e.Payload, nil)}, res); err != nil {
		return errors.Wrap(err, "failed to unmarshal response body")
	}
	return nil
}

func (s *clientStream) isTrailerOnly(err error) bool {
	if s.isTrailerOnlyFn != nil {
		return s.isTrailerOnlyFn(err)
	}
	return errors.Is(err, io.ErrUnexpectedEOF) && s.trailer().Len() == 0
}

func (s *clientStream) resolveTrailersOnly() error {
	md, err := s.Header()
	if err != nil {
		return errors.Wrap(err, "failed to get header instead of trailer")
	}

	s.trailerMu.Lock()
	s.trailerMD = md
	s.trailerMu.Unlock()
	s.trailersOnly.Store(true)
	s.done.Store(true)

	return statusFromHeader(md).Err()
}

// serverStream is a single HTTP request whose response body carries zero
// or more messages followed by exactly one trailer envelope.
type serverStream struct {
	ctx         context.Context
	endpoint    string
	transport   transport.UnaryTransport
	callOptions *callOptions
	dialOptions *dialOptions

	resBody    io.ReadCloser
	resReader  *envelope.Reader
	compressor string

	closed              bool
	headerMD, trailerMD metadata.MD
}

func (s *serverStream) Header() (metadata.MD, error) { return s.headerMD, nil }

func (s *serverStream) Trailer() metadata.MD {
	if !s.closed {
		panic("Trailer must be called after RecvMsg has returned a non-nil error")
	}
	return s.trailerMD
}

func (s *serverStream) Context() context.Context { return s.ctx }

func (s *serverStream) CloseSend() error { return nil }

func (s *serverStream) SendMsg(req any) error {
	body, err := buildRequestBody(s.callOptions.codec, req, s.dialOptions)
	if err != nil {
		return errors.Wrap(err, "failed to build the request body")
	}

	reqHeader := buildHeaders(s.ctx, s.dialOptions, s.callOptions)

	statusCode, respHeader, rawBody, err := s.transport.Send(s.ctx, s.endpoint, reqHeader, body)
	if err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return mapContextError(ctxErr)
		}
		return header.WrapTransportError(err)
	}

	resp, err := header.ValidateResponse(statusCode, respHeader, s.dialOptions.acceptCompression, useBinaryFormat(s.callOptions))
	if err != nil {
		rawBody.Close()
		return err
	}

	s.headerMD = toMetadata(respHeader)

	if resp.FoundStatus {
		_, _ = io.Copy(io.Discard, rawBody)
		rawBody.Close()

		s.closed = true
		s.trailerMD = resp.Trailer.ToMD()

		st, err := trailer.Status(resp.Trailer)
		if err != nil {
			return errors.Wrap(err, "failed to read trailers-only status")
		}
		return st.Err()
	}

	s.compressor = resp.Compressor
	s.resBody = rawBody
	s.resReader = envelope.NewReader(rawBody, s.dialOptions.readMaxBytes)
	return nil
}

func (s *serverStream) RecvMsg(res any) error {
	if s.closed {
		return io.EOF
	}
	if s.resReader == nil {
		return errors.New("RecvMsg must be called after calling SendMsg")
	}

	e, err := s.resReader.Next()
	if err == io.EOF {
		s.resBody.Close()
		return status.Error(codes.InvalidArgument, "missing trailer")
	}
	if err != nil {
		s.resBody.Close()
		return mapEnvelopeError(err)
	}

	if e.IsTrailer() {
		tb, perr := trailer.Parse(e.Payload)
		s.resBody.Close()
		if perr != nil {
			return errors.Wrap(perr, "failed to parse trailer")
		}

		s.closed = true
		s.trailerMD = tb.ToMD()

		st, serr := trailer.Status(tb)
		if serr != nil {
			return errors.Wrap(serr, "failed to read trailer status")
		}
		if st.Code() != codes.OK {
			return st.Err()
		}
		return io.EOF
	}

	compressor, _ := s.dialOptions.compressors.Lookup(s.compressor)

	e, err = compress.Decompress(e, compressor, s.dialOptions.readMaxBytes)
	if err != nil {
		return mapCompressError(err)
	}

	if err := s.callOptions.codec.Unmarshal(mem.BufferSlice{mem.NewBuffer(&e.Payload, nil)}, res); err != nil {
		return errors.Wrap(err, "failed to unmarshal response body")
	}
	return nil
}

// bidiStream layers half-close tracking over clientStream: a trailers-only
// close is only expected once CloseSend has been called, matching
// improbable-eng/grpc-web's own WebSocket bridge behavior.
type bidiStream struct {
	*clientStream

	sentCloseSend atomic.Bool
}

func newBidiStream(cs *clientStream) *bidiStream {
	b := &bidiStream{clientStream: cs}
	cs.isTrailerOnlyFn = func(err error) bool {
		return b.sentCloseSend.Load() && errors.Is(err, io.ErrUnexpectedEOF) && cs.trailer().Len() == 0
	}
	return b
}

func (s *bidiStream) CloseSend() error {
	if err := s.transport.CloseSend(); err != nil {
		return errors.Wrap(err, "failed to close the send stream")
	}
	s.sentCloseSend.Store(true)
	return nil
}

// statusFromHeader extracts a *status.Status from a trailers-only
// response whose grpc-status/grpc-message arrived as HTTP headers (or,
// for WebSocket streams, as the header frame standing in for a trailer).
func statusFromHeader(h metadata.MD) *status.Status {
	codeStr := h.Get("grpc-status")
	if len(codeStr) == 0 {
		return status.New(codes.Unknown, "response closed without grpc-status (headers only)")
	}

	i, err := strconv.Atoi(codeStr[0])
	if err != nil {
		return status.New(codes.Unknown, err.Error())
	}

	msg := ""
	if msgs := h.Get("grpc-message"); len(msgs) > 0 {
		msg = msgs[0]
	}

	return status.New(codes.Code(i), msg)
}
