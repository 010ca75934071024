// Package grpcweb implements a gRPC-Web client: a ClientConn that speaks
// the gRPC-Web wire protocol (5-byte-prefixed envelopes, trailers carried
// in the response body or, for trailers-only responses, in the HTTP
// headers) over plain HTTP for unary/server-streaming calls and a
// WebSocket tunnel for client/bidirectional streaming.
package grpcweb

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/mem"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/heartandu/grpcweb/codec"
	"github.com/heartandu/grpcweb/compress"
	"github.com/heartandu/grpcweb/envelope"
	"github.com/heartandu/grpcweb/header"
	"github.com/heartandu/grpcweb/trailer"
	"github.com/heartandu/grpcweb/transport"
)

var (
	ErrInsecureWithTLS      = errors.New("insecure and tls configuration couldn't be set simultaniously")
	ErrNotAStreamingRequest = errors.New("not a streaming request")
)

// ClientConn is a gRPC-Web connection to a single baseUrl, analogous to
// grpc.ClientConn. It is safe for concurrent use.
type ClientConn struct {
	host        string
	dialOptions *dialOptions
}

// NewClient builds a ClientConn against baseUrl, which must be an
// absolute URL (e.g. "https://api.example.com" or
// "http://localhost:8080/prefix"); its scheme picks http(s)/ws(s) for the
// underlying transports unless overridden by WithInsecure.
func NewClient(baseUrl string, opts ...DialOption) (*ClientConn, error) {
	opt := defaultDialOptions
	opt.compressors = compress.NewRegistry()
	for _, o := range opts {
		o(&opt)
	}

	if err := opt.validate(baseUrl); err != nil {
		return nil, err
	}

	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidBaseURL, err.Error())
	}

	opt.insecure = opt.insecure || u.Scheme == "http"
	if opt.insecure && opt.tlsConf != nil {
		return nil, ErrInsecureWithTLS
	}

	host := u.Host + strings.TrimSuffix(u.Path, "/")

	return &ClientConn{
		host:        host,
		dialOptions: &opt,
	}, nil
}

// Invoke performs a unary call, following the Init -> Sending ->
// ReceivingHeaders -> ReceivingBody -> Done state machine from spec §4.F.
func (c *ClientConn) Invoke(ctx context.Context, method string, args, reply any, opts ...CallOption) error {
	invoker := chainUnaryInterceptors(c.dialOptions.unaryInterceptors, c.invoke)
	return invoker(ctx, method, args, reply, opts...)
}

func (c *ClientConn) invoke(ctx context.Context, method string, args, reply any, opts ...CallOption) error {
	callOpts := c.applyCallOptions(opts)
	wireCodec := callOpts.codec

	tr, err := transport.NewUnary(c.host, c.connectOptions()...)
	if err != nil {
		return errors.Wrap(err, "failed to create a new unary transport")
	}
	defer tr.Close()

	body, err := buildRequestBody(wireCodec, args, c.dialOptions)
	if err != nil {
		return errors.Wrap(err, "failed to build the request body")
	}

	reqHeader := buildHeaders(ctx, c.dialOptions, callOpts)

	statusCode, respHeader, rawBody, err := tr.Send(ctx, method, reqHeader, body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return mapContextError(ctxErr)
		}
		return header.WrapTransportError(err)
	}
	defer rawBody.Close()

	resp, err := header.ValidateResponse(statusCode, respHeader, c.dialOptions.acceptCompression, useBinaryFormat(callOpts))
	if err != nil {
		return err
	}

	md := toMetadata(respHeader)
	if callOpts.header != nil {
		*callOpts.header = md
	}

	if resp.FoundStatus {
		_, _ = io.Copy(io.Discard, rawBody)

		if callOpts.trailer != nil {
			*callOpts.trailer = resp.Trailer.ToMD()
		}

		st, err := trailer.Status(resp.Trailer)
		if err != nil {
			return errors.Wrap(err, "failed to read trailers-only status")
		}
		return st.Err()
	}

	msgCount, trailerCount := 0, 0
	var trailerBlock trailer.Block

	compressor, _ := c.dialOptions.compressors.Lookup(resp.Compressor)
	r := envelope.NewReader(rawBody, c.dialOptions.readMaxBytes)

	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return mapEnvelopeError(err)
		}

		if e.IsTrailer() {
			trailerCount++
			if trailerCount > 1 {
				return status.Error(codes.InvalidArgument, "received extra trailer")
			}

			tb, err := trailer.Parse(e.Payload)
			if err != nil {
				return errors.Wrap(err, "failed to parse trailer")
			}
			trailerBlock = tb
			continue
		}

		msgCount++
		if msgCount > 1 {
			return status.Error(codes.InvalidArgument, "received extra output message for unary method")
		}

		e, err = compress.Decompress(e, compressor, c.dialOptions.readMaxBytes)
		if err != nil {
			return mapCompressError(err)
		}

		if err := wireCodec.Unmarshal(mem.BufferSlice{mem.NewBuffer(&e.Payload, nil)}, reply); err != nil {
			return errors.Wrapf(err, "failed to unmarshal response body by codec %s", wireCodec.Name())
		}
	}

	if trailerCount == 0 {
		return status.Error(codes.InvalidArgument, "missing trailer")
	}

	if callOpts.trailer != nil {
		*callOpts.trailer = trailerBlock.ToMD()
	}

	st, err := trailer.Status(trailerBlock)
	if err != nil {
		return errors.Wrap(err, "failed to read trailer status")
	}
	if st.Code() != codes.OK {
		return st.Err()
	}
	if msgCount == 0 {
		return status.Error(codes.InvalidArgument, "missing output message for unary method")
	}
	return nil
}

// NewStream opens a stream per desc's client/server-streaming shape,
// dispatching to the HTTP unary transport for server-streaming and the
// WebSocket tunnel for client-streaming or bidirectional calls.
func (c *ClientConn) NewStream(
	ctx context.Context,
	desc *grpc.StreamDesc,
	method string,
	opts ...CallOption,
) (Stream, error) {
	streamer := chainStreamInterceptors(c.dialOptions.streamInterceptors, c.newStream)
	return streamer(ctx, desc, method, opts...)
}

func (c *ClientConn) newStream(
	ctx context.Context,
	desc *grpc.StreamDesc,
	method string,
	opts ...CallOption,
) (Stream, error) {
	switch {
	case desc.ClientStreams && desc.ServerStreams:
		return c.newBidiStream(ctx, method, opts...)
	case desc.ClientStreams:
		return c.newClientStream(ctx, method, opts...)
	case desc.ServerStreams:
		return c.newServerStream(ctx, method, opts...)
	default:
		return nil, ErrNotAStreamingRequest
	}
}

func (c *ClientConn) newClientStream(ctx context.Context, method string, opts ...CallOption) (*clientStream, error) {
	tr, err := transport.NewClientStream(c.host, method, c.connectOptions()...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create a new transport stream")
	}

	return &clientStream{
		ctx:         ctx,
		endpoint:    method,
		transport:   tr,
		callOptions: c.applyCallOptions(opts),
		dialOptions: c.dialOptions,
	}, nil
}

func (c *ClientConn) newServerStream(ctx context.Context, method string, opts ...CallOption) (Stream, error) {
	tr, err := transport.NewUnary(c.host, c.connectOptions()...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create a new unary transport")
	}

	return &serverStream{
		ctx:         ctx,
		endpoint:    method,
		transport:   tr,
		callOptions: c.applyCallOptions(opts),
		dialOptions: c.dialOptions,
	}, nil
}

func (c *ClientConn) newBidiStream(ctx context.Context, method string, opts ...CallOption) (Stream, error) {
	cs, err := c.newClientStream(ctx, method, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create a new client stream")
	}

	return newBidiStream(cs), nil
}

func (c *ClientConn) applyCallOptions(opts []CallOption) *callOptions {
	callOpts := append(append([]CallOption{}, c.dialOptions.defaultCallOptions...), opts...)
	callOptions := defaultCallOptions
	callOptions.codec = codec.Lookup(c.dialOptions.useBinaryFormat)
	for _, o := range callOpts {
		o(&callOptions)
	}
	return &callOptions
}

func (c *ClientConn) connectOptions() []transport.ConnectOption {
	connOpts := make([]transport.ConnectOption, 0, 4)
	if c.dialOptions.insecure {
		connOpts = append(connOpts, transport.WithInsecure())
	}
	if c.dialOptions.tlsConf != nil {
		connOpts = append(connOpts, transport.WithTLSConfig(c.dialOptions.tlsConf))
	}
	if c.dialOptions.h2c {
		connOpts = append(connOpts, transport.WithH2C())
	}
	connOpts = append(connOpts, transport.WithKeepSessionAlive(c.dialOptions.keepSessionAlive))
	return connOpts
}

// useBinaryFormat reports whether a call's negotiated codec is the
// binary (proto) format, used to pick the request Content-Type and to
// check the response's.
func useBinaryFormat(c *callOptions) bool {
	return c.codec.Name() != codec.NameText
}

// buildHeaders assembles the request headers for a single call, merging
// any outgoing metadata from ctx, a per-call CallTimeout or the context's
// own deadline, and the connection's compression negotiation.
func buildHeaders(ctx context.Context, dopts *dialOptions, copts *callOptions) http.Header {
	timeout := copts.timeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); timeout <= 0 || until < timeout {
			timeout = until
		}
	}

	userHeader := make(http.Header)
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		for k, vs := range md {
			for _, v := range vs {
				userHeader.Add(k, v)
			}
		}
	}

	return header.BuildRequest(header.BuildOptions{
		UseBinaryFormat:   useBinaryFormat(copts),
		Timeout:           timeout,
		SendCompression:   dopts.sendCompression,
		AcceptCompression: dopts.acceptCompression,
		User:              userHeader,
	})
}

// ErrNoRequestPrototype is returned when the outbound message is nil or a
// structural value (not a proto.Message) and the call carries no typed
// prototype to normalize it against.
var ErrNoRequestPrototype = errors.New("grpcweb: request has no typed prototype to normalize against")

// buildRequestBody normalizes, marshals, optionally compresses, and frames
// a single request message as one envelope, per spec §4.A/§4.B/§4.C.
func buildRequestBody(c encoding.CodecV2, in any, opts *dialOptions) (io.Reader, error) {
	if in != nil {
		if _, ok := in.(proto.Message); !ok {
			return nil, errors.Wrapf(ErrNoRequestPrototype, "got %T", in)
		}
	}

	msg, err := codec.Normalize(func() proto.Message { return nil }, in)
	if err != nil {
		return nil, errors.Wrap(err, "failed to normalize the request body")
	}
	if msg == nil {
		return nil, ErrNoRequestPrototype
	}

	bs, err := c.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal the request body")
	}

	e := envelope.Envelope{Payload: bs.Materialize()}

	var sendCompressor compress.Compressor
	if opts.sendCompression != "" {
		sendCompressor, _ = opts.compressors.Lookup(opts.sendCompression)
	}

	e, err = compress.Compress(e, sendCompressor, opts.compressMinBytes)
	if err != nil {
		return nil, err
	}

	buf, err := envelope.Marshal([]envelope.Envelope{e}, opts.writeMaxBytes)
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(buf), nil
}

func toMetadata(h http.Header) metadata.MD {
	if len(h) == 0 {
		return nil
	}
	md := metadata.New(nil)
	for k, v := range h {
		md.Append(k, v...)
	}
	return md
}
