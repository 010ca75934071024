package grpcweb

import (
	"crypto/tls"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"

	"github.com/heartandu/grpcweb/codec"
	"github.com/heartandu/grpcweb/compress"
)

// ErrInvalidBaseURL is returned at client construction when baseUrl is not
// an absolute URL.
var ErrInvalidBaseURL = errors.New("grpcweb: baseUrl must be an absolute URL")

// ErrSendCompressionNotAccepted is returned at client construction when
// sendCompression is set but absent from acceptCompression.
var ErrSendCompressionNotAccepted = errors.New("grpcweb: sendCompression must be present in acceptCompression")

// ErrInvalidByteLimit is returned at client construction for a negative
// compressMinBytes or a non-positive read/writeMaxBytes.
var ErrInvalidByteLimit = errors.New("grpcweb: invalid byte-size option")

// defaultReadMaxBytes and defaultWriteMaxBytes are generous per-envelope
// caps; callers needing tighter bomb guards should set them explicitly.
const (
	defaultReadMaxBytes  = 4 * 1024 * 1024
	defaultWriteMaxBytes = 4 * 1024 * 1024
)

var defaultDialOptions = dialOptions{
	useBinaryFormat:   true,
	acceptCompression: []string{compress.GzipCompressor.Name()},
	readMaxBytes:      defaultReadMaxBytes,
	writeMaxBytes:     defaultWriteMaxBytes,
}

type dialOptions struct {
	defaultCallOptions []CallOption

	insecure bool
	tlsConf  *tls.Config

	useBinaryFormat   bool
	acceptCompression []string
	sendCompression   string
	compressMinBytes  int
	readMaxBytes      int
	writeMaxBytes     int
	keepSessionAlive  bool

	unaryInterceptors  []UnaryClientInterceptor
	streamInterceptors []StreamClientInterceptor

	compressors *compress.Registry

	h2c bool
}

func (o *dialOptions) validate(baseURL string) error {
	u, err := url.Parse(baseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return errors.Wrapf(ErrInvalidBaseURL, "got %q", baseURL)
	}

	if o.sendCompression != "" && !containsString(o.acceptCompression, o.sendCompression) {
		return ErrSendCompressionNotAccepted
	}

	if o.compressMinBytes < 0 {
		return errors.Wrap(ErrInvalidByteLimit, "compressMinBytes must be >= 0")
	}
	if o.readMaxBytes <= 0 || o.writeMaxBytes <= 0 {
		return errors.Wrap(ErrInvalidByteLimit, "readMaxBytes and writeMaxBytes must be > 0")
	}

	return nil
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// DialOption configures a ClientConn at construction time.
type DialOption func(*dialOptions)

// WithDefaultCallOptions sets call options applied to every call made
// through this connection, before any per-call options.
func WithDefaultCallOptions(opts ...CallOption) DialOption {
	return func(opt *dialOptions) {
		opt.defaultCallOptions = opts
	}
}

// WithInsecure disables TLS (plain http/ws instead of https/wss).
func WithInsecure() DialOption {
	return func(opt *dialOptions) {
		opt.insecure = true
	}
}

// WithTLSConfig sets the client's TLS configuration.
func WithTLSConfig(conf *tls.Config) DialOption {
	return func(opt *dialOptions) {
		opt.tlsConf = conf
	}
}

// WithTextFormat switches the wire codec from binary (protobuf) to
// textual (JSON); useBinaryFormat defaults to true.
func WithTextFormat() DialOption {
	return func(opt *dialOptions) {
		opt.useBinaryFormat = false
	}
}

// WithAcceptCompression sets the ordered list of content-codings this
// client is willing to decode in responses.
func WithAcceptCompression(names ...string) DialOption {
	return func(opt *dialOptions) {
		opt.acceptCompression = names
	}
}

// WithSendCompression sets the content-coding applied to outbound
// envelopes. It must be present in acceptCompression.
func WithSendCompression(name string) DialOption {
	return func(opt *dialOptions) {
		opt.sendCompression = name
	}
}

// WithCompressMinBytes sets the size, in bytes, below which outbound
// envelopes are sent uncompressed even when sendCompression is set.
func WithCompressMinBytes(n int) DialOption {
	return func(opt *dialOptions) {
		opt.compressMinBytes = n
	}
}

// WithReadMaxBytes caps a single inbound envelope's decoded payload size.
func WithReadMaxBytes(n int) DialOption {
	return func(opt *dialOptions) {
		opt.readMaxBytes = n
	}
}

// WithWriteMaxBytes caps a single outbound envelope's payload size.
func WithWriteMaxBytes(n int) DialOption {
	return func(opt *dialOptions) {
		opt.writeMaxBytes = n
	}
}

// WithKeepSessionAlive hints to the underlying HTTP client that
// connections should be kept warm between calls.
func WithKeepSessionAlive(keep bool) DialOption {
	return func(opt *dialOptions) {
		opt.keepSessionAlive = keep
	}
}

// WithH2C dials the unary transport over cleartext HTTP/2 instead of
// HTTP/1.1. Only meaningful alongside WithInsecure; ignored for TLS
// connections, which already negotiate HTTP/2 over ALPN.
func WithH2C() DialOption {
	return func(opt *dialOptions) {
		opt.h2c = true
	}
}

// WithChainUnaryInterceptor appends interceptors wrapping every unary
// call, outermost first.
func WithChainUnaryInterceptor(interceptors ...UnaryClientInterceptor) DialOption {
	return func(opt *dialOptions) {
		opt.unaryInterceptors = append(opt.unaryInterceptors, interceptors...)
	}
}

// WithChainStreamInterceptor appends interceptors wrapping every
// streaming call, outermost first.
func WithChainStreamInterceptor(interceptors ...StreamClientInterceptor) DialOption {
	return func(opt *dialOptions) {
		opt.streamInterceptors = append(opt.streamInterceptors, interceptors...)
	}
}

// WithCompressor registers an additional compression descriptor (gzip is
// registered by default).
func WithCompressor(c compress.Compressor) DialOption {
	return func(opt *dialOptions) {
		opt.compressors.Register(c)
	}
}

var defaultCallOptions = callOptions{
	codec: encoding.GetCodecV2(codec.NameBinary),
}

type callOptions struct {
	codec           encoding.CodecV2
	header, trailer *metadata.MD
	timeout         time.Duration
}

// CallOption configures a single call.
type CallOption func(*callOptions)

// CallContentSubtype overrides the wire codec for a single call (e.g.
// "json").
func CallContentSubtype(contentSubtype string) CallOption {
	return func(opt *callOptions) {
		opt.codec = encoding.GetCodecV2(contentSubtype)
	}
}

// Header arranges for the response header metadata to be written to *h
// once it is available.
func Header(h *metadata.MD) CallOption {
	return func(opt *callOptions) {
		*h = metadata.New(nil)
		opt.header = h
	}
}

// Trailer arranges for the response trailer metadata to be written to *t
// once the call completes.
func Trailer(t *metadata.MD) CallOption {
	return func(opt *callOptions) {
		*t = metadata.New(nil)
		opt.trailer = t
	}
}

// CallTimeout sets a per-call timeout, sent to the server as Grpc-Timeout;
// a context deadline that would fire sooner is sent instead. The client
// does not cancel the call itself when this timeout passes.
func CallTimeout(d time.Duration) CallOption {
	return func(opt *callOptions) {
		opt.timeout = d
	}
}
