package transport

import "crypto/tls"

type connectOptions struct {
	insecure         bool
	tlsConf          *tls.Config
	keepSessionAlive bool
	h2c              bool
}

type ConnectOption func(*connectOptions)

func WithInsecure() ConnectOption {
	return func(opt *connectOptions) {
		opt.insecure = true
	}
}

func WithTLSConfig(conf *tls.Config) ConnectOption {
	return func(opt *connectOptions) {
		opt.tlsConf = conf
	}
}

// WithKeepSessionAlive hints that the HTTP client should keep connections
// warm between calls instead of closing idle connections eagerly.
func WithKeepSessionAlive(keep bool) ConnectOption {
	return func(opt *connectOptions) {
		opt.keepSessionAlive = keep
	}
}

// WithH2C dials the unary transport over cleartext HTTP/2 (RFC 7540 "h2c")
// instead of HTTP/1.1, for insecure connections to servers that speak
// HTTP/2 without TLS. It has no effect combined with a TLS configuration,
// where HTTP/2 is already negotiated over ALPN.
func WithH2C() ConnectOption {
	return func(opt *connectOptions) {
		opt.h2c = true
	}
}
