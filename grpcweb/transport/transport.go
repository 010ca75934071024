// Package transport implements the HTTP client contract from spec §6: it
// sends a request with a header and byte-stream body and returns a status
// code, response header, and a byte-stream body, optionally falling back
// to a WebSocket tunnel for full-duplex streaming, since gRPC-Web proper
// has no client-streaming transport.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

// UnaryTransport is the HTTP client contract used by the unary call
// runner and the server-streaming state machine: one request, one
// response. It never classifies the response itself — that's the header
// package's job — it only reports what the wire said.
type UnaryTransport interface {
	// Send issues a single POST request. It does not error on a non-200
	// status; the caller inspects statusCode alongside header.
	Send(ctx context.Context, endpoint string, header http.Header, body io.Reader) (statusCode int, respHeader http.Header, respBody io.ReadCloser, err error)
	Close() error
}

type httpTransport struct {
	url    *url.URL
	client *http.Client

	sentMu sync.Mutex
	sent   bool

	keepSessionAlive bool
}

func (t *httpTransport) Send(
	ctx context.Context,
	endpoint string,
	header http.Header,
	body io.Reader,
) (int, http.Header, io.ReadCloser, error) {
	t.sentMu.Lock()
	if t.sent {
		t.sentMu.Unlock()
		return 0, nil, nil, errors.New("Send must be called only one time per one Request")
	}
	t.sent = true
	t.sentMu.Unlock()

	u := *t.url
	u.Path += endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "failed to build the API request")
	}
	req.Header = header

	res, err := t.client.Do(req)
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "failed to send the API request")
	}

	return res.StatusCode, res.Header, res.Body, nil
}

func (t *httpTransport) Close() error {
	if !t.keepSessionAlive {
		t.client.CloseIdleConnections()
	}
	return nil
}

// NewUnary builds a UnaryTransport for a single call against host, which
// should not carry a scheme (https/http is chosen from ConnectOption).
var NewUnary = func(host string, opts ...ConnectOption) (UnaryTransport, error) {
	o := new(connectOptions)
	for _, f := range opts {
		f(o)
	}

	scheme := "https"
	if o.insecure {
		scheme = "http"
	}

	u, err := url.Parse(fmt.Sprintf("%s://%s", scheme, host))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse host into url")
	}

	client := &http.Client{}
	switch {
	case o.h2c && o.insecure && o.tlsConf == nil:
		client.Transport = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}
	case o.tlsConf != nil:
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = o.tlsConf
		client.Transport = tr
	}

	return &httpTransport{
		url:              u,
		client:           client,
		keepSessionAlive: o.keepSessionAlive,
	}, nil
}

// ClientStreamTransport is the HTTP client contract used by the
// bidirectional/client-streaming state machine. gRPC-Web proper can't
// stream a request body over a single exchange the way a browser can
// reach an HTTP/2 server, so (following improbable-eng/grpc-web's own
// client) this falls back to a WebSocket tunnel: ClientStreamTransport.Send
// may be called more than once per call.
type ClientStreamTransport interface {
	Header() (http.Header, error)
	Trailer() http.Header

	// SetRequestHeader sets the headers to send to the gRPC-Web server.
	// It must be called before the first call to Send.
	SetRequestHeader(h http.Header)
	Send(ctx context.Context, body io.Reader) error
	Receive(ctx context.Context) (io.ReadCloser, error)

	// CloseSend sends a half-close signal to the server.
	CloseSend() error

	// Close closes the connection.
	Close() error
}

// webSocketTransport is a stream transport implementation.
//
// Currently, the gRPC-Web specification does not support client-side
// streaming (https://github.com/improbable-eng/grpc-web#client-side-streaming).
// webSocketTransport supports improbable-eng/grpc-web's own protocol
// extension for it instead.
//
// spec: https://github.com/grpc/grpc/blob/master/doc/PROTOCOL-WEB.md
type webSocketTransport struct {
	host     string
	endpoint string

	conn *websocket.Conn

	once    sync.Once
	resOnce sync.Once

	closed bool

	writeMu sync.Mutex

	reqHeader, header, trailer http.Header
}

func (t *webSocketTransport) Header() (http.Header, error) {
	return t.header, nil
}

func (t *webSocketTransport) Trailer() http.Header {
	return t.trailer
}

func (t *webSocketTransport) SetRequestHeader(h http.Header) {
	t.reqHeader = h
}

func (t *webSocketTransport) Send(ctx context.Context, body io.Reader) error {
	if t.closed {
		return io.EOF
	}

	var err error
	t.once.Do(func() {
		h := t.reqHeader
		if h == nil {
			h = make(http.Header)
		}
		if h.Get("content-type") == "" {
			h.Set("content-type", "application/grpc-web+proto")
		}
		h.Set("x-grpc-web", "1")

		var b bytes.Buffer
		_ = h.Write(&b)

		err = t.writeMessage(websocket.BinaryMessage, b.Bytes())
	})
	if err != nil {
		return err
	}

	var b bytes.Buffer
	b.Write([]byte{0x00})
	if _, err := io.Copy(&b, body); err != nil {
		return errors.Wrap(err, "failed to read request body")
	}

	return t.writeMessage(websocket.BinaryMessage, b.Bytes())
}

func (t *webSocketTransport) Receive(context.Context) (_ io.ReadCloser, err error) {
	if t.closed {
		return nil, io.EOF
	}

	defer func() {
		if err == nil {
			return
		}
		if berr, ok := errors.Cause(err).(*net.OpError); ok && !berr.Temporary() { //nolint:staticcheck // mirrors upstream behavior
			err = io.EOF
		}
	}()

	// Skip the response header frame the first time.
	t.resOnce.Do(func() {
		_, _, herr := t.conn.NextReader()
		if herr != nil {
			err = errors.Wrap(herr, "failed to read response header")
			return
		}

		_, msg, merr := t.conn.NextReader()
		if merr != nil {
			err = errors.Wrap(merr, "failed to read response header")
			return
		}

		h := make(http.Header)
		s := bufio.NewScanner(msg)
		for s.Scan() {
			line := s.Text()
			i := strings.Index(line, ": ")
			if i == -1 {
				continue
			}
			k := strings.ToLower(line[:i])
			h.Add(k, line[i+2:])
		}
		t.header = h
	})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	_, b, rerr := t.conn.ReadMessage()
	if rerr != nil {
		if cerr, ok := rerr.(*websocket.CloseError); ok {
			if cerr.Code == websocket.CloseNormalClosure {
				return nil, io.EOF
			}
			if cerr.Code == websocket.CloseAbnormalClosure {
				return nil, io.ErrUnexpectedEOF
			}
		}
		return nil, errors.Wrap(rerr, "failed to read response body")
	}
	buf.Write(b)

	r, nerr := t.conn.NextReader()
	if nerr != nil {
		return nil, nerr
	}

	by, rerr := io.ReadAll(io.MultiReader(&buf, r))
	if rerr != nil {
		return nil, errors.Wrap(rerr, "failed to buffer response frame")
	}

	return io.NopCloser(bytes.NewReader(by)), nil
}

func (t *webSocketTransport) CloseSend() error {
	// 0x01 means the finish-send frame.
	// ref. improbable-eng/grpc-web transports/websocket/websocket.ts
	if err := t.writeMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		return errors.Wrap(err, "failed to write close-send frame to websocket")
	}
	return nil
}

func (t *webSocketTransport) Close() error {
	err := t.writeMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	t.closed = true
	return t.conn.Close()
}

func (t *webSocketTransport) writeMessage(msg int, b []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(msg, b)
}

// NewClientStream dials a WebSocket tunnel for a streaming call.
var NewClientStream = func(host, endpoint string, opts ...ConnectOption) (ClientStreamTransport, error) {
	o := new(connectOptions)
	for _, f := range opts {
		f(o)
	}

	scheme := "wss"
	if o.insecure {
		scheme = "ws"
	}

	u, err := url.Parse(fmt.Sprintf("%s://%s%s", scheme, host, endpoint))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse url")
	}

	wsDialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
	}
	if o.tlsConf != nil {
		wsDialer.TLSClientConfig = o.tlsConf
	}

	h := http.Header{}
	h.Set("Sec-WebSocket-Protocol", "grpc-websockets")

	conn, _, err := wsDialer.Dial(u.String(), h)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial to '%s'", u.String())
	}

	return &webSocketTransport{
		host:     host,
		endpoint: endpoint,
		conn:     conn,
	}, nil
}
