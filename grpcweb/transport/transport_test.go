package transport_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartandu/grpcweb/transport"
)

func TestHTTPTransport_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/test.Service/Echo", r.URL.Path)
		assert.Equal(t, "v1", r.Header.Get("X-Custom"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(body))

		w.Header().Set("X-Reply", "v2")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("response"))
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	tr, err := transport.NewUnary(host, transport.WithInsecure())
	require.NoError(t, err)
	defer tr.Close()

	h := http.Header{"X-Custom": []string{"v1"}}
	statusCode, respHeader, respBody, err := tr.Send(context.Background(), "/test.Service/Echo", h, strings.NewReader("payload"))
	require.NoError(t, err)
	defer respBody.Close()

	assert.Equal(t, http.StatusOK, statusCode)
	assert.Equal(t, "v2", respHeader.Get("X-Reply"))

	b, err := io.ReadAll(respBody)
	require.NoError(t, err)
	assert.Equal(t, "response", string(b))
}

func TestHTTPTransport_Send_OnlyOncePerRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	tr, err := transport.NewUnary(host, transport.WithInsecure())
	require.NoError(t, err)
	defer tr.Close()

	_, _, body, err := tr.Send(context.Background(), "/m", http.Header{}, nil)
	require.NoError(t, err)
	body.Close()

	_, _, _, err = tr.Send(context.Background(), "/m", http.Header{}, nil)
	assert.Error(t, err)
}

func TestWebSocketTransport_SendReceive(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{"grpc-websockets"}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// Drain the request-header frame.
		_, _, err = conn.ReadMessage()
		require.NoError(t, err)

		// Drain the request-body frame (flag byte + envelope).
		_, reqBody, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, byte(0x00), reqBody[0])

		// Echo a response-header frame followed by a body frame.
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("HTTP/1.1 200 OK\r\n")))
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("grpc-status: 0\r\n\r\n")))
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("response-frame")))
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	tr, err := transport.NewClientStream(host, "/test.Service/Stream", transport.WithInsecure())
	require.NoError(t, err)
	defer tr.Close()

	tr.SetRequestHeader(http.Header{})
	require.NoError(t, tr.Send(context.Background(), strings.NewReader("envelope")))

	respBody, err := tr.Receive(context.Background())
	require.NoError(t, err)
	defer respBody.Close()

	b, err := io.ReadAll(respBody)
	require.NoError(t, err)
	assert.Equal(t, "response-frame", string(b))
}
