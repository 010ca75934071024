package header_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/heartandu/grpcweb/header"
)

func TestBuildRequest(t *testing.T) {
	h := header.BuildRequest(header.BuildOptions{
		UseBinaryFormat:   true,
		Timeout:           2 * time.Second,
		SendCompression:   "gzip",
		AcceptCompression: []string{"gzip", "identity"},
		User:              http.Header{"X-Custom": []string{"v"}},
	})

	assert.Equal(t, "application/grpc-web+proto", h.Get("Content-Type"))
	assert.Equal(t, "1", h.Get("X-Grpc-Web"))
	assert.Equal(t, "trailers", h.Get("Te"))
	assert.Equal(t, "2S", h.Get("Grpc-Timeout"))
	assert.Equal(t, "gzip", h.Get("Grpc-Encoding"))
	assert.Equal(t, "gzip,identity", h.Get("Grpc-Accept-Encoding"))
	assert.Equal(t, "v", h.Get("X-Custom"))
}

func TestBuildRequest_TextFormatNoTimeoutNoCompression(t *testing.T) {
	h := header.BuildRequest(header.BuildOptions{UseBinaryFormat: false})

	assert.Equal(t, "application/grpc-web+json", h.Get("Content-Type"))
	assert.Empty(t, h.Get("Grpc-Timeout"))
	assert.Empty(t, h.Get("Grpc-Encoding"))
	assert.Empty(t, h.Get("Grpc-Accept-Encoding"))
}

func TestEncodeTimeout(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "0n"},
		{-time.Second, "0n"},
		{5 * time.Second, "5S"},
		{90 * time.Second, "90S"},
		{3 * time.Minute, "180S"},
		{1500 * time.Millisecond, "1500m"},
		{250 * time.Microsecond, "250u"},
		{125 * time.Nanosecond, "125n"},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, header.EncodeTimeout(c.d), "duration %s", c.d)
	}
}

func TestValidateResponse_OK(t *testing.T) {
	h := http.Header{"Content-Type": []string{"application/grpc-web+proto"}}

	resp, err := header.ValidateResponse(http.StatusOK, h, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "proto", resp.Format)
	assert.False(t, resp.FoundStatus)
	assert.Empty(t, resp.Compressor)
}

func TestValidateResponse_FormatMismatch(t *testing.T) {
	h := http.Header{"Content-Type": []string{"application/grpc-web+json"}}

	_, err := header.ValidateResponse(http.StatusOK, h, nil, true)
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestValidateResponse_UnexpectedContentType(t *testing.T) {
	h := http.Header{"Content-Type": []string{"text/plain"}}

	_, err := header.ValidateResponse(http.StatusOK, h, nil, true)
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestValidateResponse_UnsupportedEncoding(t *testing.T) {
	h := http.Header{
		"Content-Type":  []string{"application/grpc-web+proto"},
		"Grpc-Encoding": []string{"brotli"},
	}

	_, err := header.ValidateResponse(http.StatusOK, h, []string{"gzip"}, true)
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestValidateResponse_TrailersOnly(t *testing.T) {
	h := http.Header{
		"Content-Type": []string{"application/grpc-web+proto"},
		"Grpc-Status":  []string{"5"},
		"Grpc-Message": []string{"not found"},
	}

	resp, err := header.ValidateResponse(http.StatusOK, h, nil, true)
	require.NoError(t, err)
	assert.True(t, resp.FoundStatus)

	v, ok := resp.Trailer.Get("grpc-status")
	require.True(t, ok)
	assert.Equal(t, "5", v)
}

func TestValidateResponse_NonOKStatusMapsToCode(t *testing.T) {
	cases := []struct {
		httpStatus int
		want       codes.Code
	}{
		{http.StatusUnauthorized, codes.Unauthenticated},
		{http.StatusForbidden, codes.PermissionDenied},
		{http.StatusNotFound, codes.Unimplemented},
		{http.StatusTooManyRequests, codes.Unavailable},
		{http.StatusBadGateway, codes.Unavailable},
		{http.StatusServiceUnavailable, codes.Unavailable},
		{http.StatusGatewayTimeout, codes.Unavailable},
		{http.StatusInternalServerError, codes.Unknown},
	}

	for _, c := range cases {
		_, err := header.ValidateResponse(c.httpStatus, http.Header{}, nil, true)
		require.Error(t, err)
		assert.Equal(t, c.want, status.Code(err), "http status %d", c.httpStatus)
	}
}

func TestWrapTransportError(t *testing.T) {
	assert.Nil(t, header.WrapTransportError(nil))

	err := header.WrapTransportError(errors.Wrap(errors.New("dial failed"), "failed to send"))
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
