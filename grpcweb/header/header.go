// Package header builds gRPC-Web request headers and validates response
// headers, per spec §4.E: component E of the core pipeline.
package header

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/heartandu/grpcweb/trailer"
)

// BuildOptions are the inputs to BuildRequest.
type BuildOptions struct {
	// UseBinaryFormat selects application/grpc-web+proto (true) or
	// application/grpc-web+json (false).
	UseBinaryFormat bool
	// Timeout, if positive, is encoded as Grpc-Timeout.
	Timeout time.Duration
	// SendCompression, if non-empty, is sent as Grpc-Encoding.
	SendCompression string
	// AcceptCompression, if non-empty, is sent as Grpc-Accept-Encoding.
	AcceptCompression []string
	// User headers are merged in last and win on conflict.
	User http.Header
}

func formatName(useBinaryFormat bool) string {
	if useBinaryFormat {
		return "proto"
	}
	return "json"
}

// BuildRequest assembles the request headers for a single call.
func BuildRequest(opts BuildOptions) http.Header {
	h := make(http.Header)

	h.Set("Content-Type", "application/grpc-web+"+formatName(opts.UseBinaryFormat))
	h.Set("X-Grpc-Web", "1")
	h.Set("Te", "trailers")

	if opts.Timeout > 0 {
		h.Set("Grpc-Timeout", EncodeTimeout(opts.Timeout))
	}
	if opts.SendCompression != "" {
		h.Set("Grpc-Encoding", opts.SendCompression)
	}
	if len(opts.AcceptCompression) > 0 {
		h.Set("Grpc-Accept-Encoding", strings.Join(opts.AcceptCompression, ","))
	}

	for k, vs := range opts.User {
		h.Del(k)
		for _, v := range vs {
			h.Add(k, v)
		}
	}

	return h
}

// maxTimeoutDigits is the gRPC wire-format limit on the Grpc-Timeout
// numeric component (grpc/PROTOCOL-HTTP2.md "ASCII-Value" grammar).
const maxTimeoutDigits = 1e8

// EncodeTimeout renders d as a Grpc-Timeout value, choosing the coarsest
// unit (S, m, u, n) that holds d exactly in at most 8 digits. When no unit
// holds d exactly, d is rounded up in the finest of those units that fits;
// durations too long even for seconds are sent as whole hours. grpc-go's
// own encoder lives in an unexported internal package, so this one is
// written against the documented wire grammar instead.
func EncodeTimeout(d time.Duration) string {
	if d <= 0 {
		return "0n"
	}

	units := []struct {
		suffix string
		unit   time.Duration
	}{
		{"S", time.Second},
		{"m", time.Millisecond},
		{"u", time.Microsecond},
		{"n", time.Nanosecond},
	}

	for _, u := range units {
		if d%u.unit == 0 {
			v := d / u.unit
			if v < maxTimeoutDigits {
				return strconv.FormatInt(int64(v), 10) + u.suffix
			}
		}
	}

	for i := len(units) - 1; i >= 0; i-- {
		if v := (d + units[i].unit - 1) / units[i].unit; v < maxTimeoutDigits {
			return strconv.FormatInt(int64(v), 10) + units[i].suffix
		}
	}

	v := d / time.Hour
	return strconv.FormatInt(int64(v), 10) + "H"
}

// httpStatusToCode is the HTTP->gRPC status mapping from spec §4.E.1.
func httpStatusToCode(statusCode int) codes.Code {
	switch statusCode {
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.Unimplemented
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

// Response is the classification of a single call's response, produced by
// ValidateResponse.
type Response struct {
	// Format is "proto" or "json", matched against the request's format.
	Format string
	// Compressor is the negotiated grpc-encoding value, or "" for identity.
	Compressor string
	// FoundStatus is true for a trailers-only response: grpc-status was
	// present directly in the HTTP response headers.
	FoundStatus bool
	// Trailer holds the trailers-only block, only set when FoundStatus.
	Trailer trailer.Block
}

// ValidateResponse classifies an HTTP response per spec §4.E. acceptCompression
// is the set of decoders this call is willing to use; useBinaryFormat must
// match the suffix of the response content-type.
func ValidateResponse(statusCode int, h http.Header, acceptCompression []string, useBinaryFormat bool) (Response, error) {
	if statusCode != http.StatusOK {
		return Response{}, status.Error(httpStatusToCode(statusCode), http.StatusText(statusCode))
	}

	ct := h.Get("Content-Type")
	format, err := validateContentType(ct, useBinaryFormat)
	if err != nil {
		return Response{}, err
	}

	var resp Response
	resp.Format = format

	if enc := h.Get("Grpc-Encoding"); enc != "" && !strings.EqualFold(enc, "identity") {
		if !containsFold(acceptCompression, enc) {
			return Response{}, status.Errorf(codes.Unimplemented, "unsupported grpc-encoding %q", enc)
		}
		resp.Compressor = enc
	}

	if gs := h.Get("Grpc-Status"); gs != "" {
		resp.FoundStatus = true
		resp.Trailer = trailersOnlyBlock(h)
	}

	return resp, nil
}

func validateContentType(ct string, useBinaryFormat bool) (string, error) {
	const prefix = "application/grpc-web"

	if !strings.HasPrefix(ct, prefix) {
		return "", status.Errorf(codes.Unimplemented, "unexpected content-type %q", ct)
	}

	rest := strings.TrimPrefix(ct, prefix)
	var format string
	switch {
	case rest == "" || rest == "+proto":
		format = "proto"
	case rest == "+json":
		format = "json"
	default:
		return "", status.Errorf(codes.Unimplemented, "unexpected content-type %q", ct)
	}

	want := formatName(useBinaryFormat)
	if format != want {
		return "", status.Errorf(codes.Internal, "response format %q does not match request format %q", format, want)
	}

	return format, nil
}

func trailersOnlyBlock(h http.Header) trailer.Block {
	var b trailer.Block
	if v := h.Get("Grpc-Status"); v != "" {
		b = append(b, trailer.Pair{Name: "grpc-status", Value: v})
	}
	if v := h.Get("Grpc-Message"); v != "" {
		b = append(b, trailer.Pair{Name: "grpc-message", Value: v})
	}
	if v := h.Get("Grpc-Status-Details-Bin"); v != "" {
		b = append(b, trailer.Pair{Name: "grpc-status-details-bin", Value: v})
	}
	return b
}

func containsFold(ss []string, v string) bool {
	for _, s := range ss {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// WrapTransportError maps a failure that occurred before a response head
// was received (DNS, dial, I/O) to Unavailable, per spec §7.
func WrapTransportError(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(codes.Unavailable, errors.Cause(err).Error())
}
