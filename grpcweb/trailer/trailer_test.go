package trailer_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/heartandu/grpcweb/trailer"
)

func TestParse_Encode_RoundTrip(t *testing.T) {
	b := trailer.Block{
		{Name: "grpc-status", Value: "0"},
		{Name: "grpc-message", Value: "ok"},
		{Name: "x-custom", Value: "v1"},
	}

	parsed, err := trailer.Parse(trailer.Encode(b))
	require.NoError(t, err)
	if diff := cmp.Diff(b, parsed); diff != "" {
		t.Errorf("parsed block differs from original (-want +got):\n%s", diff)
	}
}

func TestParse_ToleratesBareLF(t *testing.T) {
	data := []byte("grpc-status: 0\ngrpc-message: ok\n")
	b, err := trailer.Parse(data)
	require.NoError(t, err)

	v, ok := b.Get("grpc-status")
	require.True(t, ok)
	assert.Equal(t, "0", v)
}

func TestParse_MalformedLine(t *testing.T) {
	_, err := trailer.Parse([]byte("not-a-header-line\r\n"))
	assert.Error(t, err)
}

func TestParse_SkipsBlankLines(t *testing.T) {
	b, err := trailer.Parse([]byte("\r\ngrpc-status: 0\r\n\r\n"))
	require.NoError(t, err)
	assert.Len(t, b, 1)
}

func TestBlock_Get_CaseInsensitive(t *testing.T) {
	b := trailer.Block{{Name: "Grpc-Status", Value: "5"}}
	v, ok := b.Get("grpc-status")
	require.True(t, ok)
	assert.Equal(t, "5", v)
}

func TestStatus_MissingGRPCStatus(t *testing.T) {
	_, err := trailer.Status(trailer.Block{{Name: "grpc-message", Value: "oops"}})
	assert.ErrorIs(t, err, trailer.ErrMissingStatus)
}

func TestStatus_OK(t *testing.T) {
	st, err := trailer.Status(trailer.Block{{Name: "grpc-status", Value: "0"}})
	require.NoError(t, err)
	assert.Equal(t, codes.OK, st.Code())
}

func TestStatus_PercentDecodesMessage(t *testing.T) {
	b := trailer.Block{
		{Name: "grpc-status", Value: "3"},
		{Name: "grpc-message", Value: "bad%20input"},
	}

	st, err := trailer.Status(b)
	require.NoError(t, err)
	assert.Equal(t, codes.InvalidArgument, st.Code())
	assert.Equal(t, "bad input", st.Message())
}

func TestStatus_UnrecognizedCode(t *testing.T) {
	st, err := trailer.Status(trailer.Block{{Name: "grpc-status", Value: "not-a-number"}})
	require.NoError(t, err)
	assert.Equal(t, codes.Unknown, st.Code())
}

func TestEncodeStatus_RoundTripsThroughParse(t *testing.T) {
	want := status.New(codes.NotFound, "missing resource")
	b := trailer.EncodeStatus(want)

	parsed, err := trailer.Parse(trailer.Encode(b))
	require.NoError(t, err)

	got, err := trailer.Status(parsed)
	require.NoError(t, err)
	assert.Equal(t, want.Code(), got.Code())
	assert.Equal(t, want.Message(), got.Message())
}

func TestEncodeStatus_PadsControlByteEscapes(t *testing.T) {
	want := status.New(codes.Internal, "line one\nline two")
	b := trailer.EncodeStatus(want)

	v, ok := b.Get("grpc-message")
	require.True(t, ok)
	assert.Equal(t, "line one%0Aline two", v)

	parsed, err := trailer.Parse(trailer.Encode(b))
	require.NoError(t, err)

	got, err := trailer.Status(parsed)
	require.NoError(t, err)
	assert.Equal(t, want.Message(), got.Message())
}

func TestToMD_FromMD(t *testing.T) {
	b := trailer.Block{
		{Name: "grpc-status", Value: "0"},
		{Name: "x-repeat", Value: "a"},
		{Name: "x-repeat", Value: "b"},
	}

	md := b.ToMD()
	assert.ElementsMatch(t, []string{"a", "b"}, md.Get("x-repeat"))

	back := trailer.FromMD(md)
	assert.Len(t, back, 3)
}
