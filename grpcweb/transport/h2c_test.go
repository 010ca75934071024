package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func TestNewUnary_H2C_UsesHTTP2Transport(t *testing.T) {
	tr, err := NewUnary("example.com", WithInsecure(), WithH2C())
	require.NoError(t, err)

	ht, ok := tr.(*httpTransport)
	require.True(t, ok)

	_, ok = ht.client.Transport.(*http2.Transport)
	assert.True(t, ok, "expected an *http2.Transport when WithH2C is set")
}

func TestNewUnary_NoH2C_DefaultTransport(t *testing.T) {
	tr, err := NewUnary("example.com", WithInsecure())
	require.NoError(t, err)

	ht, ok := tr.(*httpTransport)
	require.True(t, ok)
	assert.Nil(t, ht.client.Transport)
}
