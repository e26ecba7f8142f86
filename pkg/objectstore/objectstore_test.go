package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLRoundTrip(t *testing.T) {
	s, err := New("storage.local:9000", "key", "secret", "payment-proofs", false)
	require.NoError(t, err)

	u := s.URLFor("2024/03/receipt #1.png")
	assert.Equal(t, "http://storage.local:9000/payment-proofs/2024/03/receipt%20%231.png", u)

	key, err := s.KeyFromURL(u)
	require.NoError(t, err)
	assert.Equal(t, "2024/03/receipt #1.png", key)
}

func TestKeyFromURLRejectsOtherBuckets(t *testing.T) {
	s, err := New("storage.local", "key", "secret", "payment-proofs", true)
	require.NoError(t, err)

	for _, raw := range []string{
		"https://storage.local/other-bucket/a.png",
		"https://evil.example/payment-proofs/a.png",
		"https://storage.local/payment-proofs/",
	} {
		_, err := s.KeyFromURL(raw)
		assert.ErrorIs(t, err, ErrForeignURL, raw)
	}
}

func TestNewRequiresEndpointAndBucket(t *testing.T) {
	_, err := New("", "k", "s", "b", false)
	assert.Error(t, err)
	_, err = New("storage.local", "k", "s", " ", false)
	assert.Error(t, err)
}
