package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"+15551234567", "+15551234567"},
		{"5551234567", "+15551234567"},
		{"15551234567", "+15551234567"},
		{"(555) 123-4567", "+15551234567"},
		{"+44 20 7946 0958", "+442079460958"},
	}
	for _, c := range cases {
		got, err := Normalize(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got)
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "+0123456", "+"} {
		_, err := Normalize(in)
		assert.ErrorIs(t, err, ErrInvalidNumber, in)
	}
}

func TestHashDeterministic(t *testing.T) {
	id, err := NewIdentity("hash-secret", "enc-secret")
	require.NoError(t, err)

	h1 := id.Hash("+15551234567")
	h2 := id.Hash("+15551234567")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, id.Hash("+15551234568"))

	other, err := NewIdentity("different-secret", "enc-secret")
	require.NoError(t, err)
	assert.NotEqual(t, h1, other.Hash("+15551234567"))
}

func TestEncryptRoundTrip(t *testing.T) {
	id, err := NewIdentity("hash-secret", "enc-secret")
	require.NoError(t, err)

	ct, err := id.Encrypt("+15551234567")
	require.NoError(t, err)
	assert.NotContains(t, ct, "5551234567")

	pt, err := id.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", pt)
}

func TestDecryptFailsClosed(t *testing.T) {
	id, err := NewIdentity("hash-secret", "enc-secret")
	require.NoError(t, err)

	_, err = id.Decrypt("not base64!!")
	assert.ErrorIs(t, err, ErrDecryptFailed)

	_, err = id.Decrypt("c2hvcnQ=")
	assert.ErrorIs(t, err, ErrDecryptFailed)

	ct, err := id.Encrypt("+15551234567")
	require.NoError(t, err)
	wrongKey, err := NewIdentity("hash-secret", "other-enc-secret")
	require.NoError(t, err)
	_, err = wrongKey.Decrypt(ct)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestMissingKeys(t *testing.T) {
	_, err := NewIdentity("", "enc")
	assert.Error(t, err)
	_, err = NewIdentity("hash", " ")
	assert.Error(t, err)
}
