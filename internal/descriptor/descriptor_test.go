package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	raw := []byte("this is a signed, content-addressed descriptor")

	encoded, err := Encode(raw)
	require.NoError(t, err)
	assert.NotEmpty(t, encoded)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestEncodeNonEmptyForNonEmptyInput(t *testing.T) {
	encoded, err := Encode([]byte("D"))
	require.NoError(t, err)
	assert.NotEmpty(t, encoded)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte("D"), decoded)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("not-valid-base64-or-zlib!!")
	assert.Error(t, err)
}
