package secretbox

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	return raw
}

func TestSealOpen_RoundTrip(t *testing.T) {
	box, err := New(base64.StdEncoding.EncodeToString(testKey()))
	require.NoError(t, err)

	sealed, err := box.Seal("senha-do-pfx ✓")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "senha-do-pfx ✓", plain)

	again, err := box.Seal("senha-do-pfx ✓")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce aleatório")
}

func TestOpen_PlainPassesThrough(t *testing.T) {
	box, err := New(hex.EncodeToString(testKey()))
	require.NoError(t, err)
	v, err := box.Open("valor-em-claro")
	require.NoError(t, err)
	assert.Equal(t, "valor-em-claro", v)
}

func TestOpen_DetectsTamper(t *testing.T) {
	box, err := New(base64.RawStdEncoding.EncodeToString(testKey()))
	require.NoError(t, err)
	sealed, err := box.Seal("segredo")
	require.NoError(t, err)

	nonce, ct, _ := strings.Cut(strings.TrimPrefix(sealed, Prefix), sep)
	bs, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)
	bs[0] ^= 0xFF
	tampered := Prefix + nonce + sep + base64.StdEncoding.EncodeToString(bs)

	_, err = box.Open(tampered)
	assert.Error(t, err)

	_, err = box.Open(Prefix + "sem-separador")
	assert.Error(t, err)
}

func TestOpen_WrongKey(t *testing.T) {
	a, err := New(base64.StdEncoding.EncodeToString(testKey()))
	require.NoError(t, err)
	other := testKey()
	other[0] = 0
	b, err := New(base64.StdEncoding.EncodeToString(other))
	require.NoError(t, err)

	sealed, err := a.Seal("x")
	require.NoError(t, err)
	_, err = b.Open(sealed)
	assert.Error(t, err)
}

func TestNew_InvalidKey(t *testing.T) {
	_, err := New("curta")
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv(KeyEnv, "")
	_, err := FromEnv()
	assert.ErrorIs(t, err, ErrNoKey)

	t.Setenv(KeyEnv, base64.StdEncoding.EncodeToString(testKey()))
	box, err := FromEnv()
	require.NoError(t, err)
	assert.NotNil(t, box)
}
