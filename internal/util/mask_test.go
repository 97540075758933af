package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"Ana.Souza@Example.com.br": "a…@e….com.br",
		"a@b.io":                   "a@b.io",
		"":                         "",
		"sem-arroba-longo":         "***ongo",
	}
	for in, want := range cases {
		assert.Equal(t, want, MaskEmail(in), in)
	}
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret(""))
	assert.Equal(t, "***", MaskSecret("curto"))
	assert.Equal(t, "***wxyz", MaskSecret("eyJhbGciOi.abcdwxyz"))
}
