// Package secretbox sella secretos de configuración (PFX pass, client
// secrets, segredos de webhook, DSN) con AES-256-GCM.
//
// Formato sellado: "enc:" + base64(nonce) + "|" + base64(ciphertext).
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// KeyEnv contiene la clave maestra (32 bytes en base64 o hex).
	KeyEnv = "NFSEGATE_MASTER_KEY"
	// Prefix marca un valor sellado.
	Prefix = "enc:"

	keyLen = 32
	sep    = "|"
)

// ErrNoKey indica que hay valores sellados pero falta la clave maestra.
var ErrNoKey = errors.New("secretbox: " + KeyEnv + " não definida; gere uma com: openssl rand -base64 32")

// Box sella y abre valores con una clave fija. Safe para uso concurrente.
type Box struct {
	aead cipher.AEAD
	rand io.Reader
}

// New crea un Box. key acepta base64 (con o sin padding) o hex de 32 bytes.
func New(key string) (*Box, error) {
	k, err := parseKey(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &Box{aead: aead, rand: rand.Reader}, nil
}

// FromEnv lee la clave de KeyEnv. Retorna ErrNoKey si no está seteada.
func FromEnv() (*Box, error) {
	key := strings.TrimSpace(os.Getenv(KeyEnv))
	if key == "" {
		return nil, ErrNoKey
	}
	return New(key)
}

func parseKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		if b, err := enc.DecodeString(key); err == nil && len(b) == keyLen {
			return b, nil
		}
	}
	if len(key) == 2*keyLen {
		if b, err := hex.DecodeString(key); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("secretbox: chave inválida (esperado %d bytes em base64 ou hex)", keyLen)
}

// IsSealed indica si v tiene el prefijo de valor sellado.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, Prefix)
}

// Seal cifra plain con un nonce aleatorio.
func (b *Box) Seal(plain string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(b.rand, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ct := b.aead.Seal(nil, nonce, []byte(plain), nil)
	return Prefix + base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

// Open descifra un valor sellado. Valores sin prefijo se devuelven tal cual.
func (b *Box) Open(v string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	nonceB64, ctB64, ok := strings.Cut(strings.TrimPrefix(v, Prefix), sep)
	if !ok {
		return "", errors.New("secretbox: formato inválido, esperado base64(nonce)|base64(ciphertext)")
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return "", fmt.Errorf("secretbox: nonce: %w", err)
	}
	if len(nonce) != b.aead.NonceSize() {
		return "", fmt.Errorf("secretbox: nonce com %d bytes, esperado %d", len(nonce), b.aead.NonceSize())
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return "", fmt.Errorf("secretbox: ciphertext: %w", err)
	}
	pt, err := b.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("secretbox: autenticação falhou: %w", err)
	}
	return string(pt), nil
}
