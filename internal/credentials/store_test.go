package credentials

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/nfsegate/internal/config"
	"github.com/dropDatabas3/nfsegate/internal/domain"
)

// selfSigned genera un certificado EC autofirmado válido hasta notAfter.
func selfSigned(t *testing.T, notAfter time.Time) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "EMPRESA TESTE:12345678000190"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func writePair(t *testing.T, notAfter time.Time) config.Credentials {
	t.Helper()
	dir := t.TempDir()
	cert, key := selfSigned(t, notAfter)
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, cert, 0o600))
	require.NoError(t, os.WriteFile(keyPath, key, 0o600))
	return config.Credentials{CertPath: certPath, KeyPath: keyPath}
}

func TestStore_LoadPEMAndCache(t *testing.T) {
	src := writePair(t, time.Now().Add(365*24*time.Hour))
	s := NewStore("nfse", src)

	c1, err := s.Load()
	require.NoError(t, err)
	require.NotEmpty(t, c1.CertificatePEM)

	// Borrar los archivos: el segundo Load sale de la cache.
	require.NoError(t, os.Remove(src.CertPath))
	c2, err := s.Load()
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	// Invalidate obliga a recargar y ahora falla.
	s.Invalidate()
	_, err = s.Load()
	var cfgErr *domain.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Reason, "não encontrado")
}

func TestStore_MissingConfiguration(t *testing.T) {
	s := NewStore("nfse", config.Credentials{})
	_, err := s.Load()
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "credentials", cfgErr.Field)
}

func TestStore_TLSConfigWithCA(t *testing.T) {
	src := writePair(t, time.Now().Add(24*time.Hour))
	caPEM, _ := selfSigned(t, time.Now().Add(24*time.Hour))
	src.CABase64 = base64.StdEncoding.EncodeToString(caPEM)

	s := NewStore("sicoob", src)
	cfg, err := s.TLSConfig(true)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.RootCAs)
	assert.False(t, cfg.InsecureSkipVerify)

	cli, err := s.HTTPClient(5*time.Second, false)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cli.Timeout)
}

func TestStore_TLSConfigRacingInvalidate(t *testing.T) {
	src := writePair(t, time.Now().Add(24*time.Hour))
	caPEM, _ := selfSigned(t, time.Now().Add(24*time.Hour))
	src.CABase64 = base64.StdEncoding.EncodeToString(caPEM)
	s := NewStore("nfse", src)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Invalidate()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				cfg, err := s.TLSConfig(true)
				if assert.NoError(t, err) {
					assert.NotNil(t, cfg.RootCAs)
				}
				_, err = s.Leaf()
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}

func TestStore_InvalidCABase64(t *testing.T) {
	src := writePair(t, time.Now().Add(24*time.Hour))
	src.CABase64 = "%%%"
	_, err := NewStore("nfse", src).Load()
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "ca_base64", cfgErr.Field)
}

func TestStore_Signer(t *testing.T) {
	s := NewStore("nfse", writePair(t, time.Now().Add(24*time.Hour)))
	signer, err := s.Signer()
	require.NoError(t, err)
	_, ok := signer.Public().(*ecdsa.PublicKey)
	assert.True(t, ok)
}

func TestStore_CheckExpiry(t *testing.T) {
	now := time.Now()
	s := NewStore("nfse", writePair(t, now.Add(10*24*time.Hour+time.Hour)))

	res, err := s.CheckExpiry(now)
	require.NoError(t, err)
	assert.Equal(t, 10, res.DaysUntilExpiry)
	assert.Contains(t, res.Subject, "EMPRESA TESTE")

	res, err = s.CheckExpiry(now.Add(12 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Less(t, res.DaysUntilExpiry, 0)
}

func TestPFXToPEM_Garbage(t *testing.T) {
	_, _, err := PFXToPEM([]byte("not a pfx"), "senha")
	require.Error(t, err)

	src := config.Credentials{PFXBase64: base64.StdEncoding.EncodeToString([]byte("not a pfx")), PFXPass: "x"}
	_, err = NewStore("nfse", src).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PFX")
}
