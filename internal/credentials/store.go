// Package credentials carga y cachea las credenciales mTLS usadas contra las
// APIs externas (API Nacional NFS-e, Sicoob). Acepta un bundle PKCS#12 (base64 o
// path) o el par certificado/clave PEM, con CA opcional.
package credentials

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/dropDatabas3/nfsegate/internal/config"
	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
)

// Store carga la credencial una sola vez y la sirve desde memoria hasta
// Invalidate(). Thread-safe.
type Store struct {
	name string
	src  config.Credentials

	mu   sync.Mutex
	cred *domain.Credential
	pair *tls.Certificate
}

// NewStore crea un Store. name se usa solo para logs ("nfse", "sicoob").
func NewStore(name string, src config.Credentials) *Store {
	return &Store{name: name, src: src}
}

// Load retorna la credencial cacheada, cargándola en el primer uso.
func (s *Store) Load() (*domain.Credential, error) {
	_, cred, err := s.keyPair()
	return cred, err
}

// Invalidate descarta la credencial cacheada; el próximo Load recarga desde la fuente.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cred = nil
	s.pair = nil
	s.mu.Unlock()
}

// keyPair retorna par y credencial leídos bajo el mismo lock; un Invalidate
// concurrente no afecta a quien ya tiene la copia.
func (s *Store) keyPair() (*tls.Certificate, *domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred != nil {
		return s.pair, s.cred, nil
	}

	cred, err := load(s.src)
	if err != nil {
		return nil, nil, err
	}
	pair, err := tls.X509KeyPair(cred.CertificatePEM, cred.PrivateKeyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("certificado %s: par chave/certificado inválido: %w", s.name, err)
	}

	s.cred = cred
	s.pair = &pair
	logger.Named("credentials").Info("credenciais mTLS carregadas",
		logger.String("store", s.name),
		logger.Bool("ca", len(cred.CAPEM) > 0),
	)
	return s.pair, s.cred, nil
}

// TLSConfig construye la configuración mTLS. verify=false solo debe usarse en sandbox.
func (s *Store) TLSConfig(verify bool) (*tls.Config, error) {
	pair, cred, err := s.keyPair()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates:       []tls.Certificate{*pair},
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !verify,
	}
	if len(cred.CAPEM) > 0 {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(cred.CAPEM) {
			return nil, fmt.Errorf("certificado %s: PEM da CA sem certificados", s.name)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// HTTPClient retorna un *http.Client con keep-alive sobre el canal mTLS.
func (s *Store) HTTPClient(timeout time.Duration, verify bool) (*http.Client, error) {
	tlsCfg, err := s.TLSConfig(verify)
	if err != nil {
		return nil, err
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tlsCfg
	return &http.Client{Transport: tr, Timeout: timeout}, nil
}

// Signer retorna la clave privada del certificado (para client assertions).
func (s *Store) Signer() (crypto.Signer, error) {
	pair, _, err := s.keyPair()
	if err != nil {
		return nil, err
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("certificado %s: chave privada não implementa crypto.Signer", s.name)
	}
	switch signer.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
		return signer, nil
	default:
		return nil, fmt.Errorf("certificado %s: tipo de chave não suportado %T", s.name, signer)
	}
}

// Leaf retorna el certificado hoja parseado.
func (s *Store) Leaf() (*x509.Certificate, error) {
	pair, _, err := s.keyPair()
	if err != nil {
		return nil, err
	}
	if pair.Leaf != nil {
		return pair.Leaf, nil
	}
	return x509.ParseCertificate(pair.Certificate[0])
}

// ExpiryCheck es el resultado de CheckExpiry.
type ExpiryCheck struct {
	Subject         string
	NotAfter        time.Time
	DaysUntilExpiry int
}

// CheckExpiry calcula los días hasta el vencimiento del certificado hoja y
// loguea con severidad creciente (< 30 días warn, < 7 días o vencido error).
func (s *Store) CheckExpiry(now time.Time) (ExpiryCheck, error) {
	leaf, err := s.Leaf()
	if err != nil {
		return ExpiryCheck{}, err
	}
	days := int(math.Floor(leaf.NotAfter.Sub(now).Hours() / 24))
	res := ExpiryCheck{Subject: leaf.Subject.String(), NotAfter: leaf.NotAfter, DaysUntilExpiry: days}

	log := logger.Named("credentials").With(
		logger.String("store", s.name),
		logger.Int("days_until_expiry", days),
		logger.String("not_after", leaf.NotAfter.UTC().Format(time.RFC3339)),
		logger.String("subject", res.Subject),
	)
	switch {
	case days < 0:
		log.Error("certificado EXPIRADO")
	case days < 7:
		log.Error("certificado vence em menos de 7 dias")
	case days < 30:
		log.Warn("certificado vence em menos de 30 dias")
	default:
		log.Info("certificado válido")
	}
	return res, nil
}

// =================================================================================
// CARGA
// =================================================================================

func load(src config.Credentials) (*domain.Credential, error) {
	ca, err := loadCA(src)
	if err != nil {
		return nil, err
	}

	if src.PFXBase64 != "" || src.PFXPath != "" {
		var pfx []byte
		if src.PFXBase64 != "" {
			pfx, err = base64.StdEncoding.DecodeString(src.PFXBase64)
			if err != nil {
				return nil, &domain.ConfigurationError{Field: "pfx_base64", Reason: "base64 inválido: " + err.Error()}
			}
		} else {
			pfx, err = readFile(src.PFXPath, "Certificado PFX")
			if err != nil {
				return nil, err
			}
		}
		certPEM, keyPEM, err := PFXToPEM(pfx, src.PFXPass)
		if err != nil {
			return nil, fmt.Errorf("certificado: falha ao ler PFX: %w", err)
		}
		return &domain.Credential{CertificatePEM: certPEM, PrivateKeyPEM: keyPEM, CAPEM: ca}, nil
	}

	if src.CertPath == "" || src.KeyPath == "" {
		return nil, &domain.ConfigurationError{
			Field:  "credentials",
			Reason: "defina PFX (base64/path + senha) ou CERT_PATH/KEY_PATH",
		}
	}
	cert, err := readFile(src.CertPath, "Certificado")
	if err != nil {
		return nil, err
	}
	key, err := readFile(src.KeyPath, "Chave privada")
	if err != nil {
		return nil, err
	}
	return &domain.Credential{CertificatePEM: cert, PrivateKeyPEM: key, CAPEM: ca}, nil
}

func loadCA(src config.Credentials) ([]byte, error) {
	switch {
	case src.CABase64 != "":
		b, err := base64.StdEncoding.DecodeString(src.CABase64)
		if err != nil {
			return nil, &domain.ConfigurationError{Field: "ca_base64", Reason: "base64 inválido: " + err.Error()}
		}
		return b, nil
	case src.CAPath != "":
		return readFile(src.CAPath, "CA")
	default:
		return nil, nil
	}
}

func readFile(path, description string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &domain.ConfigurationError{Field: path, Reason: description + " não encontrado"}
		}
		return nil, fmt.Errorf("certificado: falha ao ler %s: %w", path, err)
	}
	return b, nil
}

// PFXToPEM convierte un bundle PKCS#12 en (certificados PEM, clave PEM). El
// certificado cuyo localKeyId coincide con la clave queda primero (hoja).
func PFXToPEM(pfx []byte, password string) (certPEM, keyPEM []byte, err error) {
	blocks, err := pkcs12.ToPEM(pfx, password)
	if err != nil {
		return nil, nil, err
	}

	var keyBlock *pem.Block
	var certs []*pem.Block
	for _, b := range blocks {
		switch b.Type {
		case "PRIVATE KEY":
			if keyBlock == nil {
				keyBlock = b
			}
		case "CERTIFICATE":
			certs = append(certs, b)
		}
	}
	if keyBlock == nil {
		return nil, nil, errors.New("PFX sem chave privada")
	}
	if len(certs) == 0 {
		return nil, nil, errors.New("PFX sem certificado")
	}

	var out bytes.Buffer
	leafID := keyBlock.Headers["localKeyId"]
	ordered := make([]*pem.Block, 0, len(certs))
	for _, c := range certs {
		if leafID != "" && c.Headers["localKeyId"] == leafID {
			ordered = append([]*pem.Block{c}, ordered...)
		} else {
			ordered = append(ordered, c)
		}
	}
	for _, c := range ordered {
		_ = pem.Encode(&out, &pem.Block{Type: "CERTIFICATE", Bytes: c.Bytes})
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBlock.Bytes})
	return out.Bytes(), keyPEM, nil
}
