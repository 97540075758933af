package emission

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dropDatabas3/nfsegate/internal/domain"
)

// TokenSource entrega el bearer token vigente.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// SubmitResult es la respuesta de la API Nacional a un envío de DPS.
type SubmitResult struct {
	Protocol   string
	AccessKey  string
	Situacao   string
	NumeroNFSe string
	Raw        json.RawMessage
}

// StatusResult es la respuesta de la consulta por protocolo.
type StatusResult struct {
	Situacao   string
	AccessKey  string
	NumeroNFSe string
	Raw        json.RawMessage
}

// Submitter abstrae el endpoint de envío (SEFIN) para el pipeline.
type Submitter interface {
	Submit(ctx context.Context, versao, xml string) (*SubmitResult, error)
	Status(ctx context.Context, protocol string) (*StatusResult, error)
}

// SEFINClient habla con el módulo contribuintes de la API Nacional sobre mTLS.
type SEFINClient struct {
	endpoint string
	http     *http.Client
	tokens   TokenSource
	now      func() time.Time
}

// NewSEFINClient crea el cliente. endpoint es la URL del módulo (ej:
// https://sefin.hom.nfse.gov.br/sefinnacional/contribuintes). tokens puede ser nil.
func NewSEFINClient(endpoint string, httpClient *http.Client, tokens TokenSource) *SEFINClient {
	return &SEFINClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     httpClient,
		tokens:   tokens,
		now:      time.Now,
	}
}

// ModuleEndpoint arma la URL de un módulo sobre la base del ambiente.
func ModuleEndpoint(baseURL, module string) string {
	return strings.TrimRight(baseURL, "/") + "/" + module
}

type submitBody struct {
	Versao        string `json:"versao"`
	DPSXMLGZipB64 string `json:"dpsXmlGZipB64"`
}

// Submit comprime el XML firmado y lo envía. Errores de red → *TransportError,
// respuestas no-2xx → *UpstreamError.
func (c *SEFINClient) Submit(ctx context.Context, versao, xml string) (*SubmitResult, error) {
	payload, err := EncodePayload(xml)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(submitBody{Versao: versao, DPSXMLGZipB64: payload})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	raw, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp submitResponse
	_ = json.Unmarshal(raw, &resp)
	return &SubmitResult{
		Protocol:   resp.protocol(c.now()),
		AccessKey:  resp.accessKey(),
		Situacao:   resp.Situacao,
		NumeroNFSe: resp.NumeroNFSe,
		Raw:        json.RawMessage(raw),
	}, nil
}

// Status consulta la situación de un protocolo.
func (c *SEFINClient) Status(ctx context.Context, protocol string) (*StatusResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/"+url.PathEscape(protocol), nil)
	if err != nil {
		return nil, err
	}
	raw, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	var resp submitResponse
	_ = json.Unmarshal(raw, &resp)

	situacao := resp.Situacao
	if situacao == "" {
		situacao = resp.Status
	}
	if situacao == "" {
		situacao = "UNKNOWN"
	}
	return &StatusResult{
		Situacao:   situacao,
		AccessKey:  resp.accessKey(),
		NumeroNFSe: resp.NumeroNFSe,
		Raw:        json.RawMessage(raw),
	}, nil
}

func (c *SEFINClient) do(ctx context.Context, req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		tok, err := c.tokens.GetAccessToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "sefin", Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &domain.TransportError{Op: "sefin", Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &domain.UpstreamError{StatusCode: resp.StatusCode, Body: raw}
	}
	return raw, nil
}

type submitResponse struct {
	IdentificadorDPS  string `json:"identificadorDps"`
	IDDPS             string `json:"idDps"`
	UUIDProcessamento string `json:"uuidProcessamento"`
	ChaveAcesso       string `json:"chaveAcesso"`
	Situacao          string `json:"situacao"`
	Status            string `json:"status"`
	NumeroNFSe        string `json:"numeroNfse"`
	NFSe              *struct {
		ChaveAcesso string `json:"chaveAcesso"`
	} `json:"nfse"`
	Dados *struct {
		ChaveAcesso string `json:"chaveAcesso"`
	} `json:"dados"`
}

func (r submitResponse) protocol(now time.Time) string {
	for _, p := range []string{r.IdentificadorDPS, r.IDDPS, r.UUIDProcessamento} {
		if p != "" {
			return p
		}
	}
	return fmt.Sprintf("PROTO-%d", now.UnixMilli())
}

func (r submitResponse) accessKey() string {
	switch {
	case r.ChaveAcesso != "":
		return r.ChaveAcesso
	case r.NFSe != nil && r.NFSe.ChaveAcesso != "":
		return r.NFSe.ChaveAcesso
	case r.Dados != nil:
		return r.Dados.ChaveAcesso
	}
	return ""
}

// EncodePayload comprime con gzip y codifica en base64 estándar.
func EncodePayload(xml string) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(xml)); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodePayload es la inversa de EncodePayload.
func DecodePayload(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("payload DPS inválido: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("payload DPS inválido: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("payload DPS inválido: %w", err)
	}
	return string(out), nil
}
