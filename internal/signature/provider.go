package signature

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dropDatabas3/nfsegate/internal/domain"
)

// ProviderRequest es lo que se publica al proveedor de firma.
type ProviderRequest struct {
	SignRequestID string              `json:"signRequestId"`
	UserID        string              `json:"userId"`
	EnrollmentID  string              `json:"enrollmentId"`
	DocumentType  domain.DocumentType `json:"documentType"`
	HashAlgorithm string              `json:"hashAlgorithm"`
	HashValue     string              `json:"hashValue"`
	ExpiresAt     time.Time           `json:"expiresAt"`
	CallbackURL   string              `json:"callbackUrl,omitempty"`
}

// ProviderResponse identifica la solicitud del lado del proveedor.
type ProviderResponse struct {
	ExternalSignID string `json:"externalSignId"`
	QRCodeURL      string `json:"qrCodeUrl"`
}

// Provider publica una solicitud de firma para aprobación humana.
type Provider interface {
	CreateSignRequest(ctx context.Context, req ProviderRequest) (*ProviderResponse, error)
}

// HTTPProvider habla con la API REST del proveedor (POST /sign-requests).
type HTTPProvider struct {
	baseURL     string
	apiKey      string
	callbackURL string
	http        *http.Client
}

func NewHTTPProvider(baseURL, apiKey, callbackURL string, httpClient *http.Client) *HTTPProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPProvider{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		callbackURL: callbackURL,
		http:        httpClient,
	}
}

func (p *HTTPProvider) CreateSignRequest(ctx context.Context, req ProviderRequest) (*ProviderResponse, error) {
	if p.baseURL == "" {
		return nil, &domain.ConfigurationError{Field: "certisign.base_url", Reason: "URL do provedor de assinatura não configurada"}
	}
	if req.CallbackURL == "" {
		req.CallbackURL = p.callbackURL
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/sign-requests", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, &domain.TransportError{Op: "sign_provider", Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return nil, &domain.UpstreamError{StatusCode: resp.StatusCode, Body: raw}
	}

	var out ProviderResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("sign_provider: resposta inválida: %w", err)
	}
	if out.ExternalSignID == "" {
		return nil, fmt.Errorf("sign_provider: resposta sem externalSignId")
	}
	return &out, nil
}
