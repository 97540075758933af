package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/http/dto"
)

// apiClient habla con un nfsegate en ejecución.
type apiClient struct {
	BaseURL   string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func newAPIClient(baseURL, out string) *apiClient {
	// emit bloquea hasta la aprobación de la firma.
	return &apiClient{BaseURL: baseURL, OutFormat: out, HTTP: &http.Client{Timeout: 6 * time.Minute}}
}

func (c *apiClient) do(method, path string, body []byte) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func (c *apiClient) print(w io.Writer, status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Fprintln(w, string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Fprintln(w, string(body))
	} else {
		fmt.Fprintf(w, "status=%d\n", status)
	}
}

func newEmitCmd(cl func() *apiClient) *cobra.Command {
	var (
		userID, file, docType, docID, versao string
		signed                               bool
		maxRetries                           int
	)
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Envia uma DPS a partir de um arquivo XML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || file == "" {
				return fmt.Errorf("--user e --file são obrigatórios")
			}
			xml, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			req := dto.EmitRequest{
				UserID:       userID,
				Version:      versao,
				DocumentXML:  string(xml),
				DocumentType: domain.DocumentType(docType),
				Signed:       signed,
				MaxRetries:   maxRetries,
			}
			if docID != "" {
				req.DocumentID = &docID
			}
			b, _ := json.Marshal(req)

			c := cl()
			status, body, err := c.do(http.MethodPost, "/v1/emissions", b)
			if err != nil {
				return err
			}
			c.print(cmd.OutOrStdout(), status, body)
			if status/100 != 2 {
				return fmt.Errorf("emissão falhou: status=%d", status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Usuário dono do certificado")
	cmd.Flags().StringVar(&file, "file", "", "Arquivo XML da DPS")
	cmd.Flags().StringVar(&docType, "type", string(domain.DocumentDPS), "Tipo de documento")
	cmd.Flags().StringVar(&docID, "document-id", "", "Identificador do documento (opcional)")
	cmd.Flags().StringVar(&versao, "versao", "", "Versão do leiaute (default da configuração)")
	cmd.Flags().BoolVar(&signed, "signed", false, "O XML já contém <Signature>")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Tentativas de envio (0 = padrão)")
	return cmd
}

func newStatusCmd(cl func() *apiClient) *cobra.Command {
	var poll bool
	cmd := &cobra.Command{
		Use:   "status <protocolo>",
		Short: "Consulta uma emissão pelo protocolo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cl()
			method, path := http.MethodGet, "/v1/emissions/"+args[0]
			if poll {
				method, path = http.MethodPost, path+"/poll"
			}
			status, body, err := c.do(method, path, nil)
			if err != nil {
				return err
			}
			c.print(cmd.OutOrStdout(), status, body)
			if status/100 != 2 {
				return fmt.Errorf("consulta falhou: status=%d", status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&poll, "poll", false, "Consulta a API Nacional e atualiza o registro")
	return cmd
}

func newMetricsCmd(cl func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Resumo das emissões nas últimas 24h",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cl()
			status, body, err := c.do(http.MethodGet, "/v1/metrics/emissions", nil)
			if err != nil {
				return err
			}
			c.print(cmd.OutOrStdout(), status, body)
			if status/100 != 2 {
				return fmt.Errorf("metrics falhou: status=%d", status)
			}
			return nil
		},
	}
}
