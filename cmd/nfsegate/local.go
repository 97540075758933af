package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/nfsegate/internal/auth"
	"github.com/dropDatabas3/nfsegate/internal/config"
	"github.com/dropDatabas3/nfsegate/internal/credentials"
	"github.com/dropDatabas3/nfsegate/internal/security/secretbox"
	"github.com/dropDatabas3/nfsegate/internal/util"
)

// provider resuelve credenciales y OAuth de "nfse" o "sicoob".
func provider(cfg *config.Config, name string) (*credentials.Store, config.OAuth, time.Duration, bool, error) {
	switch name {
	case "nfse":
		return credentials.NewStore("nfse", cfg.NFSe.Credentials), cfg.NFSe.OAuth, cfg.NFSe.Timeout,
			cfg.NFSe.Environment == "1" || cfg.IsProd(), nil
	case "sicoob":
		return credentials.NewStore("sicoob", cfg.Sicoob.Credentials), cfg.Sicoob.OAuth, cfg.Sicoob.Timeout,
			cfg.Sicoob.Environment == "production", nil
	default:
		return nil, config.OAuth{}, 0, false, fmt.Errorf("provider desconhecido %q (nfse|sicoob)", name)
	}
}

func newTokenCmd(load loadFunc) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:       "token [get|refresh|validate|info]",
		Short:     "Obtém e inspeciona o token OAuth2 (client_credentials sobre mTLS)",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"get", "refresh", "validate", "info"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "get"
			if len(args) == 1 {
				action = args[0]
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			creds, oauthCfg, timeout, verify, err := provider(cfg, name)
			if err != nil {
				return err
			}
			httpClient, err := creds.HTTPClient(timeout, verify)
			if err != nil {
				return err
			}
			var opts []auth.Option
			if oauthCfg.ClientSecret == "" && oauthCfg.AssertionAudience != "" {
				signer, err := creds.Signer()
				if err != nil {
					return err
				}
				opts = append(opts, auth.WithSigner(signer))
			}
			client := auth.NewClient(oauthCfg, httpClient, opts...)

			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			switch action {
			case "get", "refresh":
				get := client.GetAccessToken
				if action == "refresh" {
					get = client.RefreshToken
				}
				if _, err := get(ctx); err != nil {
					return err
				}
				tok := client.Token()
				fmt.Fprintf(w, "token %s obtido; expira em %s (%s)\n", util.MaskSecret(tok.Value),
					tok.ExpiresAt.Format(time.RFC3339), tok.Remaining(time.Now()).Round(time.Second))
			case "validate":
				tok, err := client.GetAccessToken(ctx)
				if err != nil {
					return err
				}
				if !client.ValidateToken(ctx, tok) {
					return fmt.Errorf("token rejeitado pelo endpoint de validação")
				}
				fmt.Fprintln(w, "token válido")
			case "info":
				info, err := client.ClientInfo(ctx)
				if err != nil {
					return err
				}
				b, _ := json.MarshalIndent(info, "", "  ")
				fmt.Fprintln(w, string(b))
			default:
				return fmt.Errorf("ação desconhecida %q", action)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "provider", "nfse", "Credenciais a usar: nfse|sicoob")
	return cmd
}

func newCertCheckCmd(load loadFunc) *cobra.Command {
	var (
		name    string
		minDays int
	)
	cmd := &cobra.Command{
		Use:   "cert-check",
		Short: "Verifica a validade do certificado cliente",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			creds, _, _, _, err := provider(cfg, name)
			if err != nil {
				return err
			}
			res, err := creds.CheckExpiry(time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nvence em %s (%d dias)\n",
				res.Subject, res.NotAfter.Format("2006-01-02"), res.DaysUntilExpiry)
			if res.DaysUntilExpiry < minDays {
				return fmt.Errorf("certificado vence em menos de %d dias", minDays)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "provider", "nfse", "Credenciais a verificar: nfse|sicoob")
	cmd.Flags().IntVar(&minDays, "min-days", 0, "Falha (exit 1) se faltarem menos dias que isso")
	return cmd
}

func newSealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seal <valor>",
		Short: "Sela um segredo para a configuração (usa " + secretbox.KeyEnv + ")",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			box, err := secretbox.FromEnv()
			if err != nil {
				return err
			}
			sealed, err := box.Seal(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
