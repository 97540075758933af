package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/nfsegate/internal/app"
	"github.com/dropDatabas3/nfsegate/internal/config"
	httpserver "github.com/dropDatabas3/nfsegate/internal/http"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
	"github.com/dropDatabas3/nfsegate/internal/store"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("sem arquivo .env (%v); usando variáveis do ambiente", err)
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath = envOr("NFSEGATE_CONFIG", "")
		apiURL  = envOr("NFSEGATE_API_URL", "http://localhost:8080")
		out     = envOr("NFSEGATE_OUT", "text")
	)

	root := &cobra.Command{
		Use:          "nfsegate",
		Short:        "Emissão de NFS-e (DPS) e conciliação de pagamentos Sicoob",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", cfgPath, "Arquivo YAML de configuração (env NFSEGATE_CONFIG)")
	root.PersistentFlags().StringVar(&apiURL, "api-url", apiURL, "URL base do serviço (env NFSEGATE_API_URL)")
	root.PersistentFlags().StringVar(&out, "out", out, "Formato de saída: json|text")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		if cfg.App.Version == "" {
			cfg.App.Version = version
		}
		logger.Init(logger.Config{
			Env:         cfg.App.Env,
			Level:       cfg.Log.Level,
			ServiceName: "nfsegate",
			Version:     cfg.App.Version,
		})
		return cfg, nil
	}
	cl := func() *apiClient { return newAPIClient(apiURL, out) }

	root.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newTokenCmd(load),
		newCertCheckCmd(load),
		newSealCmd(),
		newEmitCmd(cl),
		newStatusCmd(cl),
		newMetricsCmd(cl),
	)
	return root
}

type loadFunc func() (*config.Config, error)

func newServeCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Sobe o servidor HTTP (emissões, callbacks de assinatura e webhooks)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, app.Deps{})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.L().Warn("erro ao encerrar recursos", logger.Err(err))
				}
			}()
			a.Start(ctx)

			return httpserver.Serve(ctx, httpserver.ServerConfig{Addr: cfg.Server.Addr}, a.Handler)
		},
	}
}

func newMigrateCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Aplica as migrações pendentes do storage configurado",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			// O adapter aplica as migrações ao conectar.
			conn, err := store.Open(ctx, store.AdapterConfig{
				Name:         cfg.Storage.Driver,
				DSN:          cfg.Storage.DSN,
				MaxOpenConns: cfg.Storage.Postgres.MaxOpenConns,
				MinConns:     cfg.Storage.Postgres.MinConns,
			})
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "storage %s em dia\n", conn.Name())
			return nil
		},
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
