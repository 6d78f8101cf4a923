package cli

import (
	"context"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/pgguard/pgguard/internal/config"
	"github.com/pgguard/pgguard/internal/server"
	"github.com/pgguard/pgguard/internal/service"
	"github.com/pgguard/pgguard/internal/telemetry"
)

const banner = `
 _ __   __ _  __ _ _   _  __ _ _ __ __| |
| '_ \ / _' |/ _' | | | |/ _' | '__/ _' |
| |_) | (_| | (_| | |_| | (_| | | | (_| |
| .__/ \__, |\__, |\__,_|\__,_|_|  \__,_|
|_|    |___/ |___/
`

func newServeCmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		Long:  "Start the HTTP server that accepts SQL over POST /v1/query and exposes policy-filtered schema discovery.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, host, port)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "HTTP listen host (overrides config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP listen port (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, host string, port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	if cmd.Flags().Changed("host") {
		cfg.Server.Host = host
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}

	app, err := service.NewApp(context.Background(), cfg, resolveDataDir(), logger)
	if err != nil {
		return err
	}
	defer app.Close()

	tracker := telemetry.New(context.Background(), app.Store, func() telemetry.Properties {
		props := telemetry.Properties{
			Version:   appVersion,
			GoVersion: runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			Databases: len(cfg.Databases),
		}
		if keys, err := app.Store.ListAPIKeys(context.Background()); err == nil {
			props.APIKeys = len(keys)
		}
		return props
	})
	if tracker != nil {
		telemetry.PrintNotice()
		tracker.Start()
		defer tracker.Shutdown()
	}

	srvCfg := serverConfig(cfg)
	srv := server.New(srvCfg, app.Executor, app.Limiter, app.Auth, logger)

	fmt.Print(banner)
	fmt.Printf("→ Listening on http://%s:%d\n", srvCfg.Host, srvCfg.Port)
	fmt.Printf("→ Query:    POST /v1/query\n")
	fmt.Printf("→ Schema:   GET  /v1/databases\n")
	fmt.Printf("→ Health:   GET  /healthz\n")
	fmt.Printf("→ Guarded databases: %d\n", len(cfg.Databases))
	fmt.Println()

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is empty; session tokens use an ephemeral secret and will not survive a restart")
	}

	return srv.ListenAndServe()
}

// serverConfig maps the YAML server section onto the HTTP server's config.
func serverConfig(cfg *config.YAMLConfig) server.Config {
	srvCfg := server.DefaultConfig()
	if cfg.Server.Host != "" {
		srvCfg.Host = cfg.Server.Host
	}
	if cfg.Server.Port != 0 {
		srvCfg.Port = cfg.Server.Port
	}
	srvCfg.ShutdownTimeout = config.Duration(cfg.Server.ShutdownTimeout, srvCfg.ShutdownTimeout)
	srvCfg.EdgeRPM = cfg.Server.EdgeRPM
	if len(cfg.Server.CORS.Origins) > 0 {
		srvCfg.CORSOrigins = cfg.Server.CORS.Origins
	}
	if len(cfg.Server.CORS.Methods) > 0 {
		srvCfg.CORSMethods = cfg.Server.CORS.Methods
	}
	if cfg.Auth.APIKeyHeader != "" {
		srvCfg.APIKeyHeader = cfg.Auth.APIKeyHeader
	}
	if cfg.Server.TLS.Enabled {
		srvCfg.TLSCertFile = cfg.Server.TLS.CertFile
		srvCfg.TLSKeyFile = cfg.Server.TLS.KeyFile
	}
	return srvCfg
}
