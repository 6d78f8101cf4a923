package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	dataDir    string
	appVersion string // set in Execute, reported by telemetry
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pgguard",
		Short: "A guarded SQL gateway for LLM-generated queries",
		Long: `PGGuard sits between an LLM and your PostgreSQL databases. It accepts
candidate SQL, statically validates it down to a single read-only SELECT,
enforces per-database table and column policies, caps result sizes and
planner cost, rate-limits callers, and writes an audit record for every
attempt. The model only ever sees the schema it is allowed to query.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./pgguard.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the key store (default: ~/.pgguard)")

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("pgguard")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.pgguard")
	}

	viper.SetEnvPrefix("PGGUARD")
	viper.AutomaticEnv()
	viper.ReadInConfig() // config file is optional here; serve checks for it itself
}
