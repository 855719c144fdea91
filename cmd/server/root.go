package main

import (
	"github.com/spf13/cobra"

	"github.com/meridian/claims-engine/config"
)

var (
	cfg     = config.Defaults()
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "claims-server",
	Short: "Health claims benefit adjudication engine",
	Long:  "Adjudicates claim lines against layered benefit configuration, accumulators and policy funding, and serves the results over a REST API.",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Path to YAML config file")
	pf.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (\":memory:\" for in-memory)")
	pf.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
}

// loadConfig merges the optional config file over flag defaults. Flags set
// explicitly on the command line win over the file.
func loadConfig(cmd *cobra.Command) error {
	if cfgFile == "" {
		return cfg.Validate()
	}
	fileCfg := config.Defaults()
	if err := fileCfg.LoadFromFile(cfgFile); err != nil {
		return err
	}
	if !cmd.Flags().Changed("db") && !rootCmd.PersistentFlags().Changed("db") {
		cfg.DBPath = fileCfg.DBPath
	}
	if !cmd.Flags().Changed("log-format") && !rootCmd.PersistentFlags().Changed("log-format") {
		cfg.LogFormat = fileCfg.LogFormat
	}
	if !cmd.Flags().Changed("port") {
		cfg.Port = fileCfg.Port
	}
	cfg.RetryBudget = fileCfg.RetryBudget
	return cfg.Validate()
}
