package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"prism-board/config"
)

var (
	v          = config.New()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:           "board-api",
	Short:         "Realtime kanban board service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ReadFile(v, configFile); err != nil {
			return err
		}
		if v.GetBool(config.KeyDebug) {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "optional YAML settings file")
	flags.Bool("debug", false, "enable debug logging")
	flags.String("db", "", "path of the SQLite database")
	mustBind(config.KeyDebug, flags.Lookup("debug"))
	mustBind(config.KeySQLitePath, flags.Lookup("db"))

	serveCmd.Flags().String("listen", "", "listen address")
	mustBind(config.KeyListenAddr, serveCmd.Flags().Lookup("listen"))

	rootCmd.AddCommand(serveCmd, initStorageCmd)
}

func mustBind(key string, f *pflag.Flag) {
	if err := v.BindPFlag(key, f); err != nil {
		log.Fatalf("bind flag %s: %v", key, err)
	}
}
