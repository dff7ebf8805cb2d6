package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-board/config"
	"prism-board/storage"
)

var initStorageCmd = &cobra.Command{
	Use:   "init-storage",
	Short: "Create the database schema and the Azure tables and queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		log.Info("storage init starting")

		db, err := storage.Open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Init(); err != nil {
			return err
		}

		if cfg.StorageConnectionString == "" {
			log.Info("no STORAGE_CONNECTION_STRING, skipping tables and queues")
			return nil
		}
		ctx := cmd.Context()
		if err := storage.CreateTables(ctx, cfg.StorageConnectionString, cfg.PreferencesTable); err != nil {
			return err
		}
		if err := storage.CreateQueues(ctx, cfg.StorageConnectionString, cfg.EmailQueue); err != nil {
			return err
		}
		log.Info("storage init complete")
		return nil
	},
}
