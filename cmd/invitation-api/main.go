package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "invitation-api",
		Short: "Event invitation backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newBackupCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional dotenv file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("storage-backend", defaults.GetString("storage.backend"), "Blob storage backend (s3, sqlite)")
	cmd.PersistentFlags().String("s3-bucket", defaults.GetString("storage.s3.bucket"), "S3 bucket name")
	cmd.PersistentFlags().String("s3-region", defaults.GetString("storage.s3.region"), "S3 region")
	cmd.PersistentFlags().String("s3-endpoint", defaults.GetString("storage.s3.endpoint"), "S3-compatible endpoint override")
	cmd.PersistentFlags().String("sqlite-path", defaults.GetString("storage.sqlite.path"), "SQLite database path")
	cmd.PersistentFlags().String("admin-key", "", "Admin shared secret (overrides env)")
	cmd.PersistentFlags().String("signing-secret", "", "Edit token signing secret (overrides env)")
	cmd.PersistentFlags().Int("edit-token-ttl-minutes", defaults.GetInt("auth.edit_token_ttl_minutes"), "RSVP edit token TTL in minutes")
	cmd.PersistentFlags().Int("backup-retention-days", defaults.GetInt("backup.retention_days"), "Days to keep scheduled backups")
	cmd.PersistentFlags().Duration("backup-schedule-interval", defaults.GetDuration("backup.schedule_interval"), "Interval between scheduled backups (0 disables)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "storage.backend", "storage-backend")
	bindFlag(cmd, "storage.s3.bucket", "s3-bucket")
	bindFlag(cmd, "storage.s3.region", "s3-region")
	bindFlag(cmd, "storage.s3.endpoint", "s3-endpoint")
	bindFlag(cmd, "storage.sqlite.path", "sqlite-path")
	bindFlag(cmd, "admin.key", "admin-key")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.edit_token_ttl_minutes", "edit-token-ttl-minutes")
	bindFlag(cmd, "backup.retention_days", "backup-retention-days")
	bindFlag(cmd, "backup.schedule_interval", "backup-schedule-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
