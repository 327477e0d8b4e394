package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/backups"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/blob"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/config"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/database"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/enhance"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/mailer"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/media"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/photos"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/rsvps"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/server"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/store"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/wishes"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// application holds the services built from configuration.
type application struct {
	config    config.AppConfig
	logger    *zap.Logger
	blob      blob.Store
	rsvps     *rsvps.Service
	wishes    *wishes.Service
	photos    *photos.Service
	media     *media.Service
	backups   *backups.Manager
	enhancer  *enhance.Service
	adminKey  *auth.AdminKeyVerifier
	scheduler *backups.Scheduler
	closers   []io.Closer
}

func newApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	app := &application{config: appConfig, logger: logger}
	if err := app.buildStorage(ctx); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.buildServices(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// buildStorage picks the blob backend. Missing settings leave an
// Unconfigured backend so requests report the problem instead of startup.
func (a *application) buildStorage(ctx context.Context) error {
	storage := a.config.Storage
	switch {
	case !a.config.StorageConfigured():
		a.logger.Warn("blob storage is not configured; storage requests will fail", zap.String("backend", storage.Backend))
		a.blob = blob.Unconfigured{Reason: "storage.backend is not set"}
	case storage.Backend == config.StorageBackendS3:
		s3Store, err := blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          storage.S3Bucket,
			Region:          storage.S3Region,
			Endpoint:        storage.S3Endpoint,
			AccessKeyID:     storage.S3AccessKey,
			SecretAccessKey: storage.S3SecretKey,
			UsePathStyle:    storage.S3PathStyle,
		})
		if err != nil {
			a.logger.Error("s3 storage unavailable", zap.Error(err))
			a.blob = blob.Unconfigured{Reason: err.Error()}
			return nil
		}
		a.blob = s3Store
		a.logger.Info("blob storage ready", zap.String("backend", storage.Backend), zap.String("bucket", storage.S3Bucket))
	default:
		db, err := database.OpenSQLite(storage.SQLitePath, a.logger)
		if err != nil {
			return fmt.Errorf("open sqlite storage: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		a.closers = append(a.closers, sqlDB)
		sqlStore, err := blob.NewSQLStore(blob.SQLStoreConfig{Database: db})
		if err != nil {
			return err
		}
		a.blob = sqlStore
	}
	return nil
}

func (a *application) buildServices(ctx context.Context) error {
	collections, err := store.New(store.Config{Blob: a.blob, Logger: a.logger})
	if err != nil {
		return err
	}

	secret := []byte(a.config.Auth.SigningSecret)
	if len(secret) == 0 {
		secret, err = auth.GenerateSigningSecret()
		if err != nil {
			return err
		}
		a.logger.Warn("auth.signing_secret not set; edit tokens will not survive a restart")
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: secret, TokenTTL: a.config.Auth.EditTokenTTL})
	if err != nil {
		return err
	}

	var sender mailer.Sender = mailer.Disabled{}
	if a.config.Email.Enabled() {
		smtpSender, err := mailer.NewSMTPSender(mailer.SMTPConfig{
			Host:     a.config.Email.SMTPHost,
			Port:     a.config.Email.SMTPPort,
			Username: a.config.Email.Username,
			Password: a.config.Email.Password,
			From:     a.config.Email.From,
			Logger:   a.logger,
		})
		if err != nil {
			return err
		}
		sender = smtpSender
	} else {
		a.logger.Warn("email is not configured; PINs will be stored but not delivered")
	}

	enhanceConfig := enhance.Config{Logger: a.logger}
	if a.config.AI.Enabled() {
		chatModel, err := enhance.NewArkModel(ctx, a.config.AI)
		if err != nil {
			return fmt.Errorf("build ai model: %w", err)
		}
		enhanceConfig.Model = chatModel
	}
	if a.enhancer, err = enhance.NewService(ctx, enhanceConfig); err != nil {
		return err
	}

	if a.media, err = media.NewService(media.Config{
		Blob:     a.blob,
		MaxBytes: a.config.Media.MaxBytes,
		URLTTL:   a.config.Media.URLTTL,
		Logger:   a.logger,
	}); err != nil {
		return err
	}
	if a.rsvps, err = rsvps.NewService(rsvps.ServiceConfig{Store: collections, Mailer: sender, Tokens: tokens, Logger: a.logger}); err != nil {
		return err
	}
	if a.wishes, err = wishes.NewService(wishes.ServiceConfig{Store: collections, Media: a.media, Logger: a.logger}); err != nil {
		return err
	}
	if a.photos, err = photos.NewService(photos.ServiceConfig{Store: collections, Media: a.media, Logger: a.logger}); err != nil {
		return err
	}
	if a.backups, err = backups.NewManager(backups.Config{Blob: a.blob, Store: collections, Logger: a.logger}); err != nil {
		return err
	}
	if a.scheduler, err = backups.NewScheduler(backups.SchedulerConfig{
		Manager:   a.backups,
		Interval:  a.config.Backup.ScheduleInterval,
		Retention: a.retention(),
		Logger:    a.logger,
	}); err != nil {
		return err
	}

	a.adminKey = auth.NewAdminKeyVerifier(a.config.AdminKey)
	if !a.adminKey.Configured() {
		a.logger.Warn("admin.key not set; admin endpoints will fail")
	}
	return nil
}

func (a *application) retention() time.Duration {
	return time.Duration(a.config.Backup.RetentionDays) * 24 * time.Hour
}

func (a *application) Close() {
	for _, closer := range a.closers {
		if err := closer.Close(); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func runServer(ctx context.Context) error {
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.logger

	handler, err := server.NewHTTPHandler(server.Dependencies{
		RSVPs:           app.rsvps,
		Wishes:          app.wishes,
		Photos:          app.photos,
		Media:           app.media,
		Backups:         app.backups,
		Enhancer:        app.enhancer,
		AdminKey:        app.adminKey,
		BackupRetention: app.retention(),
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go app.scheduler.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
