package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/auth"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/calendar"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/config"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/database"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/engine"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/gcal"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/logging"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/metrics"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/reconcile"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/server"
	"github.com/MarcoPoloResearchLab/calendar-assistant/internal/tools"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	tokenIssuer     = "calendar-assistant"
	tokenAudience   = "calendar-api"
	shutdownTimeout = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "calendar-api",
		Short: "Calendar assistant backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newSyncCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to send credentialed cross-origin requests")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "API token signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "API token TTL in minutes")
	cmd.PersistentFlags().String("google-calendar-id", defaults.GetString("google.calendar_id"), "Google calendar identifier")
	cmd.PersistentFlags().String("google-credentials-file", "", "Google service account credentials; empty disables remote sync")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Inbound sync polling interval")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "google.calendar_id", "google-calendar-id")
	bindFlag(cmd, "google.credentials_file", "google-credentials-file")
	bindFlag(cmd, "sync.interval", "sync-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token for the rendering layer",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(subject)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"access_token": token,
				"expires_in":   expiresIn,
				"token_type":   "Bearer",
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "calendar-owner", "Token subject")
	return cmd
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one inbound reconciliation and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := runSyncOnce(cmd.Context())
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
		},
	}
}

type application struct {
	config     config.AppConfig
	logger     *zap.Logger
	db         *gorm.DB
	repository *database.EventRepository
	engine     *engine.Engine
	ids        calendar.IDProvider
}

func newApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	repository, err := database.NewEventRepository(database.RepositoryConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	events, err := repository.LoadEvents(ctx)
	if err != nil {
		return nil, err
	}

	ids := calendar.NewUUIDProvider()
	eng, err := engine.New(engine.Config{
		Events:     events,
		Clock:      time.Now,
		IDProvider: ids,
		Logger:     logger.Named("engine"),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("event store loaded", zap.Int("events", len(events)))

	return &application{
		config:     appConfig,
		logger:     logger,
		db:         db,
		repository: repository,
		engine:     eng,
		ids:        ids,
	}, nil
}

func (a *application) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}

func (a *application) newInbound(provider reconcile.Provider) (*reconcile.Inbound, error) {
	return reconcile.NewInbound(reconcile.InboundConfig{
		Provider:   provider,
		Store:      a.engine,
		IDProvider: a.ids,
		Clock:      time.Now,
		Lookback:   a.config.SyncLookback,
		Logger:     a.logger.Named("inbound"),
	})
}

func (a *application) newProvider(ctx context.Context) (*gcal.Provider, error) {
	return gcal.New(ctx, gcal.Config{
		CalendarID:      a.config.GoogleCalendarID,
		CredentialsFile: a.config.GoogleCredentialsFile,
		Logger:          a.logger.Named("gcal"),
	})
}

func (a *application) newRemoteSync(ctx context.Context) (*reconcile.Outbound, *reconcile.Poller, error) {
	provider, err := a.newProvider(ctx)
	if err != nil {
		return nil, nil, err
	}
	var limiter *rate.Limiter
	if a.config.SyncRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(a.config.SyncRatePerSecond), 1)
	}
	outbound, err := reconcile.NewOutbound(reconcile.OutboundConfig{
		Provider:          provider,
		Confirmer:         a.engine,
		RetryAttempts:     a.config.SyncRetryAttempts,
		RetryInitialDelay: a.config.SyncRetryInitialDelay,
		Limiter:           limiter,
		Logger:            a.logger.Named("outbound"),
	})
	if err != nil {
		return nil, nil, err
	}
	inbound, err := a.newInbound(provider)
	if err != nil {
		return nil, nil, err
	}
	poller, err := reconcile.NewPoller(reconcile.PollerConfig{
		Inbound:  inbound,
		Interval: a.config.SyncInterval,
		Logger:   a.logger.Named("poller"),
	})
	if err != nil {
		return nil, nil, err
	}
	return outbound, poller, nil
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      appConfig.AuthTokenTTL,
	})
}

func runServer(ctx context.Context) error {
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close()
	logger := app.logger
	metrics.InitMetrics()

	issuer, err := newTokenIssuer(app.config)
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		Tokens:     issuer,
		CookieName: app.config.AuthCookieName,
	})
	if err != nil {
		return err
	}

	toolbox, err := tools.New(tools.Config{Engine: app.engine, Logger: logger.Named("tools")})
	if err != nil {
		return err
	}

	var (
		outbound *reconcile.Outbound
		poller   *reconcile.Poller
		syncer   server.Syncer
	)
	if app.config.RemoteSyncEnabled() {
		outbound, poller, err = app.newRemoteSync(ctx)
		if err != nil {
			return err
		}
		syncer = poller
	} else {
		logger.Info("remote sync disabled: google.credentials_file is empty")
	}

	dispatcher := server.NewRealtimeDispatcher()
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:         app.engine,
		Tools:          toolbox,
		Sessions:       sessions,
		Syncer:         syncer,
		Realtime:       dispatcher,
		AllowedOrigins: app.config.HTTPAllowedOrigins,
		Logger:         logger.Named("http"),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(signalCtx)

	persistNotices := app.engine.SubscribeChanges()
	realtimeNotices := app.engine.SubscribeChanges()

	group.Go(func() error {
		return app.engine.Run(groupCtx)
	})
	group.Go(func() error {
		return app.repository.Consume(groupCtx, persistNotices)
	})
	group.Go(func() error {
		dispatcher.Forward(realtimeNotices)
		return nil
	})
	if outbound != nil {
		group.Go(func() error {
			return outbound.Run(groupCtx, app.engine.SyncEffects())
		})
		group.Go(func() error {
			return poller.Run(groupCtx)
		})
	} else {
		group.Go(func() error {
			for range app.engine.SyncEffects() {
			}
			return nil
		})
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return groupCtx
		},
	}

	group.Go(func() error {
		logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	logger.Info("server stopped")
	return err
}

func runSyncOnce(ctx context.Context) (reconcile.Result, error) {
	app, err := newApplication(ctx)
	if err != nil {
		return reconcile.Result{}, err
	}
	defer app.close()

	if !app.config.RemoteSyncEnabled() {
		return reconcile.Result{}, fmt.Errorf("sync: google.credentials_file is required")
	}
	provider, err := app.newProvider(ctx)
	if err != nil {
		return reconcile.Result{}, err
	}
	inbound, err := app.newInbound(provider)
	if err != nil {
		return reconcile.Result{}, err
	}

	engineCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()
	notices := app.engine.SubscribeChanges()
	group := new(errgroup.Group)
	group.Go(func() error {
		return app.engine.Run(engineCtx)
	})
	group.Go(func() error {
		return app.repository.Consume(engineCtx, notices)
	})

	result, syncErr := inbound.SyncNow(ctx)
	stopEngine()
	if err := group.Wait(); err != nil {
		return reconcile.Result{}, err
	}
	return result, syncErr
}
