package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bfotp/bfotp/internal/heartbeat"
	"github.com/bfotp/bfotp/internal/login"
	"github.com/bfotp/bfotp/internal/registry"
	"github.com/bfotp/bfotp/internal/server"
)

const (
	serveCommandUse              = "serve"
	serveCommandShortDescription = "Serve login sessions over HTTP"
	flagHostName                 = "host"
	flagHostDescription          = "Host interface for the HTTP server"
	flagPortName                 = "port"
	flagPortDescription          = "Port for the HTTP server"
	defaultHost                  = "127.0.0.1"
	defaultPort                  = 8080
	defaultOTPDisplayTime        = 20 * time.Second
	shutdownTimeout              = 10 * time.Second
	errMessageListenAndServe     = "listen and serve"
	errMessageCloseSessions      = "close sessions"
	logMessageStartingServer     = "starting HTTP server"
	logMessageServerStopped      = "server stopped"
	logMessageListenError        = "server listen failure"
	logMessageHeartbeatFailed    = "session heartbeat failed"
	logMessageSessionExpired     = "session auto logout"
	logFieldAddress              = "address"
	logFieldSessionKey           = "session_key"
)

func newServeCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   serveCommandUse,
		Short: serveCommandShortDescription,
		RunE:  runServeCommand,
	}

	command.Flags().String(flagHostName, defaultHost, flagHostDescription)
	command.Flags().Int(flagPortName, defaultPort, flagPortDescription)
	cobra.CheckErr(viper.BindPFlag(flagHostName, command.Flags().Lookup(flagHostName)))
	cobra.CheckErr(viper.BindPFlag(flagPortName, command.Flags().Lookup(flagPortName)))

	return command
}

func runServeCommand(command *cobra.Command, _ []string) error {
	configuration := loadSettings()
	logger, err := newLogger(configuration.Debug)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	sessions := registry.New(registry.Config{
		Factory:   newControllerFactory(configuration, logger),
		Scheduler: newScheduler(configuration, logger),
		Logger:    logger,
	})
	monitor := heartbeat.NewMonitor(heartbeat.Config{Interval: configuration.HeartbeatInterval, Logger: logger})

	router, err := server.NewRouter(server.RouterConfig{
		Registry:           sessions,
		Monitor:            monitor,
		OTPDisplayDuration: configuration.OTPDisplayTime,
		AutoPoll:           true,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	address := fmt.Sprintf("%s:%d", viper.GetString(flagHostName), viper.GetInt(flagPortName))
	httpServer := &http.Server{Addr: address, Handler: router}

	signalContext, stop := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, groupContext := errgroup.WithContext(signalContext)

	group.Go(func() error {
		logger.Info(logMessageStartingServer, zap.String(logFieldAddress, address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(logMessageListenError, zap.Error(err))
			return fmt.Errorf("%s: %w", errMessageListenAndServe, err)
		}
		return nil
	})
	group.Go(func() error {
		sweepHeartbeats(groupContext, sessions, monitor, configuration.HeartbeatInterval, logger)
		return nil
	})
	group.Go(func() error {
		<-groupContext.Done()
		shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownContext)
		if closeErr := sessions.Close(); closeErr != nil {
			return fmt.Errorf("%s: %w", errMessageCloseSessions, closeErr)
		}
		return shutdownErr
	})

	err = group.Wait()
	logger.Info(logMessageServerStopped)
	return err
}

// sweepHeartbeats checks every authenticated session on each tick so auto-logout limits are
// enforced even when no client is asking.
func sweepHeartbeats(ctx context.Context, sessions *registry.Registry, monitor *heartbeat.Monitor, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = heartbeat.DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, sessionKey := range sessions.Keys() {
			controller, found := sessions.Get(sessionKey)
			if !found || controller.State() != login.StateAuthenticated {
				continue
			}
			result, err := monitor.Check(ctx, controller)
			if err != nil {
				logger.Warn(logMessageHeartbeatFailed, zap.String(logFieldSessionKey, sessionKey), zap.Error(err))
				continue
			}
			if result.Expired {
				logger.Info(logMessageSessionExpired, zap.String(logFieldSessionKey, sessionKey))
			}
		}
	}
}
