package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bfotp/bfotp/internal/heartbeat"
	"github.com/bfotp/bfotp/internal/login"
	"github.com/bfotp/bfotp/internal/polling"
	"github.com/bfotp/bfotp/internal/transport"
)

const (
	rootCommandUse              = "bfotp"
	rootCommandShortDescription = "Log in to the portal with a QR challenge and issue one-time passwords"
	envPrefix                   = "BFOTP"

	flagConfigName                   = "config"
	flagConfigDescription            = "Path to a configuration file (YAML, TOML or JSON)"
	flagLoginTimeoutName             = "login-timeout"
	flagLoginTimeoutDescription      = "Time allowed between issuing a challenge and its approval"
	flagPollIntervalName             = "poll-interval"
	flagPollIntervalDescription      = "Delay between login status checks"
	flagPollIterationsName           = "poll-iterations"
	flagPollIterationsDescription    = "Maximum number of login status checks"
	flagHTTPTimeoutName              = "http-timeout"
	flagHTTPTimeoutDescription       = "Timeout for a single portal request"
	flagOTPDisplayTimeName           = "otp-display-time"
	flagOTPDisplayTimeDescription    = "How long an issued password is reported as valid"
	flagAutoLogoutName               = "auto-logout"
	flagAutoLogoutDescription        = "Log authenticated sessions out after this long (0 disables)"
	flagHeartbeatIntervalName        = "heartbeat-interval"
	flagHeartbeatIntervalDescription = "Interval between session heartbeats"
	flagDebugName                    = "debug"
	flagDebugDescription             = "Enable development logging"

	errMessageLoggerCreate = "create logger"
	errMessageReadConfig   = "read config file"
)

// settings is the resolved configuration shared by every subcommand.
type settings struct {
	LoginTimeout      time.Duration
	PollInterval      time.Duration
	PollIterations    int
	HTTPTimeout       time.Duration
	OTPDisplayTime    time.Duration
	AutoLogout        time.Duration
	HeartbeatInterval time.Duration
	Debug             bool
}

func main() {
	cobra.CheckErr(newRootCommand().Execute())
}

func newRootCommand() *cobra.Command {
	command := &cobra.Command{
		Use:          rootCommandUse,
		Short:        rootCommandShortDescription,
		SilenceUsage: true,
	}

	flags := command.PersistentFlags()
	flags.String(flagConfigName, "", flagConfigDescription)
	flags.Duration(flagLoginTimeoutName, login.DefaultLoginTimeout, flagLoginTimeoutDescription)
	flags.Duration(flagPollIntervalName, polling.DefaultInterval, flagPollIntervalDescription)
	flags.Int(flagPollIterationsName, polling.DefaultMaxIterations, flagPollIterationsDescription)
	flags.Duration(flagHTTPTimeoutName, transport.DefaultTimeout, flagHTTPTimeoutDescription)
	flags.Duration(flagOTPDisplayTimeName, defaultOTPDisplayTime, flagOTPDisplayTimeDescription)
	flags.Duration(flagAutoLogoutName, 0, flagAutoLogoutDescription)
	flags.Duration(flagHeartbeatIntervalName, heartbeat.DefaultInterval, flagHeartbeatIntervalDescription)
	flags.Bool(flagDebugName, false, flagDebugDescription)

	for _, flagName := range []string{
		flagConfigName,
		flagLoginTimeoutName,
		flagPollIntervalName,
		flagPollIterationsName,
		flagHTTPTimeoutName,
		flagOTPDisplayTimeName,
		flagAutoLogoutName,
		flagHeartbeatIntervalName,
		flagDebugName,
	} {
		bindFlagToViper(command, flagName)
	}

	cobra.OnInitialize(configureEnvironment)

	command.AddCommand(newServeCommand(), newLoginCommand())
	return command
}

func bindFlagToViper(command *cobra.Command, flagName string) {
	cobra.CheckErr(viper.BindPFlag(flagName, command.PersistentFlags().Lookup(flagName)))
}

func configureEnvironment() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if configFile := viper.GetString(flagConfigName); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			cobra.CheckErr(fmt.Errorf("%s: %w", errMessageReadConfig, err))
		}
	}
}

func loadSettings() settings {
	return settings{
		LoginTimeout:      viper.GetDuration(flagLoginTimeoutName),
		PollInterval:      viper.GetDuration(flagPollIntervalName),
		PollIterations:    viper.GetInt(flagPollIterationsName),
		HTTPTimeout:       viper.GetDuration(flagHTTPTimeoutName),
		OTPDisplayTime:    viper.GetDuration(flagOTPDisplayTimeName),
		AutoLogout:        viper.GetDuration(flagAutoLogoutName),
		HeartbeatInterval: viper.GetDuration(flagHeartbeatIntervalName),
		Debug:             viper.GetBool(flagDebugName),
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	return logger, nil
}

// newControllerFactory builds controllers that share configuration but nothing else.
func newControllerFactory(configuration settings, logger *zap.Logger) func(string) (*login.Controller, error) {
	return func(sessionKey string) (*login.Controller, error) {
		controller, err := login.NewController(login.Config{
			LoginTimeout: configuration.LoginTimeout,
			Transport:    transport.Config{Timeout: configuration.HTTPTimeout},
			Logger:       logger.With(zap.String(logFieldSessionKey, sessionKey)),
		})
		if err != nil {
			return nil, err
		}
		controller.SetAutoLogoutTTL(configuration.AutoLogout)
		return controller, nil
	}
}

func newScheduler(configuration settings, logger *zap.Logger) *polling.Scheduler {
	return polling.NewScheduler(polling.Config{
		Interval:      configuration.PollInterval,
		MaxIterations: configuration.PollIterations,
		Logger:        logger,
	})
}
