package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bfotp/bfotp/internal/directory"
	"github.com/bfotp/bfotp/internal/heartbeat"
	"github.com/bfotp/bfotp/internal/login"
	"github.com/bfotp/bfotp/internal/polling"
)

const (
	loginCommandUse              = "login"
	loginCommandShortDescription = "Log in interactively, list accounts and print one-time passwords"
	flagAccountName              = "account"
	flagAccountDescription       = "Account id to issue a one-time password for (repeatable)"
	flagHoldName                 = "hold"
	flagHoldDescription          = "Keep the session alive with heartbeats until interrupted or logged out"
	interactiveSessionKey        = "cli"

	challengeMessageFormat  = "Scan or open this link in the app to approve the login:\n%s\n"
	loginSucceededMessage   = "Login approved."
	pointsMessageFormat     = "Remaining points: %s\n"
	accountLineFormat       = "  %s\t%s\t%s\n"
	accountsHeaderMessage   = "Accounts:"
	otpLineFormat           = "%s: %s (valid for %s)\n"
	heartbeatExpiredMessage = "Session expired."

	errMessageLoginFailed      = "login failed"
	errMessageLoginTimedOut    = "login was not approved in time"
	errMessageRequestChallenge = "request challenge"
	errMessageListAccounts     = "list accounts"
	errMessageRemainingPoints  = "remaining points"
	errMessageIssueOTP         = "issue otp for %s"
	logMessageLogoutFailed     = "logout failed"
)

var errLoginTimedOut = errors.New(errMessageLoginTimedOut)

// LoginSession is the controller surface the interactive login drives.
type LoginSession interface {
	polling.StatusPoller
	heartbeat.Target
	RequestChallenge(ctx context.Context) (login.Challenge, error)
	ListAccounts(ctx context.Context) ([]directory.AccountRecord, error)
	GetOTP(ctx context.Context, accountID string) (string, error)
	RemainingPoints(ctx context.Context) (login.PointsResult, error)
	Close() error
}

// LoginConfiguration selects what the interactive login does after approval.
type LoginConfiguration struct {
	AccountIDs     []string
	OTPDisplayTime time.Duration
	Hold           bool
}

// LoginDependencies are the collaborators of LoginApplication; nil fields use production values.
type LoginDependencies struct {
	NewSession func() (LoginSession, error)
	Scheduler  *polling.Scheduler
	Monitor    *heartbeat.Monitor
	Logger     *zap.Logger
	Stdout     io.Writer
}

// LoginApplication runs one interactive login from the terminal.
type LoginApplication struct {
	dependencies LoginDependencies
}

// NewLoginApplication fills missing dependencies with defaults that need no network.
func NewLoginApplication(dependencies LoginDependencies) LoginApplication {
	if dependencies.Scheduler == nil {
		dependencies.Scheduler = polling.NewScheduler(polling.Config{})
	}
	if dependencies.Monitor == nil {
		dependencies.Monitor = heartbeat.NewMonitor(heartbeat.Config{})
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.Stdout == nil {
		dependencies.Stdout = os.Stdout
	}
	return LoginApplication{dependencies: dependencies}
}

// Run issues a challenge, waits for approval and prints the account summary and requested
// passwords. The session is always logged out and closed before Run returns.
func (application LoginApplication) Run(executionContext context.Context, configuration LoginConfiguration) error {
	session, err := application.dependencies.NewSession()
	if err != nil {
		return err
	}
	defer func() {
		if logoutErr := session.Logout(context.Background()); logoutErr != nil && !errors.Is(logoutErr, login.ErrControllerClosed) {
			application.dependencies.Logger.Warn(logMessageLogoutFailed, zap.Error(logoutErr))
		}
		_ = session.Close()
	}()

	stdout := application.dependencies.Stdout
	challenge, err := session.RequestChallenge(executionContext)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageRequestChallenge, err)
	}
	fmt.Fprintf(stdout, challengeMessageFormat, challenge.DeepLinkURL())

	var (
		outcome    polling.Outcome
		outcomeErr error
	)
	if err := application.dependencies.Scheduler.Run(executionContext, session, func(result polling.Outcome, pollErr error) {
		outcome, outcomeErr = result, pollErr
	}); err != nil {
		return err
	}
	switch outcome {
	case polling.OutcomeSuccess:
	case polling.OutcomeTimedOut:
		return errLoginTimedOut
	default:
		return fmt.Errorf("%s: %w", errMessageLoginFailed, outcomeErr)
	}
	fmt.Fprintln(stdout, loginSucceededMessage)

	points, err := session.RemainingPoints(executionContext)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageRemainingPoints, err)
	}
	fmt.Fprintf(stdout, pointsMessageFormat, points.RemainPoint)

	records, err := session.ListAccounts(executionContext)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageListAccounts, err)
	}
	fmt.Fprintln(stdout, accountsHeaderMessage)
	for _, record := range records {
		fmt.Fprintf(stdout, accountLineFormat, record.AccountID, record.DisplayName, record.SerialNumber)
	}

	for _, accountID := range configuration.AccountIDs {
		password, err := session.GetOTP(executionContext, accountID)
		if err != nil {
			return fmt.Errorf(errMessageIssueOTP+": %w", accountID, err)
		}
		fmt.Fprintf(stdout, otpLineFormat, accountID, password, configuration.OTPDisplayTime)
	}

	if !configuration.Hold {
		return nil
	}
	err = application.dependencies.Monitor.Watch(executionContext, session, func(result heartbeat.Result, _ error) {
		if result.Expired {
			fmt.Fprintln(stdout, heartbeatExpiredMessage)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLoginCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   loginCommandUse,
		Short: loginCommandShortDescription,
		RunE:  runLoginCommand,
	}
	command.Flags().StringSlice(flagAccountName, nil, flagAccountDescription)
	command.Flags().Bool(flagHoldName, false, flagHoldDescription)
	cobra.CheckErr(viper.BindPFlag(flagAccountName, command.Flags().Lookup(flagAccountName)))
	cobra.CheckErr(viper.BindPFlag(flagHoldName, command.Flags().Lookup(flagHoldName)))
	return command
}

func runLoginCommand(command *cobra.Command, _ []string) error {
	configuration := loadSettings()
	logger, err := newLogger(configuration.Debug)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	factory := newControllerFactory(configuration, logger)
	application := NewLoginApplication(LoginDependencies{
		NewSession: func() (LoginSession, error) {
			controller, err := factory(interactiveSessionKey)
			if err != nil {
				return nil, err
			}
			return controller, nil
		},
		Scheduler: newScheduler(configuration, logger),
		Monitor:   heartbeat.NewMonitor(heartbeat.Config{Interval: configuration.HeartbeatInterval, Logger: logger}),
		Logger:    logger,
		Stdout:    command.OutOrStdout(),
	})

	signalContext, stop := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return application.Run(signalContext, LoginConfiguration{
		AccountIDs:     viper.GetStringSlice(flagAccountName),
		OTPDisplayTime: configuration.OTPDisplayTime,
		Hold:           viper.GetBool(flagHoldName),
	})
}
