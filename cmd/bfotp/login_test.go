package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bfotp/bfotp/internal/directory"
	"github.com/bfotp/bfotp/internal/login"
	"github.com/bfotp/bfotp/internal/polling"
)

var errPortalRejected = errors.New("portal rejected")

type stubLoginSession struct {
	approveOnPoll int
	pollErr       error
	polls         int
	otpRequests   []string
	logoutCalls   int
	closeCalls    int
}

func (session *stubLoginSession) PollStatus(context.Context) (login.StatusResult, error) {
	session.polls++
	if session.pollErr != nil {
		return login.StatusResult{}, session.pollErr
	}
	if session.approveOnPoll != 0 && session.polls >= session.approveOnPoll {
		return login.StatusResult{Result: 1}, nil
	}
	return login.StatusResult{}, nil
}

func (session *stubLoginSession) RequestChallenge(context.Context) (login.Challenge, error) {
	return login.Challenge{Payload: "STUBPAYLOAD", IssuedAt: time.Now()}, nil
}

func (session *stubLoginSession) ListAccounts(context.Context) ([]directory.AccountRecord, error) {
	return []directory.AccountRecord{{AccountID: "mainaccount", DisplayName: "Main", SerialNumber: "SN001"}}, nil
}

func (session *stubLoginSession) GetOTP(_ context.Context, accountID string) (string, error) {
	session.otpRequests = append(session.otpRequests, accountID)
	return "OTP-" + accountID, nil
}

func (session *stubLoginSession) RemainingPoints(context.Context) (login.PointsResult, error) {
	return login.PointsResult{RemainPoint: "75"}, nil
}

func (session *stubLoginSession) AutoLogoutTTL() time.Duration { return 0 }

func (session *stubLoginSession) AuthenticatedAt() time.Time { return time.Time{} }

func (session *stubLoginSession) CheckStatus(context.Context) (login.StatusResult, error) {
	return login.StatusResult{Result: 1}, nil
}

func (session *stubLoginSession) Logout(context.Context) error {
	session.logoutCalls++
	return nil
}

func (session *stubLoginSession) Close() error {
	session.closeCalls++
	return nil
}

func newTestLoginApplication(session *stubLoginSession, stdout *bytes.Buffer) LoginApplication {
	return NewLoginApplication(LoginDependencies{
		NewSession: func() (LoginSession, error) { return session, nil },
		Scheduler: polling.NewScheduler(polling.Config{
			MaxIterations: 5,
			Wait:          func(context.Context, time.Duration) error { return nil },
		}),
		Stdout: stdout,
	})
}

func TestLoginApplicationRun(t *testing.T) {
	testCases := []struct {
		name             string
		session          *stubLoginSession
		accountIDs       []string
		expectedErr      error
		expectedOutput   []string
		expectedOTPCalls int
	}{
		{
			name:       "approved login prints accounts and passwords",
			session:    &stubLoginSession{approveOnPoll: 2},
			accountIDs: []string{"mainaccount"},
			expectedOutput: []string{
				"gameLogin/gtw/STUBPAYLOAD",
				"Login approved.",
				"Remaining points: 75",
				"mainaccount\tMain\tSN001",
				"mainaccount: OTP-mainaccount (valid for 20s)",
			},
			expectedOTPCalls: 1,
		},
		{
			name:        "never approved",
			session:     &stubLoginSession{},
			expectedErr: errLoginTimedOut,
		},
		{
			name:        "status failure",
			session:     &stubLoginSession{pollErr: errPortalRejected},
			expectedErr: errPortalRejected,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			var stdout bytes.Buffer
			application := newTestLoginApplication(testCase.session, &stdout)

			err := application.Run(context.Background(), LoginConfiguration{
				AccountIDs:     testCase.accountIDs,
				OTPDisplayTime: 20 * time.Second,
			})
			if testCase.expectedErr != nil {
				if !errors.Is(err, testCase.expectedErr) {
					t.Fatalf("expected %v, got %v", testCase.expectedErr, err)
				}
			} else if err != nil {
				t.Fatalf("run: %v", err)
			}

			output := stdout.String()
			for _, expected := range testCase.expectedOutput {
				if !strings.Contains(output, expected) {
					t.Fatalf("expected output to contain %q, got:\n%s", expected, output)
				}
			}
			if len(testCase.session.otpRequests) != testCase.expectedOTPCalls {
				t.Fatalf("expected %d otp requests, got %v", testCase.expectedOTPCalls, testCase.session.otpRequests)
			}
			if testCase.session.logoutCalls != 1 || testCase.session.closeCalls != 1 {
				t.Fatalf("expected the session to be logged out and closed once, got %d/%d", testCase.session.logoutCalls, testCase.session.closeCalls)
			}
		})
	}
}

func TestNewRootCommandRegistersSubcommands(t *testing.T) {
	command := newRootCommand()
	for _, name := range []string{serveCommandUse, loginCommandUse} {
		found, _, err := command.Find([]string{name})
		if err != nil || found.Name() != name {
			t.Fatalf("expected subcommand %s, got %v (err=%v)", name, found, err)
		}
	}
	for _, flagName := range []string{flagLoginTimeoutName, flagPollIntervalName, flagAutoLogoutName, flagOTPDisplayTimeName} {
		if command.PersistentFlags().Lookup(flagName) == nil {
			t.Fatalf("expected persistent flag %s", flagName)
		}
	}
}
