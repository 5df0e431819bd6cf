package login

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bfotp/bfotp/internal/directory"
	"github.com/bfotp/bfotp/internal/pageparser"
	"github.com/bfotp/bfotp/internal/transport"
)

const (
	stepLoginEntry        = "login entry"
	stepChallengeData     = "challenge data"
	stepStatusCheck       = "status check"
	stepQRStepTwo         = "qr step two"
	stepLoginRedirect     = "login redirect"
	stepWriteCookie       = "write cookie"
	stepLoginReturn       = "login return"
	stepWebToken          = "web token"
	stepRemoveSession     = "remove session"
	stepPortalLogout      = "portal logout"
	stepEraseToken        = "erase token"
	stepAccountList       = "account list"
	stepRemainingPoints   = "remaining points"
	operationChallenge    = "request challenge"
	operationPollStatus   = "poll status"
	operationCheckStatus  = "check status"
	operationListAccounts = "list accounts"
	operationGetOTP       = "get otp"
	operationPoints       = "remaining points"

	queryParameterSessionKey    = "skey"
	queryParameterAuthKey       = "akey"
	errMessageMissingSessionKey = "missing skey query parameter"
	errMessageMissingAuthKey    = "missing akey query parameter"
	errMessageEmptyChallenge    = "empty challenge payload"
	errMessageMissingResult     = "missing Result field"
	errMessageMissingWebToken   = "missing web token cookie"
	errMessageUnexpectedStatus  = "unexpected status code"
	errMessageDecodeJSON        = "decode json"
	errMessageOpenTransport     = "open transport"
	errMessageResetTransport    = "reset transport"

	logMessageChallengeIssued  = "login challenge issued"
	logMessageLoginApproved    = "login approved"
	logMessageLoginChainFailed = "login token chain failed"
	logMessageLoginExpired     = "login challenge expired"
	logMessageRevocationFailed = "session revocation call failed"
	logMessageLoggedOut        = "session logged out"
	logFieldStep               = "step"
	logFieldPreviousState      = "previous_state"
)

// Controller drives the QR login flow against one portal session. Operations are
// serialized; state accessors never wait behind a network call.
type Controller struct {
	endpoints    Endpoints
	game         Game
	loginTimeout time.Duration
	clock        func() time.Time
	logger       *zap.Logger
	transport    *transport.Session
	directory    *directory.Directory

	flowMutex sync.Mutex

	stateMutex      sync.RWMutex
	state           State
	challenge       *Challenge
	sessionKey      string
	webToken        string
	authenticatedAt time.Time
	autoLogoutTTL   time.Duration
	closed          bool
}

// NewController opens a transport and returns an idle Controller.
func NewController(configuration Config) (*Controller, error) {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := configuration.Clock
	if clock == nil {
		clock = time.Now
	}
	loginTimeout := configuration.LoginTimeout
	if loginTimeout <= 0 {
		loginTimeout = DefaultLoginTimeout
	}
	transportConfig := configuration.Transport
	if transportConfig.Logger == nil {
		transportConfig.Logger = logger
	}

	session := transport.New(transportConfig)
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageOpenTransport, err)
	}

	controller := &Controller{
		endpoints:    configuration.Endpoints.withDefaults(),
		game:         configuration.Game.withDefaults(),
		loginTimeout: loginTimeout,
		clock:        clock,
		logger:       logger,
		transport:    session,
		state:        StateIdle,
	}
	controller.directory = directory.New(accountPageFetcher{controller: controller}, logger)
	return controller, nil
}

// RequestChallenge issues a new QR challenge. Any previous challenge is dropped, and an
// authenticated session is logged out first so no cookies leak into the new login.
func (controller *Controller) RequestChallenge(ctx context.Context) (Challenge, error) {
	controller.flowMutex.Lock()
	defer controller.flowMutex.Unlock()

	if err := controller.ensureOpen(); err != nil {
		return Challenge{}, err
	}

	previousState := controller.State()
	switch previousState {
	case StateIdle:
	case StateAuthenticated:
		if err := controller.logoutLocked(ctx); err != nil {
			return Challenge{}, err
		}
	default:
		if err := controller.resetTransport(); err != nil {
			return Challenge{}, err
		}
	}
	controller.clearSession(false)

	entryResponse, err := controller.execute(ctx, stepLoginEntry, transport.Request{
		URL:   controller.endpoints.portal(loginEntryPath),
		Query: loginEntryQuery(),
	})
	if err != nil {
		return Challenge{}, err
	}
	sessionKey := entryResponse.QueryValue(queryParameterSessionKey)
	if sessionKey == "" {
		return Challenge{}, protocolError(stepLoginEntry, errors.New(errMessageMissingSessionKey))
	}

	dataResponse, err := controller.execute(ctx, stepChallengeData, transport.Request{
		URL:   controller.endpoints.login(challengeDataPath),
		Query: challengeDataQuery(sessionKey),
	})
	if err != nil {
		return Challenge{}, err
	}
	var payload challengeResponse
	if err := json.Unmarshal(dataResponse.Body, &payload); err != nil {
		return Challenge{}, protocolError(stepChallengeData, fmt.Errorf("%s: %w", errMessageDecodeJSON, err))
	}
	if payload.StrEncryptData == "" {
		return Challenge{}, protocolError(stepChallengeData, errors.New(errMessageEmptyChallenge))
	}

	challenge := Challenge{Payload: payload.StrEncryptData, IssuedAt: controller.clock()}
	controller.stateMutex.Lock()
	if controller.closed {
		controller.stateMutex.Unlock()
		return Challenge{}, ErrControllerClosed
	}
	controller.sessionKey = sessionKey
	controller.challenge = &challenge
	controller.state = StateChallengeIssued
	controller.stateMutex.Unlock()

	controller.logger.Info(logMessageChallengeIssued, zap.Stringer(logFieldPreviousState, previousState))
	return challenge, nil
}

// PollStatus checks whether the current challenge was approved. A non-success result is
// returned as-is so the caller can keep polling. On success the token chain is completed
// and the controller becomes Authenticated.
func (controller *Controller) PollStatus(ctx context.Context) (StatusResult, error) {
	controller.flowMutex.Lock()
	defer controller.flowMutex.Unlock()

	if err := controller.ensureOpen(); err != nil {
		return StatusResult{}, err
	}

	controller.stateMutex.RLock()
	challenge := controller.challenge
	state := controller.state
	sessionKey := controller.sessionKey
	controller.stateMutex.RUnlock()

	if challenge == nil {
		return StatusResult{}, preconditionError(operationPollStatus, state)
	}
	if state == StateExpired {
		return StatusResult{}, ErrLoginTimeout
	}
	if state != StateChallengeIssued {
		return StatusResult{}, preconditionError(operationPollStatus, state)
	}
	if controller.clock().Sub(challenge.IssuedAt) > controller.loginTimeout {
		controller.setState(StateExpired)
		controller.logger.Info(logMessageLoginExpired)
		return StatusResult{}, ErrLoginTimeout
	}

	result, err := controller.checkStatus(ctx, challenge.Payload, false)
	if err != nil {
		return StatusResult{}, err
	}
	if !result.Succeeded() {
		return result, nil
	}

	webToken, err := controller.finalize(ctx, sessionKey)
	if err != nil {
		controller.setState(StateFailed)
		controller.logger.Warn(logMessageLoginChainFailed, zap.Error(err))
		return StatusResult{}, err
	}

	controller.stateMutex.Lock()
	if controller.closed {
		controller.stateMutex.Unlock()
		return StatusResult{}, ErrControllerClosed
	}
	controller.webToken = webToken
	controller.authenticatedAt = controller.clock()
	controller.state = StateAuthenticated
	controller.stateMutex.Unlock()
	controller.directory.Invalidate()

	controller.logger.Info(logMessageLoginApproved)
	return result, nil
}

// CheckStatus repeats the status check for the current challenge without advancing the
// state machine. The portal sometimes wraps the payload in extra text, so the first JSON
// object found in the body is used.
func (controller *Controller) CheckStatus(ctx context.Context) (StatusResult, error) {
	controller.flowMutex.Lock()
	defer controller.flowMutex.Unlock()

	if err := controller.ensureOpen(); err != nil {
		return StatusResult{}, err
	}
	controller.stateMutex.RLock()
	challenge := controller.challenge
	state := controller.state
	controller.stateMutex.RUnlock()
	if challenge == nil {
		return StatusResult{}, preconditionError(operationCheckStatus, state)
	}
	return controller.checkStatus(ctx, challenge.Payload, true)
}

// Logout revokes the portal session on a best-effort basis and always resets local state,
// including a fresh transport. Calling it repeatedly is safe.
func (controller *Controller) Logout(ctx context.Context) error {
	controller.flowMutex.Lock()
	defer controller.flowMutex.Unlock()

	if err := controller.ensureOpen(); err != nil {
		return err
	}
	return controller.logoutLocked(ctx)
}

// ListAccounts returns the visible sub-accounts, cached per authenticated session.
func (controller *Controller) ListAccounts(ctx context.Context) ([]directory.AccountRecord, error) {
	controller.flowMutex.Lock()
	defer controller.flowMutex.Unlock()

	if err := controller.requireAuthenticated(operationListAccounts); err != nil {
		return nil, err
	}
	records, err := controller.directory.List(ctx)
	if err != nil {
		return nil, classifyError(stepAccountList, err)
	}
	return records, nil
}

// GetOTP runs the web-start token exchange for accountID and returns the decrypted password.
// The password is never stored or logged.
func (controller *Controller) GetOTP(ctx context.Context, accountID string) (string, error) {
	controller.flowMutex.Lock()
	defer controller.flowMutex.Unlock()

	if err := controller.requireAuthenticated(operationGetOTP); err != nil {
		return "", err
	}
	record, err := controller.directory.Lookup(ctx, accountID)
	if err != nil {
		return "", classifyError(stepAccountList, err)
	}

	controller.stateMutex.RLock()
	webToken := controller.webToken
	controller.stateMutex.RUnlock()
	return controller.exchangeOTP(ctx, record, webToken)
}

// RemainingPoints reads the member's point balance.
func (controller *Controller) RemainingPoints(ctx context.Context) (PointsResult, error) {
	controller.flowMutex.Lock()
	defer controller.flowMutex.Unlock()

	if err := controller.requireAuthenticated(operationPoints); err != nil {
		return PointsResult{}, err
	}
	response, err := controller.execute(ctx, stepRemainingPoints, transport.Request{
		URL:   controller.endpoints.portal(remainingPointsPath),
		Query: url.Values{"webtoken": {"1"}},
	})
	if err != nil {
		return PointsResult{}, err
	}
	var points pointsResponse
	if err := pageparser.ExtractJSONObject(response.Text(), &points); err != nil {
		return PointsResult{}, protocolError(stepRemainingPoints, err)
	}
	return PointsResult{
		RemainPoint: string(points.RemainPoint),
		ResultCode:  points.ResultCode,
		ResultDesc:  points.ResultDesc,
	}, nil
}

// SetAutoLogoutTTL configures how long an authenticated session may live before a heartbeat
// logs it out. Zero or a negative value disables the limit.
func (controller *Controller) SetAutoLogoutTTL(ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	controller.stateMutex.Lock()
	controller.autoLogoutTTL = ttl
	controller.stateMutex.Unlock()
}

// AutoLogoutTTL returns the configured auto-logout limit, zero when disabled.
func (controller *Controller) AutoLogoutTTL() time.Duration {
	controller.stateMutex.RLock()
	defer controller.stateMutex.RUnlock()
	return controller.autoLogoutTTL
}

// AuthenticatedAt returns when the current session was approved.
func (controller *Controller) AuthenticatedAt() time.Time {
	controller.stateMutex.RLock()
	defer controller.stateMutex.RUnlock()
	return controller.authenticatedAt
}

// State returns the current login state.
func (controller *Controller) State() State {
	controller.stateMutex.RLock()
	defer controller.stateMutex.RUnlock()
	return controller.state
}

// CurrentChallenge returns the live challenge, if any.
func (controller *Controller) CurrentChallenge() (Challenge, bool) {
	controller.stateMutex.RLock()
	defer controller.stateMutex.RUnlock()
	if controller.challenge == nil {
		return Challenge{}, false
	}
	return *controller.challenge, true
}

// Close releases the transport for good. It does not wait for an operation in flight:
// the pending request is aborted and the operation returns ErrControllerClosed without
// touching the portal again. Close is idempotent.
func (controller *Controller) Close() error {
	controller.stateMutex.Lock()
	if controller.closed {
		controller.stateMutex.Unlock()
		return nil
	}
	controller.closed = true
	controller.stateMutex.Unlock()

	controller.directory.Invalidate()
	return controller.transport.Close()
}

func (controller *Controller) logoutLocked(ctx context.Context) error {
	revocations := []struct {
		step    string
		request transport.Request
	}{
		{step: stepRemoveSession, request: transport.Request{URL: controller.endpoints.login(removeSessionPath)}},
		{step: stepPortalLogout, request: transport.Request{
			URL:   controller.endpoints.portal(portalLogoutPath),
			Query: url.Values{"service": {logoutServiceValue}},
		}},
		{step: stepEraseToken, request: transport.Request{
			Method: http.MethodPost,
			URL:    controller.endpoints.login(eraseTokenPath),
			Form:   url.Values{"web_token": {"1"}},
		}},
	}
	for _, revocation := range revocations {
		if controller.isClosed() {
			break
		}
		if _, err := controller.transport.Execute(ctx, revocation.request); err != nil {
			controller.logger.Warn(logMessageRevocationFailed, zap.String(logFieldStep, revocation.step), zap.Error(err))
		}
	}

	previousState := controller.State()
	controller.clearSession(true)
	if err := controller.resetTransport(); err != nil {
		return err
	}
	controller.logger.Info(logMessageLoggedOut, zap.Stringer(logFieldPreviousState, previousState))
	return nil
}

func (controller *Controller) finalize(ctx context.Context, sessionKey string) (string, error) {
	stepTwoResponse, err := controller.execute(ctx, stepQRStepTwo, transport.Request{
		URL:   controller.endpoints.login(qrStepTwoPath),
		Query: url.Values{queryParameterSessionKey: {sessionKey}},
	})
	if err != nil {
		return "", err
	}
	redirectTarget, err := pageparser.ExtractLoginRedirect(stepTwoResponse.Text())
	if err != nil {
		return "", protocolError(stepLoginRedirect, err)
	}

	landingResponse, err := controller.execute(ctx, stepLoginRedirect, transport.Request{
		URL: controller.endpoints.login(loginPagePathPrefix + redirectTarget),
	})
	if err != nil {
		return "", err
	}
	authKey := landingResponse.QueryValue(queryParameterAuthKey)
	if authKey == "" {
		return "", protocolError(stepLoginRedirect, errors.New(errMessageMissingAuthKey))
	}

	if writeURL, found := pageparser.ExtractWriteURL(landingResponse.Text()); found {
		if _, err := controller.execute(ctx, stepWriteCookie, transport.Request{
			URL: resolveReference(landingResponse.FinalURL, writeURL),
		}); err != nil {
			return "", err
		}
	}

	if _, err := controller.execute(ctx, stepLoginReturn, transport.Request{
		Method: http.MethodPost,
		URL:    controller.endpoints.portal(loginReturnPath),
		Form: url.Values{
			"SessionKey":       {sessionKey},
			"AuthKey":          {authKey},
			"ServiceCode":      {""},
			"ServiceRegion":    {""},
			"ServiceAccountSN": {"0"},
		},
	}); err != nil {
		return "", err
	}

	webToken, found := controller.transport.Cookie(controller.endpoints.PortalBaseURL, webTokenCookieName)
	if !found || webToken == "" {
		return "", protocolError(stepWebToken, errors.New(errMessageMissingWebToken))
	}
	return webToken, nil
}

func (controller *Controller) checkStatus(ctx context.Context, payload string, lenient bool) (StatusResult, error) {
	response, err := controller.execute(ctx, stepStatusCheck, transport.Request{
		Method: http.MethodPost,
		URL:    controller.endpoints.login(checkLoginStatusPath),
		Form:   url.Values{"status": {payload}},
	})
	if err != nil {
		return StatusResult{}, err
	}

	var status statusResponse
	if lenient {
		err = pageparser.ExtractJSONObject(response.Text(), &status)
	} else {
		err = json.Unmarshal(response.Body, &status)
	}
	if err != nil {
		return StatusResult{}, protocolError(stepStatusCheck, err)
	}
	if status.Result == nil {
		return StatusResult{}, protocolError(stepStatusCheck, errors.New(errMessageMissingResult))
	}
	return StatusResult{Result: *status.Result, ResultMessage: status.ResultMessage}, nil
}

func (controller *Controller) fetchAccountListPage(ctx context.Context) (string, error) {
	controller.stateMutex.RLock()
	webToken := controller.webToken
	controller.stateMutex.RUnlock()

	response, err := controller.execute(ctx, stepAccountList, transport.Request{
		URL:   controller.endpoints.portal(accountListPath),
		Query: accountListQuery(controller.game, webToken),
	})
	if err != nil {
		return "", err
	}
	return response.Text(), nil
}

// execute performs one hop and treats HTTP error statuses as protocol failures.
func (controller *Controller) execute(ctx context.Context, step string, request transport.Request) (transport.Response, error) {
	response, err := controller.transport.Execute(ctx, request)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrTransportClosed) || controller.isClosed():
		return transport.Response{}, fmt.Errorf("%s: %w", step, ErrControllerClosed)
	case errors.Is(err, transport.ErrResponseTooLarge):
		return transport.Response{}, protocolError(step, err)
	default:
		return transport.Response{}, fmt.Errorf("%s: %w", step, err)
	}
	if response.StatusCode >= http.StatusBadRequest {
		return transport.Response{}, protocolError(step, fmt.Errorf("%s %d", errMessageUnexpectedStatus, response.StatusCode))
	}
	return response, nil
}

func (controller *Controller) ensureOpen() error {
	if controller.isClosed() {
		return ErrControllerClosed
	}
	return nil
}

func (controller *Controller) isClosed() bool {
	controller.stateMutex.RLock()
	defer controller.stateMutex.RUnlock()
	return controller.closed
}

// resetTransport swaps in a fresh cookie jar. A controller closed mid-flow stays closed.
func (controller *Controller) resetTransport() error {
	if controller.isClosed() {
		return ErrControllerClosed
	}
	if err := controller.transport.Reset(); err != nil {
		if errors.Is(err, transport.ErrTransportClosed) {
			return ErrControllerClosed
		}
		return fmt.Errorf("%s: %w", errMessageResetTransport, err)
	}
	return nil
}

func (controller *Controller) requireAuthenticated(operation string) error {
	controller.stateMutex.RLock()
	defer controller.stateMutex.RUnlock()
	if controller.closed {
		return ErrControllerClosed
	}
	if controller.state != StateAuthenticated {
		return preconditionError(operation, controller.state)
	}
	return nil
}

func (controller *Controller) setState(state State) {
	controller.stateMutex.Lock()
	controller.state = state
	controller.stateMutex.Unlock()
}

func (controller *Controller) clearSession(clearAutoLogout bool) {
	controller.stateMutex.Lock()
	controller.state = StateIdle
	controller.challenge = nil
	controller.sessionKey = ""
	controller.webToken = ""
	controller.authenticatedAt = time.Time{}
	if clearAutoLogout {
		controller.autoLogoutTTL = 0
	}
	controller.stateMutex.Unlock()
	controller.directory.Invalidate()
}

// classifyError maps parser failures to ErrProtocol and keeps every other cause intact.
func classifyError(step string, err error) error {
	if errors.Is(err, pageparser.ErrPatternNotFound) || errors.Is(err, pageparser.ErrMalformedJSON) {
		return protocolError(step, err)
	}
	return err
}

func resolveReference(base *url.URL, reference string) string {
	parsedReference, err := url.Parse(reference)
	if err != nil || base == nil {
		return reference
	}
	return base.ResolveReference(parsedReference).String()
}

type accountPageFetcher struct {
	controller *Controller
}

func (fetcher accountPageFetcher) FetchAccountListPage(ctx context.Context) (string, error) {
	return fetcher.controller.fetchAccountListPage(ctx)
}
