package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bfotp/bfotp/internal/directory"
	"github.com/bfotp/bfotp/internal/heartbeat"
	"github.com/bfotp/bfotp/internal/login"
	"github.com/bfotp/bfotp/internal/polling"
	"github.com/bfotp/bfotp/internal/registry"
)

const (
	cacheControlHeader       = "Cache-Control"
	cacheControlNoStore      = "no-store"
	logMessagePollingOutcome = "login polling outcome"
	logFieldSessionKey       = "session_key"
	logFieldOutcome          = "outcome"
)

type sessionHandler struct {
	registry           *registry.Registry
	monitor            *heartbeat.Monitor
	otpDisplayDuration time.Duration
	autoPoll           bool
	logger             *zap.Logger
}

type challengeResponse struct {
	Payload     string    `json:"payload"`
	DeepLinkURL string    `json:"deep_link_url"`
	IssuedAt    time.Time `json:"issued_at"`
	Polling     bool      `json:"polling"`
}

type pollResponse struct {
	Result        int    `json:"result"`
	ResultMessage string `json:"result_message"`
	Succeeded     bool   `json:"succeeded"`
	State         string `json:"state"`
}

type accountResponse struct {
	AccountID    string `json:"account_id"`
	DisplayName  string `json:"display_name"`
	SerialNumber string `json:"serial_number"`
}

type otpResponse struct {
	AccountID string `json:"account_id"`
	OTP       string `json:"otp"`
	ExpiresIn int    `json:"expires_in"`
}

type pointsResponse struct {
	RemainPoint string `json:"remain_point"`
	ResultCode  int    `json:"result_code"`
	ResultDesc  string `json:"result_desc"`
}

type heartbeatResponse struct {
	Alive         bool   `json:"alive"`
	Expired       bool   `json:"expired"`
	ResultCode    *int   `json:"result_code"`
	ResultMessage string `json:"result_message,omitempty"`
	State         string `json:"state"`
}

type autoLogoutRequest struct {
	Seconds *int `json:"seconds" binding:"required,min=0"`
}

type autoLogoutResponse struct {
	Seconds int `json:"seconds"`
}

type statusResponse struct {
	State             string             `json:"state"`
	Polling           bool               `json:"polling"`
	LastPollOutcome   string             `json:"last_poll_outcome,omitempty"`
	AuthenticatedAt   *time.Time         `json:"authenticated_at,omitempty"`
	AutoLogoutSeconds int                `json:"auto_logout_seconds"`
	Heartbeat         *heartbeatResponse `json:"heartbeat,omitempty"`
	Points            *pointsResponse    `json:"points,omitempty"`
	Accounts          []accountResponse  `json:"accounts,omitempty"`
}

func (handler sessionHandler) listSessions(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string][]string{"sessions": handler.registry.Keys()})
}

func (handler sessionHandler) removeSession(ginContext *gin.Context) {
	if err := handler.registry.Remove(ginContext.Param(sessionKeyParameter)); err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.Status(http.StatusNoContent)
}

func (handler sessionHandler) requestChallenge(ginContext *gin.Context) {
	sessionKey := ginContext.Param(sessionKeyParameter)
	controller, err := handler.registry.GetOrCreate(sessionKey)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	if _, err := handler.registry.StopPolling(sessionKey); err != nil {
		handler.respondError(ginContext, err)
		return
	}

	challenge, err := controller.RequestChallenge(ginContext.Request.Context())
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}

	pollingStarted := false
	if handler.autoPoll {
		if err := handler.registry.StartPolling(sessionKey, handler.pollingCompletion(sessionKey)); err != nil {
			handler.respondError(ginContext, err)
			return
		}
		pollingStarted = true
	}
	ginContext.JSON(http.StatusOK, challengeResponse{
		Payload:     challenge.Payload,
		DeepLinkURL: challenge.DeepLinkURL(),
		IssuedAt:    challenge.IssuedAt,
		Polling:     pollingStarted,
	})
}

func (handler sessionHandler) pollStatus(ginContext *gin.Context) {
	controller, found := handler.controller(ginContext)
	if !found {
		return
	}
	result, err := controller.PollStatus(ginContext.Request.Context())
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, pollResponse{
		Result:        result.Result,
		ResultMessage: result.ResultMessage,
		Succeeded:     result.Succeeded(),
		State:         controller.State().String(),
	})
}

// sessionStatus summarizes a session. Authenticated sessions also get a heartbeat, their
// point balance and their account list.
func (handler sessionHandler) sessionStatus(ginContext *gin.Context) {
	sessionKey := ginContext.Param(sessionKeyParameter)
	controller, found := handler.controller(ginContext)
	if !found {
		return
	}

	response := statusResponse{
		State:             controller.State().String(),
		Polling:           handler.registry.Polling(sessionKey),
		AutoLogoutSeconds: int(controller.AutoLogoutTTL() / time.Second),
	}
	if outcome, completed := handler.registry.LastOutcome(sessionKey); completed {
		response.LastPollOutcome = outcome.String()
	}
	if controller.State() != login.StateAuthenticated {
		ginContext.JSON(http.StatusOK, response)
		return
	}

	authenticatedAt := controller.AuthenticatedAt()
	response.AuthenticatedAt = &authenticatedAt

	ctx := ginContext.Request.Context()
	result, err := handler.monitor.Check(ctx, controller)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	heartbeatSummary := newHeartbeatResponse(result, controller.State())
	response.Heartbeat = &heartbeatSummary
	if !result.Alive {
		response.State = controller.State().String()
		ginContext.JSON(http.StatusOK, response)
		return
	}

	points, err := controller.RemainingPoints(ctx)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	response.Points = &pointsResponse{RemainPoint: points.RemainPoint, ResultCode: points.ResultCode, ResultDesc: points.ResultDesc}

	records, err := controller.ListAccounts(ctx)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	response.Accounts = newAccountResponses(records)
	ginContext.JSON(http.StatusOK, response)
}

func (handler sessionHandler) listAccounts(ginContext *gin.Context) {
	controller, found := handler.controller(ginContext)
	if !found {
		return
	}
	records, err := controller.ListAccounts(ginContext.Request.Context())
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, map[string][]accountResponse{"accounts": newAccountResponses(records)})
}

func (handler sessionHandler) issueOTP(ginContext *gin.Context) {
	controller, found := handler.controller(ginContext)
	if !found {
		return
	}
	accountID := ginContext.Param(accountIDParameter)
	password, err := controller.GetOTP(ginContext.Request.Context(), accountID)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.Header(cacheControlHeader, cacheControlNoStore)
	ginContext.JSON(http.StatusOK, otpResponse{
		AccountID: accountID,
		OTP:       password,
		ExpiresIn: int(handler.otpDisplayDuration / time.Second),
	})
}

func (handler sessionHandler) remainingPoints(ginContext *gin.Context) {
	controller, found := handler.controller(ginContext)
	if !found {
		return
	}
	points, err := controller.RemainingPoints(ginContext.Request.Context())
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, pointsResponse{RemainPoint: points.RemainPoint, ResultCode: points.ResultCode, ResultDesc: points.ResultDesc})
}

func (handler sessionHandler) heartbeat(ginContext *gin.Context) {
	controller, found := handler.controller(ginContext)
	if !found {
		return
	}
	result, err := handler.monitor.Check(ginContext.Request.Context(), controller)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, newHeartbeatResponse(result, controller.State()))
}

func (handler sessionHandler) setAutoLogout(ginContext *gin.Context) {
	controller, found := handler.controller(ginContext)
	if !found {
		return
	}
	var request autoLogoutRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		ginContext.JSON(http.StatusBadRequest, map[string]string{errorResponseKey: err.Error()})
		return
	}
	controller.SetAutoLogoutTTL(time.Duration(*request.Seconds) * time.Second)
	ginContext.JSON(http.StatusOK, autoLogoutResponse{Seconds: int(controller.AutoLogoutTTL() / time.Second)})
}

func (handler sessionHandler) logout(ginContext *gin.Context) {
	sessionKey := ginContext.Param(sessionKeyParameter)
	controller, found := handler.controller(ginContext)
	if !found {
		return
	}
	if _, err := handler.registry.StopPolling(sessionKey); err != nil {
		handler.respondError(ginContext, err)
		return
	}
	if err := controller.Logout(ginContext.Request.Context()); err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, map[string]string{"state": controller.State().String()})
}

func (handler sessionHandler) controller(ginContext *gin.Context) (*login.Controller, bool) {
	sessionKey := ginContext.Param(sessionKeyParameter)
	controller, found := handler.registry.Get(sessionKey)
	if !found {
		handler.respondError(ginContext, registry.ErrSessionNotFound)
		return nil, false
	}
	return controller, true
}

func (handler sessionHandler) pollingCompletion(sessionKey string) polling.CompletionFunc {
	return func(outcome polling.Outcome, err error) {
		handler.logger.Info(logMessagePollingOutcome,
			zap.String(logFieldSessionKey, sessionKey),
			zap.Stringer(logFieldOutcome, outcome),
			zap.Error(err),
		)
	}
}

func newHeartbeatResponse(result heartbeat.Result, state login.State) heartbeatResponse {
	return heartbeatResponse{
		Alive:         result.Alive,
		Expired:       result.Expired,
		ResultCode:    result.ResultCode,
		ResultMessage: result.ResultMessage,
		State:         state.String(),
	}
}

func newAccountResponses(records []directory.AccountRecord) []accountResponse {
	responses := make([]accountResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, accountResponse{
			AccountID:    record.AccountID,
			DisplayName:  record.DisplayName,
			SerialNumber: record.SerialNumber,
		})
	}
	return responses
}
