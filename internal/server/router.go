package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bfotp/bfotp/internal/heartbeat"
	"github.com/bfotp/bfotp/internal/registry"
)

const (
	healthRoutePath           = "/healthz"
	sessionsRoutePath         = "/sessions"
	sessionRoutePath          = "/sessions/:key"
	challengeRoutePath        = "/sessions/:key/challenge"
	pollRoutePath             = "/sessions/:key/poll"
	statusRoutePath           = "/sessions/:key/status"
	accountsRoutePath         = "/sessions/:key/accounts"
	otpRoutePath              = "/sessions/:key/accounts/:id/otp"
	pointsRoutePath           = "/sessions/:key/points"
	heartbeatRoutePath        = "/sessions/:key/heartbeat"
	autoLogoutRoutePath       = "/sessions/:key/auto-logout"
	logoutRoutePath           = "/sessions/:key/logout"
	sessionKeyParameter       = "key"
	accountIDParameter        = "id"
	healthStatusKey           = "status"
	healthStatusOK            = "ok"
	ginModeRelease            = "release"
	defaultOTPDisplayDuration = 20 * time.Second
)

// RouterConfig configures the HTTP routing for login sessions.
type RouterConfig struct {
	Registry *registry.Registry
	Monitor  *heartbeat.Monitor
	// OTPDisplayDuration is reported to clients as the lifetime of an issued password.
	OTPDisplayDuration time.Duration
	// AutoPoll starts background polling whenever a challenge is issued.
	AutoPoll bool
	Logger   *zap.Logger
}

// NewRouter constructs a Gin engine exposing the session operations and a health check.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	if configuration.Registry == nil {
		return nil, errMissingRegistry
	}
	monitor := configuration.Monitor
	if monitor == nil {
		monitor = heartbeat.NewMonitor(heartbeat.Config{Logger: configuration.Logger})
	}
	otpDisplayDuration := configuration.OTPDisplayDuration
	if otpDisplayDuration <= 0 {
		otpDisplayDuration = defaultOTPDisplayDuration
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := sessionHandler{
		registry:           configuration.Registry,
		monitor:            monitor,
		otpDisplayDuration: otpDisplayDuration,
		autoPoll:           configuration.AutoPoll,
		logger:             logger,
	}

	engine.GET(healthRoutePath, handler.healthStatus)
	engine.GET(sessionsRoutePath, handler.listSessions)
	engine.DELETE(sessionRoutePath, handler.removeSession)
	engine.POST(challengeRoutePath, handler.requestChallenge)
	engine.POST(pollRoutePath, handler.pollStatus)
	engine.GET(statusRoutePath, handler.sessionStatus)
	engine.GET(accountsRoutePath, handler.listAccounts)
	engine.POST(otpRoutePath, handler.issueOTP)
	engine.GET(pointsRoutePath, handler.remainingPoints)
	engine.POST(heartbeatRoutePath, handler.heartbeat)
	engine.PUT(autoLogoutRoutePath, handler.setAutoLogout)
	engine.POST(logoutRoutePath, handler.logout)

	return engine, nil
}

func (handler sessionHandler) healthStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string]string{healthStatusKey: healthStatusOK})
}
