package login

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Portal endpoints. Paths, parameter names and constant values must match the portal exactly.
const (
	defaultPortalBaseURL = "https://tw.beanfun.com"
	defaultLoginBaseURL  = "https://tw.newlogin.beanfun.com"

	loginEntryPath         = "/beanfun_block/bflogin/default.aspx"
	challengeDataPath      = "/generic_handlers/get_qrcodeData.ashx"
	checkLoginStatusPath   = "/generic_handlers/CheckLoginStatus.ashx"
	qrStepTwoPath          = "/login/qr_step2.aspx"
	loginPagePathPrefix    = "/login/"
	loginReturnPath        = "/beanfun_block/bflogin/return.aspx"
	removeSessionPath      = "/generic_handlers/remove_bflogin_session.ashx"
	portalLogoutPath       = "/logout.aspx"
	eraseTokenPath         = "/generic_handlers/erase_token.ashx"
	accountListPath        = "/beanfun_block/auth.aspx"
	gameStartStepTwoPath   = "/beanfun_block/game_zone/game_start_step2.aspx"
	recordServiceStartPath = "/beanfun_block/generic_handlers/record_service_start.ashx"
	secretCodePath         = "/generic_handlers/get_cookies.ashx"
	webStartOTPPath        = "/beanfun_block/generic_handlers/get_webstart_otp.ashx"
	remainingPointsPath    = "/beanfun_block/generic_handlers/get_remain_point.ashx"
	webTokenCookieName     = "bfWebToken"
	loginServiceCode       = "999999"
	loginServiceRegion     = "T0"
	logoutServiceValue     = "999999_T0"
	defaultGameCode        = "610074"
	defaultGameRegion      = "T9"
	accountListPageFormat  = "game_start.aspx?service_code_and_region=%s_%s"
	accountListChannel     = "game_zone"

	// webStartOTPConstant is an opaque value the web-start handler requires on every call.
	webStartOTPConstant = "F9B45415B9321DB9635028EFDBDDB44B4012B05F95865CB8909B2C851CFE1EE11CB784F32E4347AB7001A763100D90768D8A4E30BCC3E80C"

	deepLinkURLPrefix  = "https://beanfunstor.blob.core.windows.net/redirect/appCheck.html?url=beanfunapp://Q/gameLogin/gtw/"
	loginStatusSuccess = 1

	// gameStartTimestampLayout renders YYYYMMDDhhmmss; the minute is appended a second time.
	gameStartTimestampLayout = "20060102150405"
)

// Endpoints holds the two portal origins. Tests point both at a local server.
type Endpoints struct {
	PortalBaseURL string
	LoginBaseURL  string
}

// Game identifies the service whose sub-accounts are listed and unlocked.
type Game struct {
	ServiceCode   string
	ServiceRegion string
}

func (endpoints Endpoints) withDefaults() Endpoints {
	if strings.TrimSpace(endpoints.PortalBaseURL) == "" {
		endpoints.PortalBaseURL = defaultPortalBaseURL
	}
	if strings.TrimSpace(endpoints.LoginBaseURL) == "" {
		endpoints.LoginBaseURL = defaultLoginBaseURL
	}
	endpoints.PortalBaseURL = strings.TrimRight(endpoints.PortalBaseURL, "/")
	endpoints.LoginBaseURL = strings.TrimRight(endpoints.LoginBaseURL, "/")
	return endpoints
}

func (game Game) withDefaults() Game {
	if strings.TrimSpace(game.ServiceCode) == "" {
		game.ServiceCode = defaultGameCode
	}
	if strings.TrimSpace(game.ServiceRegion) == "" {
		game.ServiceRegion = defaultGameRegion
	}
	return game
}

func (endpoints Endpoints) portal(path string) string {
	return endpoints.PortalBaseURL + path
}

func (endpoints Endpoints) login(path string) string {
	return endpoints.LoginBaseURL + path
}

func loginEntryQuery() url.Values {
	return url.Values{"service_code": {loginServiceCode}, "service_region": {loginServiceRegion}}
}

func challengeDataQuery(sessionKey string) url.Values {
	return url.Values{"skey": {sessionKey}, "startGame": {""}, "clientID": {""}}
}

func accountListQuery(game Game, webToken string) url.Values {
	return url.Values{
		"page_and_query": {fmt.Sprintf(accountListPageFormat, game.ServiceCode, game.ServiceRegion)},
		"channel":        {accountListChannel},
		"web_token":      {webToken},
	}
}

// gameStartTimestamp reproduces the dt parameter of the game start page.
func gameStartTimestamp(now time.Time) string {
	return now.Format(gameStartTimestampLayout) + fmt.Sprintf("%02d", now.Minute())
}

func deepLinkURL(payload string) string {
	return deepLinkURLPrefix + payload
}
