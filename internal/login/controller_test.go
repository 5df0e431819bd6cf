package login_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bfotp/bfotp/internal/login"
	"github.com/bfotp/bfotp/internal/otpcipher"
	"github.com/bfotp/bfotp/internal/transport"
)

const (
	portalSessionKey   = "202307dcb4346732cd4f"
	portalAuthKey      = "AKEY0001"
	portalWebToken     = "WEBTOKEN0001"
	portalSecretCode   = "c0ffee42"
	portalPollingKey   = "4f1a2b3c-0d9e-4f00-8abc-123456789def"
	portalCipherKey    = "k3y5abcd"
	portalOTP          = "SECRET"
	portalPayloadLabel = "PAYLOAD-%d"

	portalAccountListHTML = `<div id="divServiceAccountList"><ul>
<li><div id="mainaccount" sn="SN001" visible="1">Main Account</div></li>
<li><div id="hiddenaccount" sn="SN002" visible="0">Hidden</div></li>
<li><div id="altaccount" sn="SN003" visible="1">Alt Account</div></li>
</ul></div>`
	portalGameStartHTML = `<script>
var MyAccountData = {ServiceCode: "610074", ServiceRegion: 'T9', ServiceAccountID: 'mainaccount', ServiceAccountCreateTime: "2019-05-01 10:20:30"};
var url = "generic_handlers/get_result.ashx?meth=GetResultByLongPolling&key=` + portalPollingKey + `";
</script>`
)

// fakePortal serves both portal origins from one local server and records what the
// controller sent.
type fakePortal struct {
	server *httptest.Server

	mutex             sync.Mutex
	issuedPayloads    int
	approvedPayload   string
	statusPayloads    []string
	omitWebToken      bool
	omitRedirect      bool
	omitAuthKey       bool
	omitWriteURL      bool
	holdRevocation    chan struct{}
	revocationHeld    chan struct{}
	revocationStatus  int
	calls             map[string]int
	recordedOTPParams map[string]string
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	portal := &fakePortal{calls: make(map[string]int), revocationStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/beanfun_block/bflogin/default.aspx", func(writer http.ResponseWriter, request *http.Request) {
		portal.count(request)
		if request.URL.Query().Get("skey") == "" {
			http.Redirect(writer, request, request.URL.Path+"?skey="+portalSessionKey, http.StatusFound)
			return
		}
		_, _ = writer.Write([]byte("login page"))
	})
	mux.HandleFunc("/generic_handlers/get_qrcodeData.ashx", func(writer http.ResponseWriter, request *http.Request) {
		portal.count(request)
		portal.mutex.Lock()
		portal.issuedPayloads++
		payload := fmt.Sprintf(portalPayloadLabel, portal.issuedPayloads)
		portal.mutex.Unlock()
		writeJSON(writer, map[string]string{"strEncryptData": payload})
	})
	mux.HandleFunc("/generic_handlers/CheckLoginStatus.ashx", func(writer http.ResponseWriter, request *http.Request) {
		portal.count(request)
		payload := request.PostFormValue("status")
		portal.mutex.Lock()
		portal.statusPayloads = append(portal.statusPayloads, payload)
		approved := payload != "" && payload == portal.approvedPayload
		portal.mutex.Unlock()
		if approved {
			writeJSON(writer, map[string]any{"Result": 1, "ResultMessage": "Success"})
			return
		}
		writeJSON(writer, map[string]any{"Result": 0, "ResultMessage": "Waiting"})
	})
	mux.HandleFunc("/login/qr_step2.aspx", func(writer http.ResponseWriter, request *http.Request) {
		portal.count(request)
		portal.mutex.Lock()
		omitRedirect, omitAuthKey := portal.omitRedirect, portal.omitAuthKey
		portal.mutex.Unlock()
		if omitRedirect {
			_, _ = writer.Write([]byte(`<script>alert("session expired");</script>`))
			return
		}
		target := "./return.aspx?skey=" + request.URL.Query().Get("skey")
		if !omitAuthKey {
			target += "&akey=" + portalAuthKey
		}
		_, _ = writer.Write([]byte(`<script>RedirectPage("","` + target + `");</script>`))
	})
	mux.HandleFunc("/login/return.aspx", func(writer http.ResponseWriter, request *http.Request) {
		portal.count(request)
		portal.mutex.Lock()
		omitWriteURL := portal.omitWriteURL
		portal.mutex.Unlock()
		if omitWriteURL {
			_, _ = writer.Write([]byte(`<script>document.forms[0].submit();</script>`))
			return
		}
		_, _ = writer.Write([]byte(`<script>var strWriteUrl = "/write_cookie.aspx?token=1";</script>`))
	})
	mux.HandleFunc("/write_cookie.aspx", portal.count200)
	mux.HandleFunc("/beanfun_block/bflogin/return.aspx", func(writer http.ResponseWriter, request *http.Request) {
		portal.count(request)
		if request.PostFormValue("AuthKey") != portalAuthKey || request.PostFormValue("SessionKey") != portalSessionKey {
			http.Error(writer, "bad keys", http.StatusBadRequest)
			return
		}
		portal.mutex.Lock()
		omitWebToken := portal.omitWebToken
		portal.mutex.Unlock()
		if !omitWebToken {
			http.SetCookie(writer, &http.Cookie{Name: "bfWebToken", Value: portalWebToken, Path: "/"})
		}
		_, _ = writer.Write([]byte("ok"))
	})
	for _, revocationPath := range []string{
		"/generic_handlers/remove_bflogin_session.ashx",
		"/logout.aspx",
		"/generic_handlers/erase_token.ashx",
	} {
		mux.HandleFunc(revocationPath, func(writer http.ResponseWriter, request *http.Request) {
			portal.count(request)
			portal.mutex.Lock()
			status := portal.revocationStatus
			hold, held := portal.holdRevocation, portal.revocationHeld
			portal.holdRevocation = nil
			portal.mutex.Unlock()
			if hold != nil {
				close(held)
				select {
				case <-hold:
				case <-request.Context().Done():
				}
			}
			writer.WriteHeader(status)
		})
	}
	mux.HandleFunc("/beanfun_block/auth.aspx", func(writer http.ResponseWriter, request *http.Request) {
		portal.count(request)
		if request.URL.Query().Get("web_token") != portalWebToken {
			http.Error(writer, "forbidden", http.StatusForbidden)
			return
		}
		_, _ = writer.Write([]byte(portalAccountListHTML))
	})
	mux.HandleFunc("/beanfun_block/game_zone/game_start_step2.aspx", func(writer http.ResponseWriter, request *http.Request) {
		portal.count(request)
		_, _ = writer.Write([]byte(portalGameStartHTML))
	})
	mux.HandleFunc("/beanfun_block/generic_handlers/record_service_start.ashx", portal.count200)
	mux.HandleFunc("/generic_handlers/get_cookies.ashx", func(writer http.ResponseWriter, request *http.Request) {
		portal.count(request)
		_, _ = writer.Write([]byte(`var m_strSecretCode = '` + portalSecretCode + `';`))
	})
	mux.HandleFunc("/beanfun_block/generic_handlers/get_webstart_otp.ashx", func(writer http.ResponseWriter, request *http.Request) {
		portal.count(request)
		query := request.URL.Query()
		portal.mutex.Lock()
		portal.recordedOTPParams = map[string]string{
			"sn":             query.Get("sn"),
			"WebToken":       query.Get("WebToken"),
			"SecretCode":     query.Get("SecretCode"),
			"ServiceAccount": query.Get("ServiceAccount"),
			"CreateTime":     query.Get("CreateTime"),
		}
		portal.mutex.Unlock()
		field, err := otpcipher.Encrypt(portalCipherKey, portalOTP)
		if err != nil {
			http.Error(writer, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = writer.Write([]byte("1;" + field + ";0"))
	})
	mux.HandleFunc("/beanfun_block/generic_handlers/get_remain_point.ashx", func(writer http.ResponseWriter, request *http.Request) {
		portal.count(request)
		_, _ = writer.Write([]byte(`noise {"RemainPoint":"250","ResultCode":0,"ResultDesc":""} noise`))
	})

	portal.server = httptest.NewServer(mux)
	t.Cleanup(portal.server.Close)
	return portal
}

func (portal *fakePortal) count(request *http.Request) {
	portal.mutex.Lock()
	portal.calls[request.URL.Path]++
	portal.mutex.Unlock()
}

func (portal *fakePortal) count200(writer http.ResponseWriter, request *http.Request) {
	portal.count(request)
	_, _ = writer.Write([]byte("ok"))
}

func (portal *fakePortal) callCount(path string) int {
	portal.mutex.Lock()
	defer portal.mutex.Unlock()
	return portal.calls[path]
}

func (portal *fakePortal) totalCalls() int {
	portal.mutex.Lock()
	defer portal.mutex.Unlock()
	total := 0
	for _, count := range portal.calls {
		total += count
	}
	return total
}

func (portal *fakePortal) approve(payload string) {
	portal.mutex.Lock()
	portal.approvedPayload = payload
	portal.mutex.Unlock()
}

func (portal *fakePortal) setOmitWebToken(omit bool) {
	portal.mutex.Lock()
	portal.omitWebToken = omit
	portal.mutex.Unlock()
}

func (portal *fakePortal) configure(apply func(portal *fakePortal)) {
	portal.mutex.Lock()
	apply(portal)
	portal.mutex.Unlock()
}

// holdNextRevocation blocks the next revocation call until release is called. The returned
// channel closes once that call has reached the portal.
func (portal *fakePortal) holdNextRevocation(t *testing.T) (<-chan struct{}, func()) {
	t.Helper()
	hold := make(chan struct{})
	held := make(chan struct{})
	portal.configure(func(portal *fakePortal) {
		portal.holdRevocation = hold
		portal.revocationHeld = held
	})
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(hold) }) }
	t.Cleanup(release)
	return held, release
}

func (portal *fakePortal) setRevocationStatus(status int) {
	portal.mutex.Lock()
	portal.revocationStatus = status
	portal.mutex.Unlock()
}

func (portal *fakePortal) lastStatusPayload() string {
	portal.mutex.Lock()
	defer portal.mutex.Unlock()
	if len(portal.statusPayloads) == 0 {
		return ""
	}
	return portal.statusPayloads[len(portal.statusPayloads)-1]
}

func writeJSON(writer http.ResponseWriter, value any) {
	writer.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(writer).Encode(value)
}

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	clock.now = clock.now.Add(duration)
	clock.mutex.Unlock()
}

func newController(t *testing.T, portal *fakePortal, clock *fakeClock) *login.Controller {
	t.Helper()
	controller, err := login.NewController(login.Config{
		Endpoints: login.Endpoints{PortalBaseURL: portal.server.URL, LoginBaseURL: portal.server.URL},
		Transport: transport.Config{Timeout: 5 * time.Second, UserAgent: "TestAgent/1.0"},
		Clock:     clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = controller.Close() })
	return controller
}

func authenticate(t *testing.T, portal *fakePortal, controller *login.Controller) {
	t.Helper()
	challenge, err := controller.RequestChallenge(context.Background())
	require.NoError(t, err)
	portal.approve(challenge.Payload)
	result, err := controller.PollStatus(context.Background())
	require.NoError(t, err)
	require.True(t, result.Succeeded())
	require.Equal(t, login.StateAuthenticated, controller.State())
}

func TestPollStatusWithoutChallengeIsPrecondition(t *testing.T) {
	t.Parallel()

	portal := newFakePortal(t)
	controller := newController(t, portal, newFakeClock())

	_, err := controller.PollStatus(context.Background())
	require.ErrorIs(t, err, login.ErrPrecondition)
	_, err = controller.CheckStatus(context.Background())
	require.ErrorIs(t, err, login.ErrPrecondition)
	require.Zero(t, portal.totalCalls())
}

func TestAuthenticatedOperationsRequireLogin(t *testing.T) {
	t.Parallel()

	portal := newFakePortal(t)
	controller := newController(t, portal, newFakeClock())

	_, err := controller.ListAccounts(context.Background())
	require.ErrorIs(t, err, login.ErrPrecondition)
	_, err = controller.GetOTP(context.Background(), "mainaccount")
	require.ErrorIs(t, err, login.ErrPrecondition)
	_, err = controller.RemainingPoints(context.Background())
	require.ErrorIs(t, err, login.ErrPrecondition)
	require.Zero(t, portal.totalCalls())
}

func TestRequestChallengeIssuesPayload(t *testing.T) {
	t.Parallel()

	portal := newFakePortal(t)
	clock := newFakeClock()
	controller := newController(t, portal, clock)

	challenge, err := controller.RequestChallenge(context.Background())
	require.NoError(t, err)
	require.Equal(t, "PAYLOAD-1", challenge.Payload)
	require.Equal(t, clock.Now(), challenge.IssuedAt)
	require.True(t, strings.HasSuffix(challenge.DeepLinkURL(), "/gameLogin/gtw/PAYLOAD-1"))
	require.Equal(t, login.StateChallengeIssued, controller.State())

	current, found := controller.CurrentChallenge()
	require.True(t, found)
	require.Equal(t, challenge, current)
}

func TestPollStatusPendingKeepsChallenge(t *testing.T) {
	t.Parallel()

	portal := newFakePortal(t)
	controller := newController(t, portal, newFakeClock())

	_, err := controller.RequestChallenge(context.Background())
	require.NoError(t, err)

	result, err := controller.PollStatus(context.Background())
	require.NoError(t, err)
	require.False(t, result.Succeeded())
	require.Equal(t, "Waiting", result.ResultMessage)
	require.Equal(t, login.StateChallengeIssued, controller.State())
}

func TestPollStatusAfterTimeoutSkipsNetwork(t *testing.T) {
	t.Parallel()

	portal := newFakePortal(t)
	clock := newFakeClock()
	controller := newController(t, portal, clock)

	_, err := controller.RequestChallenge(context.Background())
	require.NoError(t, err)
	clock.Advance(login.DefaultLoginTimeout + time.Second)

	for attempt := 0; attempt < 2; attempt++ {
		_, err = controller.PollStatus(context.Background())
		require.ErrorIs(t, err, login.ErrLoginTimeout)
	}
	require.Zero(t, portal.callCount("/generic_handlers/CheckLoginStatus.ashx"))
	require.Equal(t, login.StateExpired, controller.State())
}

func TestStaleChallengeIsNeverApproved(t *testing.T) {
	t.Parallel()

	portal := newFakePortal(t)
	controller := newController(t, portal, newFakeClock())

	first, err := controller.RequestChallenge(context.Background())
	require.NoError(t, err)
	portal.approve(first.Payload)

	second, err := controller.RequestChallenge(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.Payload, second.Payload)

	result, err := controller.PollStatus(context.Background())
	require.NoError(t, err)
	require.False(t, result.Succeeded())
	require.Equal(t, second.Payload, portal.lastStatusPayload())
	require.Equal(t, login.StateChallengeIssued, controller.State())
}

func TestLoginCompletesTokenChain(t *testing.T) {
	t.Parallel()

	portal := newFakePortal(t)
	clock := newFakeClock()
	controller := newController(t, portal, clock)

	authenticate(t, portal, controller)
	require.Equal(t, clock.Now(), controller.AuthenticatedAt())
	require.Equal(t, 1, portal.callCount("/login/qr_step2.aspx"))
	require.Equal(t, 1, portal.callCount("/write_cookie.aspx"))
	require.Equal(t, 1, portal.callCount("/beanfun_block/bflogin/return.aspx"))

	status, err := controller.CheckStatus(context.Background())
	require.NoError(t, err)
	require.True(t, status.Succeeded())
	require.Equal(t, login.StateAuthenticated, controller.State())
}

func TestLoginWithoutWebTokenFails(t *testing.T) {
	t.Parallel()

	portal := newFakePortal(t)
	portal.setOmitWebToken(true)
	controller := newController(t, portal, newFakeClock())

	challenge, err := controller.RequestChallenge(context.Background())
	require.NoError(t, err)
	portal.approve(challenge.Payload)

	_, err = controller.PollStatus(context.Background())
	require.ErrorIs(t, err, login.ErrProtocol)
	require.Equal(t, login.StateFailed, controller.State())

	_, err = controller.PollStatus(context.Background())
	require.ErrorIs(t, err, login.ErrPrecondition)

	portal.setOmitWebToken(false)
	authenticate(t, portal, controller)
}

func TestListAccountsIsCachedPerSession(t *testing.T) {
	t.Parallel()

	portal := newFakePortal(t)
	controller := newController(t, portal, newFakeClock())
	authenticate(t, portal, controller)

	for attempt := 0; attempt < 3; attempt++ {
		records, err := controller.ListAccounts(context.Background())
		require.NoError(t, err)
		require.Len(t, records, 2)
		require.Equal(t, "mainaccount", records[0].AccountID)
		require.Equal(t, "Main Account", records[0].DisplayName)
		require.Equal(t, "SN003", records[1].SerialNumber)
	}
	require.Equal(t, 1, portal.callCount("/beanfun_block/auth.aspx"))
}

func TestGetOTPDecryptsPassword(t *testing.T) {
	t.Parallel()

	portal := newFakePortal(t)
	controller := newController(t, portal, newFakeClock())
	authenticate(t, portal, controller)

	password, err := controller.GetOTP(context.Background(), "mainaccount")
	require.NoError(t, err)
	require.Equal(t, portalOTP, password)

	portal.mutex.Lock()
	recorded := portal.recordedOTPParams
	portal.mutex.Unlock()
	require.Equal(t, map[string]string{
		"sn":             portalPollingKey,
		"WebToken":       portalWebToken,
		"SecretCode":     portalSecretCode,
		"ServiceAccount": "mainaccount",
		"CreateTime":     "2019-05-01 10:20:30",
	}, recorded)
	require.Equal(t, 1, portal.callCount("/beanfun_block/generic_handlers/record_service_start.ashx"))

	_, err = controller.GetOTP(context.Background(), "hiddenaccount")
	require.ErrorIs(t, err, login.ErrAccountNotFound)
}

func TestRemainingPoints(t *testing.T) {
	t.Parallel()

	portal := newFakePortal(t)
	controller := newController(t, portal, newFakeClock())
	authenticate(t, portal, controller)

	points, err := controller.RemainingPoints(context.Background())
	require.NoError(t, err)
	require.Equal(t, login.PointsResult{RemainPoint: "250"}, points)
}

func TestLogoutIsIdempotentAndBestEffort(t *testing.T) {
	t.Parallel()

	portal := newFakePortal(t)
	controller := newController(t, portal, newFakeClock())
	authenticate(t, portal, controller)
	controller.SetAutoLogoutTTL(time.Hour)
	portal.setRevocationStatus(http.StatusInternalServerError)

	require.NoError(t, controller.Logout(context.Background()))
	require.NoError(t, controller.Logout(context.Background()))

	require.Equal(t, login.StateIdle, controller.State())
	require.Zero(t, controller.AutoLogoutTTL())
	require.True(t, controller.AuthenticatedAt().IsZero())
	_, found := controller.CurrentChallenge()
	require.False(t, found)
	require.Equal(t, 2, portal.callCount("/generic_handlers/erase_token.ashx"))

	_, err := controller.ListAccounts(context.Background())
	require.ErrorIs(t, err, login.ErrPrecondition)
}

func TestRequestChallengeWhileAuthenticatedLogsOut(t *testing.T) {
	t.Parallel()

	portal := newFakePortal(t)
	controller := newController(t, portal, newFakeClock())
	authenticate(t, portal, controller)

	challenge, err := controller.RequestChallenge(context.Background())
	require.NoError(t, err)
	require.Equal(t, "PAYLOAD-2", challenge.Payload)
	require.Equal(t, 1, portal.callCount("/generic_handlers/remove_bflogin_session.ashx"))
	require.Equal(t, login.StateChallengeIssued, controller.State())

	_, err = controller.ListAccounts(context.Background())
	require.ErrorIs(t, err, login.ErrPrecondition)
}

func TestClosedControllerRejectsOperations(t *testing.T) {
	t.Parallel()

	portal := newFakePortal(t)
	controller := newController(t, portal, newFakeClock())

	require.NoError(t, controller.Close())
	require.NoError(t, controller.Close())

	_, err := controller.RequestChallenge(context.Background())
	require.ErrorIs(t, err, login.ErrControllerClosed)
	require.ErrorIs(t, err, login.ErrPrecondition)
	require.ErrorIs(t, controller.Logout(context.Background()), login.ErrControllerClosed)
	require.Zero(t, portal.totalCalls())
}

func TestLoginChainMissingStepFails(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		apply         func(portal *fakePortal)
		expectedCalls map[string]int
	}{
		{
			name:  "step two page without redirect",
			apply: func(portal *fakePortal) { portal.omitRedirect = true },
			expectedCalls: map[string]int{
				"/login/return.aspx":                 0,
				"/beanfun_block/bflogin/return.aspx": 0,
			},
		},
		{
			name:  "landing url without auth key",
			apply: func(portal *fakePortal) { portal.omitAuthKey = true },
			expectedCalls: map[string]int{
				"/login/return.aspx":                 1,
				"/write_cookie.aspx":                 0,
				"/beanfun_block/bflogin/return.aspx": 0,
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			portal := newFakePortal(t)
			portal.configure(testCase.apply)
			controller := newController(t, portal, newFakeClock())

			challenge, err := controller.RequestChallenge(context.Background())
			require.NoError(t, err)
			portal.approve(challenge.Payload)

			_, err = controller.PollStatus(context.Background())
			require.ErrorIs(t, err, login.ErrProtocol)
			require.Equal(t, login.StateFailed, controller.State())
			for path, expected := range testCase.expectedCalls {
				require.Equal(t, expected, portal.callCount(path), path)
			}

			_, err = controller.ListAccounts(context.Background())
			require.ErrorIs(t, err, login.ErrPrecondition)
		})
	}
}

func TestLoginWithoutWriteURLAuthenticates(t *testing.T) {
	t.Parallel()

	portal := newFakePortal(t)
	portal.configure(func(portal *fakePortal) { portal.omitWriteURL = true })
	controller := newController(t, portal, newFakeClock())

	authenticate(t, portal, controller)
	require.Zero(t, portal.callCount("/write_cookie.aspx"))
	require.Equal(t, 1, portal.callCount("/beanfun_block/bflogin/return.aspx"))
}

func TestCloseDuringFlowKeepsControllerClosed(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		operation func(controller *login.Controller) error
	}{
		{
			name: "request challenge while authenticated",
			operation: func(controller *login.Controller) error {
				_, err := controller.RequestChallenge(context.Background())
				return err
			},
		},
		{
			name: "logout",
			operation: func(controller *login.Controller) error {
				return controller.Logout(context.Background())
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			portal := newFakePortal(t)
			controller := newController(t, portal, newFakeClock())
			authenticate(t, portal, controller)
			held, release := portal.holdNextRevocation(t)

			operationErrors := make(chan error, 1)
			go func() {
				operationErrors <- testCase.operation(controller)
			}()
			select {
			case <-held:
			case <-time.After(5 * time.Second):
				t.Fatalf("revocation never reached the portal")
			}

			require.NoError(t, controller.Close())
			callsAtClose := portal.totalCalls()
			release()

			select {
			case err := <-operationErrors:
				require.ErrorIs(t, err, login.ErrControllerClosed)
			case <-time.After(5 * time.Second):
				t.Fatalf("operation did not return after Close")
			}
			require.NotEqual(t, login.StateChallengeIssued, controller.State())
			_, found := controller.CurrentChallenge()
			require.False(t, found)
			require.Equal(t, callsAtClose, portal.totalCalls())

			_, err := controller.RequestChallenge(context.Background())
			require.ErrorIs(t, err, login.ErrControllerClosed)
			require.Equal(t, callsAtClose, portal.totalCalls())
		})
	}
}

func TestOversizedPortalPageIsProtocolError(t *testing.T) {
	t.Parallel()

	portal := newFakePortal(t)
	controller, err := login.NewController(login.Config{
		Endpoints: login.Endpoints{PortalBaseURL: portal.server.URL, LoginBaseURL: portal.server.URL},
		Transport: transport.Config{Timeout: 5 * time.Second, MaxResponseBytes: 24},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = controller.Close() })

	_, err = controller.RequestChallenge(context.Background())
	require.ErrorIs(t, err, login.ErrProtocol)
	require.ErrorIs(t, err, transport.ErrResponseTooLarge)
	require.Equal(t, login.StateIdle, controller.State())
}
