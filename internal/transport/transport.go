package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

// DefaultTimeout bounds a single request when Config.Timeout is unset.
const DefaultTimeout = 30 * time.Second

const (
	userAgentHeaderName          = "User-Agent"
	contentTypeHeaderName        = "Content-Type"
	formContentType              = "application/x-www-form-urlencoded"
	defaultMaxResponseBytes      = 4 * 1024 * 1024
	defaultDialTimeout           = 10 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultResponseHeaderTimeout = 20 * time.Second
	errMessageNetwork            = "network failure"
	errMessageTransportClosed    = "transport is closed"
	errMessageResponseTooLarge   = "response body exceeds limit"
	errMessageBuildRequest       = "build request"
	errMessageParseURL           = "parse request url"
	errMessageCreateCookieJar    = "create cookie jar"
	errMessageReadBody           = "read response body"
	logMessageTransportOpened    = "session transport opened"
	logMessageTransportClosed    = "session transport closed"
	logMessageRequestCompleted   = "portal request completed"
	logFieldMethod               = "method"
	logFieldHost                 = "host"
	logFieldPath                 = "path"
	logFieldStatus               = "status"
	logFieldElapsed              = "elapsed"
)

var (
	// ErrNetwork marks transport-level failures such as dial, TLS, or read errors.
	ErrNetwork = errors.New(errMessageNetwork)
	// ErrTransportClosed is returned by Execute, Open and Reset after Close.
	ErrTransportClosed = errors.New(errMessageTransportClosed)
	// ErrResponseTooLarge is returned instead of a truncated body.
	ErrResponseTooLarge = errors.New(errMessageResponseTooLarge)

	// The portal refuses handshakes negotiated from Go's modern default suite list, so the
	// older RSA key exchange and 3DES suites are enabled explicitly.
	legacyCompatibleCipherSuites = []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
		tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_RSA_WITH_3DES_EDE_CBC_SHA,
		tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_RSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_RSA_WITH_AES_128_CBC_SHA,
		tls.TLS_RSA_WITH_AES_256_CBC_SHA,
		tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA,
	}
)

// Request describes one portal call.
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Form    url.Values
	Headers http.Header
}

// Response carries the outcome of one portal call. FinalURL is the URL after redirects.
type Response struct {
	StatusCode int
	Body       []byte
	FinalURL   *url.URL
}

// Text returns the response body as a string.
func (response Response) Text() string {
	return string(response.Body)
}

// QueryValue reads a query parameter from the resolved final URL.
func (response Response) QueryValue(name string) string {
	if response.FinalURL == nil {
		return ""
	}
	return response.FinalURL.Query().Get(name)
}

// Config customizes a Session.
type Config struct {
	Timeout          time.Duration
	UserAgent        string
	MaxResponseBytes int64
	// RootCAs overrides the system roots; tests use it to trust httptest servers.
	RootCAs *x509.CertPool
	Logger  *zap.Logger
}

// Session owns one HTTP client and cookie jar. Reset swaps the client; Close is final and
// aborts requests still in flight.
type Session struct {
	timeout          time.Duration
	userAgent        string
	maxResponseBytes int64
	rootCAs          *x509.CertPool
	logger           *zap.Logger

	lifetime    context.Context
	endLifetime context.CancelFunc

	mutex    sync.RWMutex
	client   *http.Client
	closed   bool
	disposed bool
}

// New constructs an unopened Session.
func New(configuration Config) *Session {
	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	userAgent := strings.TrimSpace(configuration.UserAgent)
	if userAgent == "" {
		userAgent = pickBrowserUserAgent()
	}
	maxResponseBytes := configuration.MaxResponseBytes
	if maxResponseBytes <= 0 {
		maxResponseBytes = defaultMaxResponseBytes
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lifetime, endLifetime := context.WithCancel(context.Background())
	return &Session{
		timeout:          timeout,
		userAgent:        userAgent,
		maxResponseBytes: maxResponseBytes,
		rootCAs:          configuration.RootCAs,
		logger:           logger,
		lifetime:         lifetime,
		endLifetime:      endLifetime,
		closed:           true,
	}
}

// Open creates a client with a fresh cookie jar. Opening an already open session is a no-op.
func (session *Session) Open() error {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.openLocked()
}

func (session *Session) openLocked() error {
	if session.disposed {
		return ErrTransportClosed
	}
	if !session.closed {
		return nil
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageCreateCookieJar, err)
	}
	session.client = &http.Client{
		Timeout:   session.timeout,
		Transport: session.newTransport(),
		Jar:       jar,
	}
	session.closed = false
	session.logger.Debug(logMessageTransportOpened)
	return nil
}

// Close drops the client for good and cancels every request in flight. Open and Reset fail
// afterwards. It is safe to call repeatedly.
func (session *Session) Close() error {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	session.disposed = true
	session.endLifetime()
	session.closeLocked()
	return nil
}

func (session *Session) closeLocked() {
	if session.closed {
		return
	}
	session.client.CloseIdleConnections()
	session.client = nil
	session.closed = true
	session.logger.Debug(logMessageTransportClosed)
}

// Reset closes the current client and opens a new one so no cookies carry over.
func (session *Session) Reset() error {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	if session.disposed {
		return ErrTransportClosed
	}
	session.closeLocked()
	return session.openLocked()
}

// Closed reports whether the session currently has no client.
func (session *Session) Closed() bool {
	session.mutex.RLock()
	defer session.mutex.RUnlock()
	return session.closed
}

// Execute performs one HTTP call and reads the whole body.
func (session *Session) Execute(ctx context.Context, request Request) (Response, error) {
	session.mutex.RLock()
	client := session.client
	closed := session.closed
	session.mutex.RUnlock()
	if closed {
		return Response{}, ErrTransportClosed
	}

	requestContext, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAfterClose := context.AfterFunc(session.lifetime, cancel)
	defer stopAfterClose()

	httpRequest, err := session.buildRequest(requestContext, request)
	if err != nil {
		return Response{}, err
	}

	started := time.Now()
	httpResponse, err := client.Do(httpRequest)
	if err != nil {
		if session.lifetime.Err() != nil {
			return Response{}, ErrTransportClosed
		}
		return Response{}, fmt.Errorf("%w: %s %s: %w", ErrNetwork, httpRequest.Method, httpRequest.URL.Path, err)
	}
	defer httpResponse.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(httpResponse.Body, session.maxResponseBytes+1))
	if err != nil {
		if session.lifetime.Err() != nil {
			return Response{}, ErrTransportClosed
		}
		return Response{}, fmt.Errorf("%w: %s: %w", ErrNetwork, errMessageReadBody, err)
	}
	if int64(len(bodyBytes)) > session.maxResponseBytes {
		return Response{}, fmt.Errorf("%w: %s %s: %d bytes", ErrResponseTooLarge, httpRequest.Method, httpRequest.URL.Path, session.maxResponseBytes)
	}

	session.logger.Debug(logMessageRequestCompleted,
		zap.String(logFieldMethod, httpRequest.Method),
		zap.String(logFieldHost, httpRequest.URL.Host),
		zap.String(logFieldPath, httpRequest.URL.Path),
		zap.Int(logFieldStatus, httpResponse.StatusCode),
		zap.Duration(logFieldElapsed, time.Since(started)),
	)

	return Response{
		StatusCode: httpResponse.StatusCode,
		Body:       bodyBytes,
		FinalURL:   httpResponse.Request.URL,
	}, nil
}

// Cookie returns the value of the named cookie the jar would send to rawURL.
func (session *Session) Cookie(rawURL string, name string) (string, bool) {
	session.mutex.RLock()
	defer session.mutex.RUnlock()
	if session.closed {
		return "", false
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	for _, cookie := range session.client.Jar.Cookies(parsedURL) {
		if cookie.Name == name {
			return cookie.Value, true
		}
	}
	return "", false
}

func (session *Session) buildRequest(ctx context.Context, request Request) (*http.Request, error) {
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	parsedURL, err := url.Parse(request.URL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageParseURL, err)
	}
	if len(request.Query) > 0 {
		mergedQuery := parsedURL.Query()
		for key, values := range request.Query {
			for _, value := range values {
				mergedQuery.Add(key, value)
			}
		}
		parsedURL.RawQuery = mergedQuery.Encode()
	}

	var body io.Reader
	if request.Form != nil {
		body = strings.NewReader(request.Form.Encode())
	}
	httpRequest, err := http.NewRequestWithContext(ctx, method, parsedURL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageBuildRequest, err)
	}
	for headerName, headerValues := range request.Headers {
		for _, headerValue := range headerValues {
			httpRequest.Header.Add(headerName, headerValue)
		}
	}
	httpRequest.Header.Set(userAgentHeaderName, session.userAgent)
	if request.Form != nil {
		httpRequest.Header.Set(contentTypeHeaderName, formContentType)
	}
	return httpRequest, nil
}

func (session *Session) newTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig:       LegacyTLSConfig(session.rootCAs),
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxConnsPerHost:       10,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
	}
}

// LegacyTLSConfig returns the client TLS configuration the portal accepts.
func LegacyTLSConfig(rootCAs *x509.CertPool) *tls.Config {
	cipherSuites := make([]uint16, len(legacyCompatibleCipherSuites))
	copy(cipherSuites, legacyCompatibleCipherSuites)
	return &tls.Config{
		MinVersion:   tls.VersionTLS10,
		CipherSuites: cipherSuites,
		RootCAs:      rootCAs,
	}
}
