// Package pageparser holds the pure text-munging functions that read portal markup,
// inline script literals and loosely wrapped JSON. None of them touch the network.
package pageparser

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	loginRedirectPattern        = `RedirectPage\("","\./(.*?)"\)`
	writeURLPattern             = `strWriteUrl = "(.*?)"`
	accountDataPattern          = `MyAccountData = ({.*?});`
	longPollingKeyPattern       = `"generic_handlers/get_result\.ashx\?meth=GetResultByLongPolling&key=([a-z0-9-]+)"`
	secretCodePattern           = `var m_strSecretCode = '(.+?)';`
	patternNameLoginRedirect    = "login redirect target"
	patternNameWriteURL         = "write url"
	patternNameAccountData      = "account data literal"
	patternNameLongPollingKey   = "long polling key"
	patternNameSecretCode       = "secret code"
	patternNameJSONObject       = "json object"
	errMessagePatternNotFound   = "pattern not found"
	errMessageMalformedJSON     = "malformed json"
	jsonObjectOpen              = "{"
	jsonObjectClose             = "}"
	errMessageDecodeJSONPayload = "decode json payload"
)

var (
	// ErrPatternNotFound reports that an expected marker is missing from a page.
	ErrPatternNotFound = errors.New(errMessagePatternNotFound)
	// ErrMalformedJSON reports a payload that could not be decoded after extraction.
	ErrMalformedJSON = errors.New(errMessageMalformedJSON)

	loginRedirectRegex  = regexp.MustCompile(loginRedirectPattern)
	writeURLRegex       = regexp.MustCompile(writeURLPattern)
	accountDataRegex    = regexp.MustCompile(accountDataPattern)
	longPollingKeyRegex = regexp.MustCompile(longPollingKeyPattern)
	secretCodeRegex     = regexp.MustCompile(secretCodePattern)
)

// ExtractLoginRedirect returns the relative page the QR step-2 page redirects to.
func ExtractLoginRedirect(pageContent string) (string, error) {
	return extractFirstGroup(loginRedirectRegex, patternNameLoginRedirect, pageContent)
}

// ExtractWriteURL returns the cookie write URL embedded in the login landing page.
// The second result is false when the page does not carry one.
func ExtractWriteURL(pageContent string) (string, bool) {
	writeURL, err := extractFirstGroup(writeURLRegex, patternNameWriteURL, pageContent)
	if err != nil {
		return "", false
	}
	return writeURL, true
}

// ExtractAccountDataLiteral returns the MyAccountData object literal from the game start page.
func ExtractAccountDataLiteral(pageContent string) (string, error) {
	return extractFirstGroup(accountDataRegex, patternNameAccountData, pageContent)
}

// ExtractLongPollingKey returns the key of the long polling result handler.
func ExtractLongPollingKey(pageContent string) (string, error) {
	return extractFirstGroup(longPollingKeyRegex, patternNameLongPollingKey, pageContent)
}

// ExtractSecretCode returns the cookie derived secret code from the get_cookies handler script.
func ExtractSecretCode(scriptContent string) (string, error) {
	return extractFirstGroup(secretCodeRegex, patternNameSecretCode, scriptContent)
}

// ExtractJSONObject decodes the outermost JSON object embedded in text into target.
// Text before the first brace and after the last brace is ignored.
func ExtractJSONObject(text string, target any) error {
	startIndex := strings.Index(text, jsonObjectOpen)
	endIndex := strings.LastIndex(text, jsonObjectClose)
	if startIndex == -1 || endIndex < startIndex {
		return fmt.Errorf("%w: %s", ErrPatternNotFound, patternNameJSONObject)
	}
	if err := json.Unmarshal([]byte(text[startIndex:endIndex+1]), target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedJSON, errMessageDecodeJSONPayload, err)
	}
	return nil
}

func extractFirstGroup(pattern *regexp.Regexp, patternName string, content string) (string, error) {
	match := pattern.FindStringSubmatch(content)
	if len(match) < 2 {
		return "", fmt.Errorf("%w: %s", ErrPatternNotFound, patternName)
	}
	return match[1], nil
}
