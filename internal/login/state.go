package login

import (
	"encoding/json"
	"strings"
	"time"
)

// State is the position of a Controller in the login flow.
type State int

const (
	// StateIdle holds no challenge and no authenticated session.
	StateIdle State = iota
	// StateChallengeIssued holds a live challenge awaiting a scan.
	StateChallengeIssued
	// StateAuthenticated holds a web token usable for account calls.
	StateAuthenticated
	// StateExpired means the challenge window elapsed before the scan completed.
	StateExpired
	// StateFailed means the post-scan token chain broke.
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:            "idle",
	StateChallengeIssued: "challenge_issued",
	StateAuthenticated:   "authenticated",
	StateExpired:         "expired",
	StateFailed:          "failed",
}

func (state State) String() string {
	if name, ok := stateNames[state]; ok {
		return name
	}
	return "unknown"
}

// Challenge is the encrypted payload the user's app scans to approve the pending session.
type Challenge struct {
	Payload  string
	IssuedAt time.Time
}

// DeepLinkURL is the app link that embeds the payload verbatim; it is what the QR code encodes.
func (challenge Challenge) DeepLinkURL() string {
	return deepLinkURL(challenge.Payload)
}

// StatusResult is the portal's answer to a login status check.
type StatusResult struct {
	Result        int
	ResultMessage string
}

// Succeeded reports whether the scan was approved.
func (result StatusResult) Succeeded() bool {
	return result.Result == loginStatusSuccess
}

// PointsResult is the remaining point balance of the authenticated member.
type PointsResult struct {
	RemainPoint string
	ResultCode  int
	ResultDesc  string
}

type challengeResponse struct {
	StrEncryptData string `json:"strEncryptData"`
}

type statusResponse struct {
	Result        *int   `json:"Result"`
	ResultMessage string `json:"ResultMessage"`
}

type pointsResponse struct {
	RemainPoint flexibleString `json:"RemainPoint"`
	ResultCode  int            `json:"ResultCode"`
	ResultDesc  string         `json:"ResultDesc"`
}

// flexibleString accepts a JSON string or a bare number.
type flexibleString string

func (value *flexibleString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*value = ""
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*value = flexibleString(text)
		return nil
	}
	*value = flexibleString(trimmed)
	return nil
}
