package pageparser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	embeddedDatePattern      = `\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`
	bareKeyPattern           = `(\w+):`
	bareKeyReplacement       = `"${1}":`
	datePlaceholder          = "TEMP_DATE_STRING"
	singleQuoteCharacter     = `'`
	doubleQuoteCharacter     = `"`
	backslashCharacter       = `\`
	escapedBackslash         = `\\`
	errMessageDecodeLiteral  = "decode coerced literal"
	createTimeFieldName      = "ServiceAccountCreateTime"
	patternNameEmbeddedDate  = "embedded date"
	errMessageMissingLiteral = "empty literal"
)

var (
	embeddedDateRegex = regexp.MustCompile(embeddedDatePattern)
	bareKeyRegex      = regexp.MustCompile(bareKeyPattern)
)

// CoerceJSLiteral converts a JavaScript object literal with bare keys and single quoted
// strings into a decoded JSON object.
//
// The literal carries a "YYYY-MM-DD hh:mm:ss" timestamp whose colons would be mistaken for
// key separators, so it is swapped for a placeholder before the rewrite and restored into
// ServiceAccountCreateTime afterwards.
func CoerceJSLiteral(literal string) (map[string]any, error) {
	if strings.TrimSpace(literal) == "" {
		return nil, fmt.Errorf("%w: %s", ErrMalformedJSON, errMessageMissingLiteral)
	}

	embeddedDate := embeddedDateRegex.FindString(literal)
	coerced := embeddedDateRegex.ReplaceAllLiteralString(literal, datePlaceholder)
	coerced = bareKeyRegex.ReplaceAllString(coerced, bareKeyReplacement)
	coerced = strings.ReplaceAll(coerced, singleQuoteCharacter, doubleQuoteCharacter)
	coerced = strings.ReplaceAll(coerced, backslashCharacter, escapedBackslash)

	decoded := make(map[string]any)
	if err := json.Unmarshal([]byte(coerced), &decoded); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedJSON, errMessageDecodeLiteral, err)
	}
	if embeddedDate != "" {
		decoded[createTimeFieldName] = embeddedDate
	}
	return decoded, nil
}

// AccountCreateTime returns the restored creation timestamp of a coerced account literal.
func AccountCreateTime(decoded map[string]any) (string, error) {
	createTime, _ := decoded[createTimeFieldName].(string)
	if createTime == "" {
		return "", fmt.Errorf("%w: %s", ErrPatternNotFound, patternNameEmbeddedDate)
	}
	return createTime, nil
}
