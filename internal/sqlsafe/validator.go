// Package sqlsafe gates SQL text before it reaches any execution resource.
//
// The checks are deliberately textual rather than parser-based: keyword
// matching is a substring scan, so identifiers containing a blocked word
// followed by a space are rejected too. That trade-off is accepted in favor
// of a validator with no engine dependency and no parse ambiguity.
package sqlsafe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const DefaultMaxQueryLength = 50000

// blockedKeywords are matched as "<keyword> " anywhere in the normalized,
// lower-cased text. ATTACH/DETACH/INSTALL/LOAD are issued internally by the
// pool and runners; user SQL never gets to.
var blockedKeywords = []string{
	"drop ",
	"delete ",
	"truncate ",
	"alter ",
	"create ",
	"insert ",
	"update ",
	"grant ",
	"revoke ",
	"attach ",
	"detach ",
	"pragma ",
	"install ",
	"load ",
	"copy ",
	"export ",
	"import ",
}

var allowedPrefixes = []string{
	"select ",
	"with ",
	"explain ",
	"describe ",
	"show ",
}

var (
	execPattern    = regexp.MustCompile(`\bexec(ute)?\b`)
	stringLiteral  = regexp.MustCompile(`'[^']*'`)
	longNumericRun = regexp.MustCompile(`\b\d{10,}\b`)
)

// ValidationError reports why a query was rejected. It is always surfaced to
// the caller and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "sql validation failed: " + e.Reason
}

type Validator struct {
	MaxQueryLength int
}

func NewValidator(maxQueryLength int) *Validator {
	if maxQueryLength <= 0 {
		maxQueryLength = DefaultMaxQueryLength
	}
	return &Validator{MaxQueryLength: maxQueryLength}
}

// Validate runs every check in order and returns a *ValidationError on the
// first failure. It is a pure function over the query text.
func (v *Validator) Validate(sqlText string) error {
	maxLength := v.MaxQueryLength
	if maxLength <= 0 {
		maxLength = DefaultMaxQueryLength
	}
	if len(sqlText) > maxLength {
		return &ValidationError{Reason: fmt.Sprintf("query too long: %d characters (max: %d)", len(sqlText), maxLength)}
	}

	normalized := strings.Join(strings.Fields(sqlText), " ")
	if normalized == "" {
		return &ValidationError{Reason: "empty query not allowed"}
	}
	lowered := strings.ToLower(normalized)

	for _, keyword := range blockedKeywords {
		if strings.Contains(lowered, keyword) {
			return &ValidationError{Reason: fmt.Sprintf("blocked SQL keyword not allowed: %s", strings.ToUpper(strings.TrimSpace(keyword)))}
		}
	}

	if !hasAllowedPrefix(lowered) {
		return &ValidationError{Reason: "query must start with one of: SELECT, WITH, EXPLAIN, DESCRIBE, SHOW"}
	}

	stripped := strings.TrimSuffix(strings.TrimRight(sqlText, " \t\r\n"), ";")
	if strings.Contains(stripped, ";") {
		return &ValidationError{Reason: "multi-statement queries not allowed"}
	}

	if strings.Contains(lowered, "--") || strings.Contains(lowered, "/*") {
		return &ValidationError{Reason: "SQL comments not allowed"}
	}
	if execPattern.MatchString(lowered) {
		return &ValidationError{Reason: "EXEC/EXECUTE statements not allowed"}
	}

	return nil
}

func hasAllowedPrefix(lowered string) bool {
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(lowered, prefix) || lowered == strings.TrimSpace(prefix) {
			return true
		}
	}
	return false
}

// Fingerprint returns a 16-hex-character hash of the whitespace- and
// case-normalized query. Used for dedup and metrics, not security.
func Fingerprint(sqlText string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(sqlText)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// SanitizeForLogging truncates the query and masks quoted string literals and
// long numeric runs so raw data values never reach log output.
func SanitizeForLogging(sqlText string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = 200
	}
	if len(sqlText) > maxLength {
		sqlText = sqlText[:maxLength] + "..."
	}
	sqlText = stringLiteral.ReplaceAllString(sqlText, "'<string>'")
	sqlText = longNumericRun.ReplaceAllString(sqlText, "<number>")
	return sqlText
}
