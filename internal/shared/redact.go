package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// A redaction rule either replaces the whole match or, when keepPrefix is
// set, keeps capture group 1 and replaces the rest.
type redaction struct {
	re         *regexp.Regexp
	keepPrefix bool
}

var redactions = []redaction{
	// Capability tokens and any other compact JWS.
	{re: regexp.MustCompile(`eyJ[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}`)},
	// Admin bearer token on the gateway API.
	{re: regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{8,}`), keepPrefix: true},
	// WORLDGATE_TOKEN_SECRET=..., admin_token: ..., S3 secret keys.
	{re: regexp.MustCompile(`(?i)((?:token[_-]?secret|admin[_-]?token|secret[_-]?(?:access[_-]?)?key)\s*[:=]\s*"?)[^\s"]{8,}`), keepPrefix: true},
	// S3 access key ids.
	{re: regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`)},
}

// Redact masks capability tokens, admin tokens and object-store credentials
// in s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, r := range redactions {
		if r.keepPrefix {
			s = r.re.ReplaceAllString(s, "${1}"+redactedPlaceholder)
			continue
		}
		s = r.re.ReplaceAllLiteralString(s, redactedPlaceholder)
	}
	return s
}

var secretEnvMarkers = []string{"SECRET", "TOKEN", "PASSWORD", "ACCESS_KEY", "CREDENTIAL"}

// RedactEnvValue masks value when key names a secret.
func RedactEnvValue(key, value string) string {
	upper := strings.ToUpper(key)
	for _, m := range secretEnvMarkers {
		if strings.Contains(upper, m) {
			return redactedPlaceholder
		}
	}
	return value
}

// RedactEnv returns a copy of a task environment safe to log.
func RedactEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = RedactEnvValue(k, v)
	}
	return out
}
