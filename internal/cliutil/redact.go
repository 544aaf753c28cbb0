package cliutil

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[redacted]"

var (
	templateVarPattern = regexp.MustCompile(`\$\{[^}]+\}`)
	secretKeyPattern   = regexp.MustCompile(`(?i)\b(` + strings.Join(secretKeys(), "|") + `)\b(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)
)

// Game servers routinely print their own startup configuration, which is how
// credentials end up in captured output. Keys cover the common server stacks
// plus generic cloud/database names.
func secretKeys() []string {
	keys := []string{
		"RCON_PASSWORD",
		"SERVER_PASSWORD",
		"STEAM_API_KEY",
		"STEAM_WEB_API_KEY",
		"GSLT_TOKEN",
		"SV_LICENSEKEY",
		"AWS_ACCESS_KEY_ID",
		"AWS_SECRET_ACCESS_KEY",
		"DATABASE_PASSWORD",
		"DB_PASSWORD",
		"REDIS_PASSWORD",
		"API_KEY",
		"ACCESS_TOKEN",
		"CLIENT_SECRET",
	}
	escaped := make([]string, len(keys))
	for i, key := range keys {
		escaped[i] = regexp.QuoteMeta(key)
	}
	return escaped
}

// RedactSecrets masks secret placeholders and sensitive key values in a
// captured output line. ${VAR} template references and known secret key
// assignments are replaced with a generic [redacted] marker before the line
// reaches the event stream.
func RedactSecrets(line string) string {
	if line == "" {
		return line
	}
	redacted := templateVarPattern.ReplaceAllStringFunc(line, func(string) string {
		return "${" + redactedPlaceholder + "}"
	})
	return secretKeyPattern.ReplaceAllString(redacted, "$1$2$3"+redactedPlaceholder+"$5")
}
