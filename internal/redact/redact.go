// Package redact masks credentials before they reach logs, traces or bug
// reports.
package redact

import (
	"net/url"
	"strings"
)

// Mask replaces a redacted value.
const Mask = "<redacted>"

var sensitiveSubstrings = []string{
	"token",
	"password",
	"passwd",
	"secret",
	"api-key",
	"apikey",
	"api_key",
	"auth",
	"bearer",
	"credential",
}

// IsSensitive reports whether a flag or key name looks like it carries a
// credential. Comparison is case-insensitive.
func IsSensitive(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, candidate := range sensitiveSubstrings {
		if strings.Contains(lower, candidate) {
			return true
		}
	}
	return false
}

// Args masks the value of sensitive flags, in both --flag=value and
// --flag value form.
func Args(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, Mask)
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if IsSensitive(parts[0]) {
				redacted = append(redacted, parts[0]+"="+Mask)
				continue
			}
		}

		if strings.HasPrefix(trimmed, "-") && IsSensitive(trimmed) {
			maskNext = true
		}
		redacted = append(redacted, URL(trimmed))
	}

	return redacted
}

// URL drops the password of a URL with user info, such as an MQTT broker
// address. Anything that does not parse as such a URL is returned as is.
func URL(raw string) string {
	if !strings.Contains(raw, "://") || !strings.Contains(raw, "@") {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return raw
	}
	if _, hasPassword := parsed.User.Password(); !hasPassword {
		return raw
	}
	parsed.User = url.UserPassword(parsed.User.Username(), "xxxxx")
	return parsed.String()
}

// ConfigText masks sensitive keys of a TOML or YAML document line by line.
// Broker URLs keep their host but lose their password.
func ConfigText(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		separator := ":"
		if strings.Contains(line, "=") && (!strings.Contains(line, ":") || strings.Index(line, "=") < strings.Index(line, ":")) {
			separator = "="
		}
		parts := strings.SplitN(line, separator, 2)
		if len(parts) != 2 {
			continue
		}
		if IsSensitive(parts[0]) {
			lines[i] = parts[0] + separator + " " + Mask
			continue
		}
		value := strings.TrimSpace(parts[1])
		unquoted := strings.Trim(value, `"'`)
		if masked := URL(unquoted); masked != unquoted {
			lines[i] = parts[0] + separator + " " + strings.Replace(value, unquoted, masked, 1)
		}
	}
	return strings.Join(lines, "\n")
}

// FormatCommand returns a single-line command preview for logs.
func FormatCommand(name string, args []string) string {
	parts := append([]string{strings.TrimSpace(name)}, args...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}
