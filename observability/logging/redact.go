package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces secret attribute values in log output.
const RedactedValue = "[REDACTED]"

var secretKeyFragments = []string{"secret", "token", "passphrase", "password", "authorization", "jwt"}

// IsSecretKey reports whether values logged under key are masked.
func IsSecretKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, fragment := range secretKeyFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// MaskField builds a string attribute, masking the value when the key names a
// secret. Empty values stay empty.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSecretKey(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskDSN removes the password from a URL or key=value style DSN. Other
// DSNs, such as sqlite file paths, are returned unchanged.
func MaskDSN(dsn string) string {
	if strings.Contains(dsn, "password=") && !strings.Contains(dsn, "://") {
		fields := strings.Fields(dsn)
		for i, field := range fields {
			if strings.HasPrefix(field, "password=") {
				fields[i] = "password=" + RedactedValue
			}
		}
		return strings.Join(fields, " ")
	}
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, set := u.User.Password(); set {
		u.User = url.UserPassword(u.User.Username(), RedactedValue)
	}
	return u.String()
}

func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindString && IsSecretKey(attr.Key) && attr.Value.String() != "" {
		return slog.String(attr.Key, RedactedValue)
	}
	return attr
}
