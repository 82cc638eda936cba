package config

import (
	"net/url"
	"strings"
)

// Redacted returns a copy of c that is safe to log.
func (c BridgeConfig) Redacted() BridgeConfig {
	c.ClientKey = maskSecret(c.ClientKey)
	if c.RedisAddr != "" {
		if u, err := url.Parse(c.RedisAddr); err == nil && u.User != nil {
			c.RedisAddr = u.Redacted()
		}
	}
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	c.Args = append([]string(nil), c.Args...)
	return c
}

// maskSecret keeps at most the first and last characters of s visible.
//   - length <= 5: fully masked
//   - length <= 20: first and last characters visible
//   - length > 20: first 3 and last 1 characters visible
func maskSecret(s string) string {
	n := len(s)
	switch {
	case n == 0:
		return ""
	case n <= 5:
		return strings.Repeat("*", n)
	case n <= 20:
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	}
	return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
}
