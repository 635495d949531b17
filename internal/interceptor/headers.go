package interceptor

import (
	"net/http"
	"strings"
)

const redacted = "[REDACTED]"

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"proxy-authorization": true,
	"cookie":              true,
}

// FlattenHeaders lowercases header names and joins repeated values with
// ", ". With redact set, credential headers are replaced before they leave
// the process.
func FlattenHeaders(h http.Header, redact bool) map[string]string {
	m := make(map[string]string, len(h))
	for k, vv := range h {
		lower := strings.ToLower(k)
		if redact && sensitiveHeaders[lower] {
			m[lower] = redacted
			continue
		}
		m[lower] = strings.Join(vv, ", ")
	}
	return m
}

// sessionHeaders are checked in order to group requests from one client run.
var sessionHeaders = []string{
	"X-Claude-Code-Session-Id",
	"X-Session-Id",
	"X-Request-Id",
	"X-Correlation-Id",
}

func sessionID(h http.Header) string {
	for _, name := range sessionHeaders {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}
