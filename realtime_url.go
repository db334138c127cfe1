package jsocialflux

import (
	"net/url"
	"strings"
)

// ResolveRealtimeURL returns the realtime endpoint. Precedence: an explicit
// WebSocket override, then a URL derived from the HTTP API base, then the
// same-origin default ws(s)://<host>/ws built from origin.
func ResolveRealtimeURL(override, apiBase, origin string) string {
	if v := strings.TrimSpace(override); v != "" {
		return v
	}
	if v := strings.TrimSpace(apiBase); v != "" {
		return httpToWS(v)
	}
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Host == "" {
		return "ws://localhost/ws"
	}
	scheme := "ws"
	if u.Scheme == "https" || u.Scheme == "wss" {
		scheme = "wss"
	}
	return scheme + "://" + u.Host + "/ws"
}

// httpToWS upgrades an http(s) URL to ws(s) and makes its path end in /ws.
// Unparseable input is returned unchanged.
func httpToWS(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	if u.Scheme == "https" || u.Scheme == "wss" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	switch {
	case u.Path == "" || u.Path == "/":
		u.Path = "/ws"
	case !strings.HasSuffix(u.Path, "/ws"):
		u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	}
	u.RawPath = ""
	return u.String()
}
