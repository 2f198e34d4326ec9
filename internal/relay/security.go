package relay

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// ExtensionOriginPrefix is the Origin scheme presented by browser extensions.
const ExtensionOriginPrefix = "chrome-extension://"

// originChecker decides which handshake origins are accepted: no origin
// (non-browser clients), any extension origin, loopback origins, and an
// explicit allow-list.
type originChecker struct {
	allowed map[string]bool
}

func newOriginChecker(allowed []string) *originChecker {
	oc := &originChecker{allowed: make(map[string]bool, len(allowed))}
	for _, o := range allowed {
		oc.allowed[strings.TrimRight(o, "/")] = true
	}
	return oc
}

// check returns whether origin is allowed and a short reason for logging.
func (oc *originChecker) check(origin string) (bool, string) {
	if origin == "" {
		return true, "no origin header"
	}
	if strings.HasPrefix(origin, ExtensionOriginPrefix) {
		return true, "extension origin"
	}
	if oc.allowed[strings.TrimRight(origin, "/")] {
		return true, "allow-listed origin"
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false, "unparsable origin"
	}
	if isLoopbackHost(u.Hostname()) {
		return true, "loopback origin"
	}
	return false, "origin not allowed"
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// CheckOrigin adapts the checker to websocket.Upgrader.
func (oc *originChecker) CheckOrigin(r *http.Request) bool {
	ok, _ := oc.check(r.Header.Get("Origin"))
	return ok
}
