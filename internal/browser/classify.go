package browser

import (
	"net/url"
	"strings"

	"github.com/layerlink/layerlink/internal/agent"
)

// Family is an analytics hit family.
type Family int

const (
	FamilyNone Family = iota
	FamilyGA4
	FamilyMetaPixel
)

func (f Family) String() string {
	switch f {
	case FamilyGA4:
		return "ga4"
	case FamilyMetaPixel:
		return "meta_pixel"
	default:
		return "none"
	}
}

// Classify decides whether a request is a GA4 or Meta Pixel hit and parses
// it. GA4 may batch several events in one POST body, one per line, so a
// request can yield more than one hit.
func Classify(rawURL, method, postData string, ts int64) (Family, []agent.Hit) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return FamilyNone, nil
	}
	family := familyOf(u)
	if family == FamilyNone {
		return FamilyNone, nil
	}

	base := firstValues(u.Query())
	lines := []string{""}
	if postData != "" && !strings.HasPrefix(strings.TrimSpace(postData), "{") {
		lines = strings.Split(strings.TrimSpace(postData), "\n")
	}

	hits := make([]agent.Hit, 0, len(lines))
	for _, line := range lines {
		params := make(map[string]string, len(base))
		for k, v := range base {
			params[k] = v
		}
		if line != "" {
			if body, err := url.ParseQuery(line); err == nil {
				for k, v := range firstValues(body) {
					params[k] = v
				}
			}
		}
		hit := agent.Hit{
			Timestamp: ts,
			URL:       rawURL,
			Method:    method,
			Params:    params,
		}
		switch family {
		case FamilyGA4:
			hit.EventName = params["en"]
			hit.ID = params["tid"]
		case FamilyMetaPixel:
			hit.EventName = params["ev"]
			hit.ID = params["id"]
		}
		hits = append(hits, hit)
	}
	return family, hits
}

func familyOf(u *url.URL) Family {
	host := strings.ToLower(u.Hostname())
	path := strings.TrimSuffix(u.Path, "/")

	switch {
	case strings.HasSuffix(path, "/g/collect"):
		if isGoogleAnalyticsHost(host) || strings.HasPrefix(u.Query().Get("tid"), "G-") {
			return FamilyGA4
		}
	case path == "/mp/collect":
		if isGoogleAnalyticsHost(host) {
			return FamilyGA4
		}
	case path == "/tr":
		if host == "facebook.com" || strings.HasSuffix(host, ".facebook.com") {
			return FamilyMetaPixel
		}
	}
	return FamilyNone
}

func isGoogleAnalyticsHost(host string) bool {
	return host == "google-analytics.com" ||
		strings.HasSuffix(host, ".google-analytics.com") ||
		host == "analytics.google.com"
}

func firstValues(v url.Values) map[string]string {
	out := make(map[string]string, len(v))
	for k, vals := range v {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}
