package server

import (
	"net/http"
	"net/url"
	"strings"
)

// DefaultSpace is used when the sp query parameter is missing or empty.
const DefaultSpace = "a"

// UpgradeContext is what the upgrade gate hands to the Manager for a new
// connection.
type UpgradeContext struct {
	URL    string
	Params map[string]string
	Space  string
	Origin string
	Href   string
	Host   string
}

// ParseUpgrade extracts the connection parameters from a handshake request.
// It never fails: missing or malformed values fall back to defaults.
func ParseUpgrade(r *http.Request) UpgradeContext {
	path := r.URL.Path
	rawQuery := r.URL.RawQuery
	origin := r.Header.Get("Origin")
	params := parseQuery(rawQuery)

	space := strings.ToLower(params["sp"])
	if space == "" {
		space = DefaultSpace
	}

	return UpgradeContext{
		URL:    path,
		Params: params,
		Space:  space,
		Origin: origin,
		Href:   origin + path + "?" + rawQuery,
		Host:   hostFromOrigin(origin),
	}
}

// parseQuery splits a raw query into key/value pairs. Later duplicates
// overwrite earlier ones. A value ends at the next "=", so "sp=x=y" yields
// "x". Values that fail to unescape are kept verbatim.
func parseQuery(raw string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		fields := strings.Split(part, "=")
		value := ""
		if len(fields) > 1 {
			value = fields[1]
		}
		params[unescape(fields[0])] = unescape(value)
	}
	return params
}

func unescape(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}
