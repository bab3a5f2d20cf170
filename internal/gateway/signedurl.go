package gateway

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Signed upstream URLs carry their own access-control window in the query
// string: either a flat exp parameter, or a composite hdntl token whose value
// is itself a parameter list delimited by '~' instead of '&'.

const compositeTokenParam = "hdntl"

var channelPattern = regexp.MustCompile(`/irdeto_com_Channel_(\d+)/`)

// EmbeddedExpiry extracts the Unix expiry instant encoded in rawURL's query
// parameters. A present hdntl token is authoritative over a flat exp
// parameter, even when its value is empty. ok is false when no expiry is
// resolvable, which callers must treat as expired.
func EmbeddedExpiry(rawURL string) (int64, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, false
	}
	q := u.Query()

	var expStr string
	if token, ok := q[compositeTokenParam]; ok {
		sub, err := url.ParseQuery(strings.ReplaceAll(token[0], "~", "&"))
		if err != nil {
			return 0, false
		}
		expStr = sub.Get("exp")
	} else {
		expStr = q.Get("exp")
	}
	if expStr == "" {
		return 0, false
	}

	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return exp, true
}

// URLValid reports whether rawURL's embedded expiry is strictly in the
// future. URLs without a resolvable expiry are invalid: forcing re-resolution
// is cheaper than serving a signature of unknown lifetime.
func URLValid(rawURL string, now time.Time) bool {
	exp, ok := EmbeddedExpiry(rawURL)
	return ok && now.Unix() < exp
}

// ChannelFromToken recovers the true channel id from an hdntl access token.
// The token scopes a path of the form .../irdeto_com_Channel_<digits>/...;
// its internal '~' delimiter is normalized first. The client-visible path id
// is never an acceptable substitute: it may be stale relative to the token.
func ChannelFromToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	m := channelPattern.FindStringSubmatch(strings.ReplaceAll(token, "~", "&"))
	if m == nil {
		return "", false
	}
	return m[1], true
}
