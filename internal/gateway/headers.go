package gateway

import "net/http"

// Fixed header set for upstream CDN traffic. The origin/referer/user-agent
// must match the legitimate web player or the CDN rejects the request.
const (
	PlayerOrigin    = "https://watch.tataplay.com"
	PlayerReferer   = "https://watch.tataplay.com/"
	PlayerUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36"
	ForwardedFor    = "59.178.74.184"
)

// cdnHeaders returns the header set applied to every outbound segment, init
// segment, and manifest fetch.
func cdnHeaders() http.Header {
	h := make(http.Header)
	h.Set("Accept-Encoding", "identity")
	h.Set("Connection", "Keep-Alive")
	h.Set("Origin", PlayerOrigin)
	h.Set("Referer", PlayerReferer)
	h.Set("User-Agent", PlayerUserAgent)
	h.Set("X-Forwarded-For", ForwardedFor)
	return h
}

// licenseForwardAllowList is the subset of client request headers relayed to
// the license upstream.
var licenseForwardAllowList = []string{
	"Accept",
	"Accept-Encoding",
	"Content-Type",
	"Origin",
	"Referer",
	"User-Agent",
	"X-Forwarded-For",
}
