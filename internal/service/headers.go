package service

import (
	"net/http"
	"net/textproto"
	"strings"
)

// hopByHopHeaders describe a single connection and are never forwarded
// (RFC 7230 section 6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardingHeaders are the CDN and browser headers removed when
// proxy.strip_forwarding_headers is enabled. Some upstreams reject requests
// carrying them.
var forwardingHeaders = []string{
	"CF-IPCountry",
	"X-Forwarded-For",
	"CF-RAY",
	"X-Forwarded-Proto",
	"CF-Visitor",
	"Sec-CH-UA",
	"Sec-CH-UA-Mobile",
	"User-Agent",
	"Origin",
	"Sec-Fetch-Site",
	"Sec-Fetch-Mode",
	"Sec-Fetch-Dest",
	"Referer",
	"CF-Connecting-IP",
	"CDN-Loop",
}

// removeHopByHop deletes hop-by-hop headers from h, including any header
// named in a Connection header.
func removeHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

// stripList builds the set of request headers to drop before forwarding.
func stripList(stripForwarding bool, extra []string) []string {
	var out []string
	if stripForwarding {
		out = append(out, forwardingHeaders...)
	}
	for _, h := range extra {
		out = append(out, http.CanonicalHeaderKey(h))
	}
	return out
}
