package transport

import (
	"math"
	"net/url"
	"strconv"
	"strings"
)

// BuildURL constructs the connect URL for a terminal attachment.
//
// Scheme is wss iff the origin is secure, host is taken verbatim, the PTY ID
// is percent-encoded into the path, and the working directory is
// percent-encoded into the query. The cursor parameter is appended only when
// a finite cursor >= 0 was supplied; it is floored to an integer.
func BuildURL(secure bool, host, workingDir, ptyID string, cur *float64) string {
	var b strings.Builder
	if secure {
		b.WriteString("wss://")
	} else {
		b.WriteString("ws://")
	}
	b.WriteString(host)
	b.WriteString("/api/opencode/pty/")
	b.WriteString(url.PathEscape(ptyID))
	b.WriteString("/connect?workingDirectory=")
	b.WriteString(url.QueryEscape(workingDir))

	if cur != nil && !math.IsNaN(*cur) && !math.IsInf(*cur, 0) && *cur >= 0 {
		b.WriteString("&cursor=")
		b.WriteString(strconv.FormatInt(int64(math.Floor(*cur)), 10))
	}

	return b.String()
}
