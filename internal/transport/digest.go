package transport

import (
	"crypto/md5"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// digestState holds the RFC 2617 challenge parameters for one Client's
// lifetime. A client replays a request exactly once after a 401 carrying a
// WWW-Authenticate: Digest challenge, then reuses the nonce/
// cnonce/nc counter for every subsequent request until the server issues a
// fresh challenge (another 401).
type digestState struct {
	mu sync.Mutex

	challenged bool
	realm      string
	nonce      string
	opaque     string
	algorithm  string // MD5 or MD5-sess
	qop        string // "auth" when offered, else ""
	nc         uint32
	cnonce     string
}

// absorbChallenge parses a WWW-Authenticate header and records its
// parameters for future requests. Returns false if the header isn't a
// Digest challenge, in which case the caller has nothing further to retry.
func (d *digestState) absorbChallenge(header string) bool {
	if header == "" || !strings.HasPrefix(strings.ToLower(header), "digest ") {
		return false
	}
	params := parseDigestParams(header[len("Digest "):])

	d.mu.Lock()
	defer d.mu.Unlock()
	d.challenged = true
	d.realm = params["realm"]
	d.nonce = params["nonce"]
	d.opaque = params["opaque"]
	d.algorithm = params["algorithm"]
	if d.algorithm == "" {
		d.algorithm = "MD5"
	}
	qops := strings.Split(params["qop"], ",")
	for _, q := range qops {
		if strings.TrimSpace(q) == "auth" {
			d.qop = "auth"
			break
		}
	}
	d.nc = 0
	d.cnonce = fmt.Sprintf("%08x", md5.Sum([]byte(d.nonce+strconv.FormatInt(int64(len(d.realm)), 10))))[:16]
	return true
}

// authorizationHeader computes the Authorization header value for the given
// method/URI using the currently held challenge state, incrementing the
// nonce-count for this request.
func (d *digestState) authorizationHeader(method, uri string, creds Credentials) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nc++
	nc := fmt.Sprintf("%08x", d.nc)

	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", creds.Username, d.realm, creds.Password))
	if strings.EqualFold(d.algorithm, "MD5-sess") {
		ha1 = md5Hex(fmt.Sprintf("%s:%s:%s", ha1, d.nonce, d.cnonce))
	}
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))

	var response string
	if d.qop == "auth" {
		response = md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, d.nonce, nc, d.cnonce, d.qop, ha2))
	} else {
		response = md5Hex(fmt.Sprintf("%s:%s:%s", ha1, d.nonce, ha2))
	}

	b := &strings.Builder{}
	fmt.Fprintf(b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		creds.Username, d.realm, d.nonce, uri, response)
	if d.opaque != "" {
		fmt.Fprintf(b, `, opaque="%s"`, d.opaque)
	}
	if d.algorithm != "" {
		fmt.Fprintf(b, `, algorithm=%s`, d.algorithm)
	}
	if d.qop == "auth" {
		fmt.Fprintf(b, `, qop=%s, nc=%s, cnonce="%s"`, d.qop, nc, d.cnonce)
	}
	return b.String()
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum)
}

// parseDigestParams splits a comma-separated key=value (optionally quoted)
// list as found in a WWW-Authenticate: Digest header.
func parseDigestParams(s string) map[string]string {
	out := map[string]string{}
	for _, part := range splitDigestParams(s) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		out[k] = v
	}
	return out
}

// splitDigestParams splits on commas that are not inside a quoted value.
func splitDigestParams(s string) []string {
	var parts []string
	inQuotes := false
	start := 0
	for i, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}
