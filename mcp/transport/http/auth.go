package http

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const bearerPrefix = "bearer "

// Decision is the outcome of an access check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// AccessGate is the token-based authorization filter applied before routing.
// An empty token disables the gate entirely.
type AccessGate struct {
	token string
}

func NewAccessGate(token string) *AccessGate {
	return &AccessGate{token: token}
}

func (g *AccessGate) Enabled() bool {
	return g.token != ""
}

// Check decides whether the request may proceed. Preflight probes and
// operational endpoints are always allowed; the caller is responsible for
// emitting the JSON-RPC-shaped 401 body on deny.
func (g *AccessGate) Check(r *http.Request) Decision {
	if r.Method == http.MethodOptions {
		return allow()
	}
	if r.URL.Path == healthPath || r.URL.Path == readyPath {
		return allow()
	}
	if !g.Enabled() {
		return allow()
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return deny("missing credentials")
	}

	candidate := header
	if len(header) >= len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		candidate = strings.TrimSpace(header[len(bearerPrefix):])
	}

	if subtle.ConstantTimeCompare([]byte(candidate), []byte(g.token)) != 1 {
		return deny("invalid credentials")
	}
	return allow()
}
