package mcptool

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerAgentID   = "x-agent-id"
	headerTS        = "x-ts"
	headerNonce     = "x-nonce"
	headerSignature = "x-signature"

	// Requests signed further than this from the server clock are refused.
	clockSkew = 5 * time.Minute
)

// canonicalRequest is the string a client signs. The nonce makes two
// otherwise identical commands sent in the same millisecond distinguishable.
func canonicalRequest(ts, method, path, agentID, nonce string, body []byte) string {
	var b strings.Builder
	b.Grow(len(ts) + len(path) + len(agentID) + len(nonce) + len(body) + 16)
	b.WriteString(ts)
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strings.TrimSpace(agentID))
	b.WriteByte('\n')
	b.WriteString(strings.TrimSpace(nonce))
	b.WriteByte('\n')
	b.Write(body)
	return b.String()
}

// Sign returns the hex HMAC-SHA256 of canonical under secret.
func Sign(secret []byte, canonical string) string {
	h := hmac.New(sha256.New, secret)
	_, _ = h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

// SignRequest sets the auth headers on r for body. Used by cmd/bot and tests.
func SignRequest(r *http.Request, body []byte, secret []byte, agentID, nonce string, now time.Time) {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	r.Header.Set(headerAgentID, agentID)
	r.Header.Set(headerTS, ts)
	r.Header.Set(headerNonce, nonce)
	r.Header.Set(headerSignature, Sign(secret, canonicalRequest(ts, r.Method, r.URL.Path, agentID, nonce, body)))
}

type verifyResult struct {
	Agent     string
	Signature string
	Status    int
	Message   string
}

func (v verifyResult) ok() bool { return v.Status == 0 }

func verifyRequest(r *http.Request, body []byte, secret []byte, now time.Time) verifyResult {
	agent := strings.TrimSpace(r.Header.Get(headerAgentID))
	if agent == "" {
		return verifyResult{Status: http.StatusUnauthorized, Message: "missing x-agent-id"}
	}
	ts := strings.TrimSpace(r.Header.Get(headerTS))
	if ts == "" {
		return verifyResult{Status: http.StatusUnauthorized, Message: "missing x-ts"}
	}
	nonce := strings.TrimSpace(r.Header.Get(headerNonce))
	if nonce == "" {
		return verifyResult{Status: http.StatusUnauthorized, Message: "missing x-nonce"}
	}
	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(headerSignature)))
	if sig == "" {
		return verifyResult{Status: http.StatusUnauthorized, Message: "missing x-signature"}
	}

	tsMS, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return verifyResult{Status: http.StatusUnauthorized, Message: "bad x-ts"}
	}
	skew := now.Sub(time.UnixMilli(tsMS))
	if skew > clockSkew || skew < -clockSkew {
		return verifyResult{Status: http.StatusUnauthorized, Message: "x-ts outside window"}
	}

	want := Sign(secret, canonicalRequest(ts, r.Method, r.URL.Path, agent, nonce, body))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return verifyResult{Status: http.StatusUnauthorized, Message: "bad signature"}
	}
	return verifyResult{Agent: agent, Signature: sig}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// IsLoopbackListenAddress reports whether addr only binds a loopback host.
// An empty host (":8081") binds every interface and is not loopback.
func IsLoopbackListenAddress(addr string) bool {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if host == "" {
		return false
	}
	return isLoopbackRemote(host)
}
