package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPRateLimiter_BudgetExhaustion(t *testing.T) {
	l := newIPRateLimiter(5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("10.0.0.1"), "budget exhausted")

	// Limits are per IP.
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.168.1.9:54321"
	assert.Equal(t, "192.168.1.9", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.4, 10.0.0.1")
	assert.Equal(t, "203.0.113.4", clientIP(r), "first forwarded hop wins")

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	bare.RemoteAddr = "unix-socket"
	assert.Equal(t, "unix-socket", clientIP(bare))
}

func TestIDPattern(t *testing.T) {
	for _, valid := range []string{"robot-1", "ROBOT_2", "a", "x1-y2_z3"} {
		assert.True(t, idPattern.MatchString(valid), "id %q", valid)
	}
	for _, invalid := range []string{"", "robot 1", "robot/1", "id;drop", strings.Repeat("a", 65)} {
		assert.False(t, idPattern.MatchString(invalid), "id %q", invalid)
	}
}

func TestBoundedIntParam(t *testing.T) {
	v, ok := boundedIntParam("", 1, 500, 50)
	assert.True(t, ok)
	assert.Equal(t, 50, v, "empty uses fallback")

	v, ok = boundedIntParam("200", 1, 500, 50)
	assert.True(t, ok)
	assert.Equal(t, 200, v)

	for _, raw := range []string{"0", "501", "-1", "abc", "1.5"} {
		_, ok = boundedIntParam(raw, 1, 500, 50)
		assert.False(t, ok, "input %q", raw)
	}
}

func TestAuthorized(t *testing.T) {
	open := &Server{cfg: ServerConfig{}}
	r := httptest.NewRequest(http.MethodGet, "/api/v1/metrics/fleet", nil)
	assert.True(t, open.authorized(r), "no key configured means open access")

	locked := &Server{cfg: ServerConfig{APIKey: "sekrit"}}
	assert.False(t, locked.authorized(r))

	r.Header.Set("X-Api-Key", "wrong")
	assert.False(t, locked.authorized(r))

	r.Header.Set("X-Api-Key", "sekrit")
	assert.True(t, locked.authorized(r))
}
