package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/ws/room-1", nil)
	c.Request.RemoteAddr = "203.0.113.7:52100"
	return c, w
}

func TestNew_RejectsBadRate(t *testing.T) {
	_, err := New("lots", nil)
	assert.Error(t, err)
}

func TestAllowWebSocket_UnderLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, err := New("100-M", nil)
	require.NoError(t, err)

	c, w := wsContext(t)
	assert.True(t, rl.AllowWebSocket(c))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
}

func TestAllowWebSocket_RejectsOverLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, err := New("2-M", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		c, _ := wsContext(t)
		require.True(t, rl.AllowWebSocket(c))
	}

	c, w := wsContext(t)
	assert.False(t, rl.AllowWebSocket(c))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAllowWebSocket_LimitsPerIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, err := New("1-M", nil)
	require.NoError(t, err)

	c, _ := wsContext(t)
	require.True(t, rl.AllowWebSocket(c))

	// A different client IP has its own budget.
	c2, _ := wsContext(t)
	c2.Request.RemoteAddr = "198.51.100.9:40000"
	assert.True(t, rl.AllowWebSocket(c2))
}
