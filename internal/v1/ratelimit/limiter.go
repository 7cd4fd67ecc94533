// Package ratelimit throttles WebSocket connection attempts per client IP,
// backed by Redis so the limit holds across gateways.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/meshdocs/meshdocs/internal/v1/logging"
	"github.com/meshdocs/meshdocs/internal/v1/metrics"
)

// Limiter enforces the per-IP WebSocket connect rate.
type Limiter struct {
	wsIP *limiter.Limiter
}

// New builds a Limiter from a formatted rate such as "100-M". When rdb is nil
// the limiter falls back to an in-memory store, which is only correct for a
// single gateway.
func New(rate string, rdb redis.UniversalClient) (*Limiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket IP rate: %w", err)
	}

	var store limiter.Store
	if rdb != nil {
		store, err = sredis.NewStoreWithOptions(rdb, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-memory store")
	}

	return &Limiter{wsIP: limiter.New(store, wsIPRate)}, nil
}

// AllowWebSocket reports whether a connection attempt from this client may
// proceed. On rejection it writes the 429 response itself. Store failures
// fail open.
func (rl *Limiter) AllowWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ipContext, err := rl.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.Error(err))
		return true
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(ipContext.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(ipContext.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(ipContext.Reset, 10))

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ip").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this IP"})
		return false
	}
	return true
}
