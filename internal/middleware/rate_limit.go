package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/validq/internal/metrics"
	"github.com/osvaldoandrade/validq/internal/ratelimit"
	"github.com/osvaldoandrade/validq/pkg/config"
)

const HeaderRateLimitRemaining = "X-RateLimit-Remaining"

func RateLimitRequests(lim ratelimit.Limiter, cfg *config.Config) gin.HandlerFunc {
	return rateLimitPrincipal(lim, "requests", cfg.RateLimit.Requests)
}

func RateLimitSubmissions(lim ratelimit.Limiter, cfg *config.Config) gin.HandlerFunc {
	return rateLimitPrincipal(lim, "submissions", cfg.RateLimit.Submissions)
}

func RateLimitDisputes(lim ratelimit.Limiter, cfg *config.Config) gin.HandlerFunc {
	return rateLimitPrincipal(lim, "disputes", cfg.RateLimit.Disputes)
}

// rateLimitPrincipal buckets by authenticated principal, falling back to the
// bearer token when mounted ahead of AuthMiddleware.
func rateLimitPrincipal(lim ratelimit.Limiter, scope string, bucket ratelimit.Bucket) gin.HandlerFunc {
	return func(c *gin.Context) {
		if lim == nil || !bucket.Enabled() {
			c.Next()
			return
		}

		subject := ""
		if p, ok := GetPrincipal(c); ok {
			subject = p.String()
		} else {
			subject = bearerToken(c.GetHeader("Authorization"))
		}
		if subject == "" {
			// Auth middleware will reject; don't rate limit unauthenticated requests here.
			c.Next()
			return
		}

		dec, err := lim.Allow(c.Request.Context(), scope, subject, bucket)
		if err != nil {
			// Fail open to avoid turning Redis hiccups into outages.
			slog.Default().Warn("rate limit check failed", "scope", scope, "err", err)
			c.Next()
			return
		}
		if dec.Allowed {
			if dec.Remaining >= 0 {
				c.Header(HeaderRateLimitRemaining, strconv.Itoa(dec.Remaining))
			}
			c.Next()
			return
		}

		retryAfterSeconds := int(dec.RetryAfter.Seconds())
		if retryAfterSeconds <= 0 {
			retryAfterSeconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		metrics.RateLimitHitsTotal.WithLabelValues(scope, "http").Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":             "rate_limited",
			"message":           "rate limit exceeded",
			"scope":             scope,
			"retryAfterSeconds": retryAfterSeconds,
		})
	}
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
