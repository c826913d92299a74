package management

import (
	"context"

	"github.com/gin-gonic/gin"
)

type contextKey string

const (
	changedByKey contextKey = "changed_by"
	clientIPKey  contextKey = "client_ip"
)

// HeaderUserID names the caller recorded in rule changes and config events.
const HeaderUserID = "X-User-ID"

func WithChangedBy(ctx context.Context, who string) context.Context {
	return context.WithValue(ctx, changedByKey, who)
}

func changedBy(ctx context.Context) string {
	if who, ok := ctx.Value(changedByKey).(string); ok && who != "" {
		return who
	}
	return "system"
}

func clientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// RequestorMiddleware copies the caller id and address onto the request
// context.
func RequestorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := context.WithValue(c.Request.Context(), clientIPKey, c.ClientIP())
		if who := c.GetHeader(HeaderUserID); who != "" {
			ctx = WithChangedBy(ctx, who)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
