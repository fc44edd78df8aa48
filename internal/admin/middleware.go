package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/logging"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
)

const (
	HeaderAdminSecret = "X-Admin-Secret"
	HeaderActorID     = "X-Actor-ID"

	contextKeyActor = "admin_actor"
)

// RequireAdmin authenticates admin callers by shared secret and binds the
// acting administrator from X-Actor-ID. An empty secret disables the API.
// Missing credentials are 401, a wrong secret is 403.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader(HeaderAdminSecret)
		if secret == "" || given == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": ErrUnauthorized.Error(),
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": ErrUnauthorized.Error(),
			})
			return
		}
		actorID := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if actorID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": HeaderActorID + " header is required",
			})
			return
		}
		actor := profile.Admin(actorID)
		c.Set(contextKeyActor, actor)

		ctx := logging.WithLogger(c.Request.Context(), logging.FromContext(c.Request.Context()).With("actor", actor.String()))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ActorFrom returns the administrator bound by RequireAdmin.
func ActorFrom(c *gin.Context) (profile.Actor, bool) {
	v, ok := c.Get(contextKeyActor)
	if !ok {
		return profile.Actor{}, false
	}
	a, ok := v.(profile.Actor)
	return a, ok
}
