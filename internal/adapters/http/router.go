package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Telecall/internal/adapters/signal"
	"github.com/dkeye/Telecall/internal/app/orch"
	"github.com/dkeye/Telecall/internal/domain"
)

func newEngine(mode string) *gin.Engine {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	return r
}

// bearerToken reads the token query parameter, then the Authorization header.
func bearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	h := c.GetHeader("Authorization")
	if t, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return ""
}

// TokenMiddleware resolves the bearer token to a configured user.
func TokenMiddleware(resolve func(token string) (domain.User, bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := resolve(bearerToken(c))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(signal.UserKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) domain.User {
	return c.MustGet(signal.UserKey).(domain.User)
}

// SetupRelayRouter serves the socket endpoint and the chat history API.
func SetupRelayRouter(ctx context.Context, mode string, o *orch.Orchestrator, ctl *signal.SignalWSController) *gin.Engine {
	r := newEngine(mode)
	auth := TokenMiddleware(o.Registry.ResolveToken)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online": len(o.Registry.Online())})
	})

	r.GET("/ws", auth, func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	api := r.Group("/api", auth)
	api.GET("/chat/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, o.RoomsFor(currentUser(c).ID))
	})
	api.GET("/chat/rooms/:id/messages", func(c *gin.Context) {
		msgs, err := o.History(currentUser(c).ID, domain.RoomID(c.Param("id")))
		switch {
		case errors.Is(err, orch.ErrUnknownRoom):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, orch.ErrNotMember):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusOK, msgs)
		}
	})

	log.Info().Str("module", "adapters.http").Msg("relay router setup")
	return r
}
