package relay

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/avelin/parley/internal/domain"
)

// SetupRouter builds the relay's HTTP surface: credential issuance,
// the websocket endpoint, a rooms listing and prometheus metrics.
func SetupRouter(ctx context.Context, mode string, hub *Hub, issuer *Issuer) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ctl := &Controller{Hub: hub, Issuer: issuer}

	api := r.Group("/api")

	api.POST("/token", func(c *gin.Context) {
		var req struct {
			Room string `json:"room" binding:"required"`
			User string `json:"user" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token := issuer.Issue(domain.RoomID(req.Room), domain.UserID(req.User))
		tokensIssued.Inc()
		log.Info().Str("module", "relay.http").Str("room", req.Room).Str("user", req.User).Msg("token issued")
		c.JSON(http.StatusOK, gin.H{"token": token})
	})

	api.GET("/ws/:room", func(c *gin.Context) {
		ctl.HandleWS(ctx, c)
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, hub.List())
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
