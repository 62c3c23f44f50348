// Package httpapi implements the four inbound endpoints described in
// spec.md section 6: trigger, resume, cancel, and the live-update
// websocket. The teacher's go.mod declares github.com/gin-gonic/gin and
// github.com/gin-contrib/cors but its own router (internal/delivery/
// server/http.NewRouter) is built directly on net/http's ServeMux — this
// package gives those two declared-but-unwired dependencies a concrete
// home instead of dropping them.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"alex/internal/dispatch"
	"alex/internal/hub"
	"alex/internal/logging"
	"alex/internal/persist"
	"alex/internal/worker/interp"
)

// UserResolver is the client side of spec.md section 6's "Resolve
// triggering user" outbound dependency.
type UserResolver interface {
	ResolveUser(ctx context.Context, tenantID, userID, bearer string) (*persist.TriggeringUser, error)
}

// Deps bundles the collaborators the HTTP handlers need.
type Deps struct {
	Dispatcher     *dispatch.Dispatcher
	Signer         *dispatch.TokenSigner
	Persist        interp.Persister
	Users          UserResolver
	InvocationDeps interp.Deps
	Hub            *hub.Hub
	Logger         logging.Logger
}

// Config controls the router's CORS allowed origins.
type Config struct {
	AllowedOrigins []string
}

// NewRouter builds the gin engine with every route from spec.md section 6
// wired to handlers, CORS applied the way gin-contrib/cors's
// cors.New(cors.Config{...}) documents.
func NewRouter(deps Deps, cfg Config) http.Handler {
	logger := logging.OrNop(deps.Logger)
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))

	corsConfig := cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}
	engine.Use(cors.New(corsConfig))

	h := &handlers{deps: deps, logger: logger}

	engine.POST("/api/tenants/:tenantId/workers/:workerId/trigger", h.trigger)
	engine.POST("/api/resume", h.resume)
	engine.POST("/api/cancel", h.cancel)
	engine.GET("/ws/:executionId", h.websocket)

	return engine
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("httpapi %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
