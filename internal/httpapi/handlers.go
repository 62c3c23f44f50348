package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"alex/internal/dispatch"
	alexerrors "alex/internal/errors"
	"alex/internal/hub"
	"alex/internal/logging"
	"alex/internal/worker/interp"
	"alex/internal/worker/model"
)

type handlers struct {
	deps   Deps
	logger logging.Logger
}

// triggerRequest mirrors spec.md section 6's trigger body:
// {tags, worker, exeId?}.
type triggerRequest struct {
	Tags   []string          `json:"tags"`
	Worker model.WorkerConfig `json:"worker"`
	ExeID  string            `json:"exeId"`
}

// trigger implements POST /api/tenants/{tenantId}/workers/{workerId}/trigger.
// It responds with {executionId} immediately; execution proceeds in the
// background via the Dispatcher.
func (h *handlers) trigger(c *gin.Context) {
	tenantID := c.Param("tenantId")
	bearer := bearerToken(c.GetHeader("Authorization"))
	if bearer == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Worker.TenantID = tenantID

	triggeredBy, triggeredByID := c.GetHeader("X-Triggered-By"), c.GetHeader("X-Triggered-By-Id")
	if h.deps.Users != nil && triggeredByID != "" {
		if user, err := h.deps.Users.ResolveUser(c.Request.Context(), tenantID, triggeredByID, bearer); err != nil {
			h.logger.Warn("httpapi: resolve triggering user %s failed, falling back to request headers: %v", triggeredByID, err)
		} else {
			triggeredBy, triggeredByID = user.Name, user.ID
		}
	}

	executionID, err := h.deps.Dispatcher.Trigger(c.Request.Context(), dispatch.TriggerRequest{
		TenantID:      tenantID,
		TriggeredBy:   triggeredBy,
		TriggeredByID: triggeredByID,
		AuthToken:     bearer,
		ExecutionID:   req.ExeID,
		Config:        req.Worker,
		Tags:          req.Tags,
		Deps:          h.deps.InvocationDeps,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executionId": executionID})
}

// resumeRequest mirrors spec.md section 6's resume body: {token, customOutput}.
type resumeRequest struct {
	Token        string `json:"token"`
	CustomOutput any    `json:"customOutput"`
}

// resume implements POST /api/resume: validates the wait token, rehydrates
// the paused Invocation, and continues traversal from its next.true
// branch.
func (h *handlers) resume(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, err := h.deps.Signer.Parse(req.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	snapshot, err := h.deps.Persist.Load(c.Request.Context(), claims.RunID, claims.Auth)
	if err != nil {
		writeError(c, err)
		return
	}

	inv := interp.FromSnapshot(snapshot, h.deps.InvocationDeps)
	if err := inv.Resume(c.Request.Context(), req.CustomOutput); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

// cancelRequest mirrors spec.md section 6's cancel body: {token, message}.
type cancelRequest struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

// cancel implements POST /api/cancel: only a Waiting invocation may be
// cancelled this way (spec.md section 5) — Running invocations run to
// completion or failure on their own.
func (h *handlers) cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, err := h.deps.Signer.Parse(req.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	snapshot, err := h.deps.Persist.Load(c.Request.Context(), claims.RunID, claims.Auth)
	if err != nil {
		writeError(c, err)
		return
	}

	inv := interp.FromSnapshot(snapshot, h.deps.InvocationDeps)
	if inv.State != interp.StateWaiting {
		c.JSON(http.StatusConflict, gin.H{"error": "invocation is not waiting"})
		return
	}
	if err := inv.Cancel(c.Request.Context(), req.Message); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// websocket implements GET /ws/{executionId}: strictly outbound except
// ping/pong, per spec.md section 4.F's session protocol.
func (h *handlers) websocket(c *gin.Context) {
	exeID := c.Param("executionId")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("httpapi: websocket upgrade failed for %s: %v", exeID, err)
		return
	}

	session := hub.NewSession(h.deps.Hub, conn, h.logger)
	session.Attach(c.Request.Context(), exeID)
	session.ReadLoop()
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func writeError(c *gin.Context, err error) {
	switch err.(type) {
	case *alexerrors.NotFoundError:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case *alexerrors.ConflictError:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case *alexerrors.AuthError:
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case *alexerrors.ConfigError:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
