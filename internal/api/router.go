package api

import (
	"errors"
	"net/http"
	"strconv"

	"maidan-service/internal/middleware"
	"maidan-service/internal/service"
	"maidan-service/internal/ws"
	appErr "maidan-service/pkg/errors"
	"maidan-service/pkg/response"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	services *service.Container
	hub      *ws.Hub
}

func RegisterRoutes(r *gin.Engine, services *service.Container, hub *ws.Hub) {
	handler := &Handler{services: services, hub: hub}
	wsHandler := ws.NewHandler(services.Queue, services.Handshake, hub)

	r.GET("/healthz", func(c *gin.Context) {
		response.Success(c, gin.H{"status": "ok"})
	})

	r.GET("/ws/matchmaking", wsHandler.HandleMatchmakingWS)

	v1 := r.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/register", handler.Register)
			authGroup.POST("/login", handler.Login)
		}

		queueGroup := v1.Group("/queue")
		queueGroup.Use(middleware.AuthRequired())
		{
			queueGroup.GET("/status", handler.QueueStatus)
		}

		matchGroup := v1.Group("/matches")
		matchGroup.Use(middleware.AuthRequired())
		{
			matchGroup.GET("", handler.ListMatches)
		}
	}
}

type credentialsRequest struct {
	Username    string `json:"username" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"displayName"`
}

func (h *Handler) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.services.Auth.Register(c.Request.Context(), req.Username, req.Password, req.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, appErr.ErrUserExists):
			response.Error(c, http.StatusConflict, err.Error())
		case errors.Is(err, appErr.ErrInvalidCredentials):
			response.Error(c, http.StatusBadRequest, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, "registration failed")
		}
		return
	}
	response.Success(c, user)
}

func (h *Handler) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.services.Auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, appErr.ErrInvalidCredentials), errors.Is(err, appErr.ErrUnauthorized):
			response.Error(c, http.StatusUnauthorized, "invalid username or password")
		default:
			response.Error(c, http.StatusInternalServerError, "login failed")
		}
		return
	}
	response.Success(c, result)
}

// QueueStatus reports whether the caller's live connection currently
// waits in a bucket or holds a pending slot.
func (h *Handler) QueueStatus(c *gin.Context) {
	userID := c.GetInt64(middleware.ContextUserIDKey)

	connID, ok := h.hub.ConnIDForUser(userID)
	if !ok {
		response.Success(c, gin.H{"status": "idle"})
		return
	}

	status, err := h.services.Queue.Status(c.Request.Context(), connID)
	if err != nil {
		response.Error(c, http.StatusServiceUnavailable, "queue status unavailable")
		return
	}
	response.Success(c, status)
}

func (h *Handler) ListMatches(c *gin.Context) {
	userID := c.GetInt64(middleware.ContextUserIDKey)

	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "pageSize", 20)

	result, err := h.services.Match.ListForUser(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to list matches")
		return
	}
	response.Success(c, result)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw, ok := c.GetQuery(key)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
