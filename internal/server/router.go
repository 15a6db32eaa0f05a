package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/propertysync/internal/entities"
	"github.com/MarcoPoloResearchLab/propertysync/internal/remote"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const deviceIDContextKey = "propertysync_device_id"

var (
	errMissingLedger        = errors.New("ledger dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates the bearer tokens accepted by the API.
type TokenManager interface {
	IssueToken(subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the reference server.
type Dependencies struct {
	Ledger       *Ledger
	TokenManager TokenManager
	Logger       *zap.Logger
}

// NewHTTPHandler exposes the ledger over the sync REST contract.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		ledger: deps.Ledger,
		tokens: deps.TokenManager,
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.POST("/entities/:type", handler.handleCreate)
	protected.PUT("/entities/:type/:id", handler.handleUpdate)
	protected.DELETE("/entities/:type/:id", handler.handleDelete)
	protected.GET("/changes", handler.handleChanges)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "If-Match", remote.HeaderDeviceID, remote.HeaderLocalID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	ledger *Ledger
	tokens TokenManager
	logger *zap.Logger
}

type tokenRequestPayload struct {
	DeviceID string `json:"device_id"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleIssueToken hands out device tokens without credentials; the reference server is a dev tool.
func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DeviceID) == "" {
		respondError(c, http.StatusBadRequest, remote.CodeInvalid, "device_id is required", nil)
		return
	}
	token, expiresIn, err := h.tokens.IssueToken(request.DeviceID)
	if err != nil {
		h.logger.Error("failed to issue device token", zap.Error(err))
		respondError(c, http.StatusInternalServerError, remote.CodeInternal, "token issue failed", nil)
		return
	}
	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	entityType, ok := h.entityType(c)
	if !ok {
		return
	}
	payload, err := c.GetRawData()
	if err != nil {
		respondError(c, http.StatusBadRequest, remote.CodeInvalid, "unreadable body", nil)
		return
	}
	deviceID := strings.TrimSpace(c.GetHeader(remote.HeaderDeviceID))
	if deviceID == "" {
		deviceID = c.GetString(deviceIDContextKey)
	}
	localID := strings.TrimSpace(c.GetHeader(remote.HeaderLocalID))

	record, replayed, err := h.ledger.Create(entityType, deviceID, localID, payload)
	if err != nil {
		h.respondLedgerError(c, "create", err)
		return
	}
	if replayed {
		h.logger.Info("replayed create deduplicated",
			zap.String("entity_type", entityType.String()),
			zap.String("local_id", localID),
			zap.String("entity_id", record.ID))
	}
	c.JSON(http.StatusCreated, record)
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	entityType, ok := h.entityType(c)
	if !ok {
		return
	}
	baseVersion, ok := h.baseVersion(c)
	if !ok {
		return
	}
	payload, err := c.GetRawData()
	if err != nil {
		respondError(c, http.StatusBadRequest, remote.CodeInvalid, "unreadable body", nil)
		return
	}
	record, err := h.ledger.Update(entityType, c.Param("id"), baseVersion, payload)
	if err != nil {
		h.respondLedgerError(c, "update", err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	entityType, ok := h.entityType(c)
	if !ok {
		return
	}
	baseVersion, ok := h.baseVersion(c)
	if !ok {
		return
	}
	if err := h.ledger.Delete(entityType, c.Param("id"), baseVersion); err != nil {
		h.respondLedgerError(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	var since time.Time
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, remote.CodeInvalid, "since must be RFC3339", nil)
			return
		}
		since = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(c, http.StatusBadRequest, remote.CodeInvalid, "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	feed, err := h.ledger.Changes(since, c.Query("cursor"), limit)
	if err != nil {
		h.respondLedgerError(c, "changes", err)
		return
	}
	c.JSON(http.StatusOK, feed)
}

func (h *httpHandler) entityType(c *gin.Context) (entities.EntityType, bool) {
	entityType, err := entities.ParseEntityType(c.Param("type"))
	if err != nil {
		respondError(c, http.StatusNotFound, remote.CodeNotFound, err.Error(), nil)
		return "", false
	}
	return entityType, true
}

func (h *httpHandler) baseVersion(c *gin.Context) (int64, bool) {
	raw := strings.Trim(strings.TrimSpace(c.GetHeader("If-Match")), `"`)
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version < 1 {
		respondError(c, http.StatusPreconditionRequired, remote.CodeInvalid, "If-Match must carry the base version", nil)
		return 0, false
	}
	return version, true
}

func (h *httpHandler) respondLedgerError(c *gin.Context, operation string, err error) {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		h.logger.Warn("write rejected: version conflict",
			zap.String("operation", operation),
			zap.String("entity_type", conflict.Current.EntityType.String()),
			zap.String("entity_id", conflict.Current.ID),
			zap.Int64("server_version", conflict.Current.Version),
			zap.Int64("base_version", conflict.BaseVersion))
		current := conflict.Current
		respondError(c, http.StatusConflict, remote.CodeConflict, err.Error(), &current)
	case errors.Is(err, ErrRecordNotFound):
		respondError(c, http.StatusNotFound, remote.CodeNotFound, err.Error(), nil)
	case errors.Is(err, entities.ErrInvalidPayload), errors.Is(err, ErrInvalidCursor):
		respondError(c, http.StatusUnprocessableEntity, remote.CodeInvalid, err.Error(), nil)
	default:
		h.logger.Error("ledger operation failed", zap.String("operation", operation), zap.Error(err))
		respondError(c, http.StatusInternalServerError, remote.CodeInternal, "internal error", nil)
	}
}

func respondError(c *gin.Context, status int, code, message string, current *remote.Record) {
	c.AbortWithStatusJSON(status, remote.ErrorBody{Error: code, Message: message, Current: current})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		respondError(c, http.StatusUnauthorized, remote.CodeUnauthorized, errInvalidAuthorization.Error(), nil)
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		respondError(c, http.StatusUnauthorized, remote.CodeUnauthorized, errInvalidAuthorization.Error(), nil)
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		respondError(c, http.StatusUnauthorized, remote.CodeUnauthorized, "unauthorized", nil)
		return
	}
	c.Set(deviceIDContextKey, subject)
	c.Next()
}
