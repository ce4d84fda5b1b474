package api

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"companionchat/internal/auth"
	"companionchat/internal/chat"
	"companionchat/internal/device"
	"companionchat/internal/entitlement"
	"companionchat/internal/models"
	"companionchat/internal/service/backend"
	"companionchat/internal/service/catalog"
	"companionchat/internal/worker"
)

const (
	deviceHeader     = "X-Device-ID"
	deviceContextKey = "device"
)

// Users is the account side of the backend.
type Users interface {
	RegisterUser(ctx context.Context, username, password string) (*models.Profile, error)
	LoadProfile(ctx context.Context, userID int64) (*models.Profile, error)
	DeleteUser(ctx context.Context, id int64) error
}

// SendQueue runs send attempts asynchronously.
type SendQueue interface {
	Send(ctx context.Context, key string, attempt worker.Runner) (<-chan worker.Outcome, error)
}

// Handler wires HTTP routes to the per-device chat runtime.
type Handler struct {
	users   Users
	auth    *auth.Service
	devices *device.Registry
	catalog *catalog.Catalog
	sends   SendQueue
}

// NewHandler constructs a Handler instance.
func NewHandler(users Users, authService *auth.Service, devices *device.Registry, characters *catalog.Catalog, sends SendQueue) *Handler {
	return &Handler{
		users:   users,
		auth:    authService,
		devices: devices,
		catalog: characters,
		sends:   sends,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.POST("/device", h.createDevice)
	api.POST("/users/register", h.registerUser)
	api.DELETE("/users/me", h.auth.Middleware(), h.deleteUser)
	api.GET("/characters", h.listCharacters)

	dev := api.Group("")
	dev.Use(h.requireDevice())
	dev.POST("/device/guest", h.enterGuestMode)
	dev.POST("/device/signin", h.signIn)
	dev.POST("/device/resume", h.auth.Middleware(), h.resume)
	dev.POST("/device/signout", h.signOut)
	dev.GET("/device/entitlement", h.getEntitlement)
	dev.POST("/device/credits/spend", h.spendCredits)
	dev.POST("/device/credits/grant", h.grantCredits)
	dev.POST("/device/subscription", h.setSubscription)
	dev.GET("/guest/sessions", h.listGuestSessions)

	chars := dev.Group("/characters/:id")
	chars.POST("/session", h.openSession)
	chars.POST("/session/retry", h.retrySession)
	chars.DELETE("/session", h.closeSession)
	chars.GET("/messages", h.getMessages)
	chars.POST("/messages", h.sendMessage)
	chars.POST("/media", h.stageMedia)
	chars.DELETE("/media", h.cancelMedia)
}

// requireDevice resolves the X-Device-ID header to the device runtime.
func (h *Handler) requireDevice() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(deviceHeader))
		id, err := uuid.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "valid " + deviceHeader + " header required"})
			return
		}
		c.Set(deviceContextKey, h.devices.Get(c.Request.Context(), id.String()))
		c.Next()
	}
}

func deviceFrom(c *gin.Context) *device.Device {
	return c.MustGet(deviceContextKey).(*device.Device)
}

func (h *Handler) createDevice(c *gin.Context) {
	id := uuid.NewString()
	d := h.devices.Get(c.Request.Context(), id)
	c.JSON(http.StatusCreated, gin.H{
		"device_id":   id,
		"entitlement": entitlementView(d),
	})
}

type entitlementResponse struct {
	models.Entitlement
	CanSendFreeMessage bool `json:"can_send_free_message"`
}

func entitlementView(d *device.Device) entitlementResponse {
	return entitlementResponse{
		Entitlement:        d.Store.Snapshot(),
		CanSendFreeMessage: d.Store.CanSendFreeMessage(),
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	profile, err := h.users.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         profile.UserID,
		"username":   profile.Username,
		"created_at": profile.CreatedAt,
	})
}

func (h *Handler) deleteUser(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.users.DeleteUser(c.Request.Context(), userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listCharacters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"characters": h.catalog.List()})
}

func (h *Handler) enterGuestMode(c *gin.Context) {
	d := deviceFrom(c)
	d.EnterGuestMode(c.Request.Context())
	c.JSON(http.StatusOK, entitlementView(d))
}

func (h *Handler) signIn(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	d := deviceFrom(c)
	snap, err := d.SignIn(c.Request.Context(), entitlement.Credential{Username: req.Username, Password: req.Password})
	if err != nil {
		if errors.Is(err, backend.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := h.auth.IssueToken(c.Request.Context(), snap.Principal.UserID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", snap.Principal.UserID).Msg("issue token failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"auth_token":  token,
		"entitlement": entitlementView(d),
	})
}

// resume adopts the principal of a bearer token on this device.
func (h *Handler) resume(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	profile, err := h.users.LoadProfile(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	d := deviceFrom(c)
	d.Resume(c.Request.Context(), profile)
	c.JSON(http.StatusOK, entitlementView(d))
}

func (h *Handler) signOut(c *gin.Context) {
	if token := h.auth.BearerToken(c); token != "" {
		if err := h.auth.RevokeToken(c.Request.Context(), token); err != nil {
			log.Warn().Err(err).Msg("revoke token on sign-out failed")
		}
	}
	d := deviceFrom(c)
	d.SignOut(c.Request.Context())
	c.JSON(http.StatusOK, entitlementView(d))
}

func (h *Handler) getEntitlement(c *gin.Context) {
	c.JSON(http.StatusOK, entitlementView(deviceFrom(c)))
}

type amountRequest struct {
	Amount int `json:"amount"`
}

func (h *Handler) spendCredits(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}
	d := deviceFrom(c)
	if !d.Store.DecrementCredits(c.Request.Context(), req.Amount) {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":       "insufficient credits",
			"entitlement": entitlementView(d),
		})
		return
	}
	c.JSON(http.StatusOK, entitlementView(d))
}

func (h *Handler) grantCredits(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}
	d := deviceFrom(c)
	if _, err := d.Store.GrantCredits(c.Request.Context(), req.Amount); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entitlementView(d))
}

func (h *Handler) setSubscription(c *gin.Context) {
	var req struct {
		Subscribed bool `json:"subscribed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	d := deviceFrom(c)
	if _, err := d.Store.SetSubscribed(c.Request.Context(), req.Subscribed); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entitlementView(d))
}

func (h *Handler) listGuestSessions(c *gin.Context) {
	d := deviceFrom(c)
	if d.Store.Principal().Kind != models.Guest {
		c.JSON(http.StatusForbidden, gin.H{"error": "guest mode required"})
		return
	}
	records, err := d.Guests.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = make([]models.GuestSessionRecord, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": records})
}

type timelineResponse struct {
	CharacterID string               `json:"character_id"`
	Messages    []models.ChatMessage `json:"messages"`
	StagedMedia *models.StagedMedia  `json:"staged_media,omitempty"`
	LoadError   string               `json:"load_error,omitempty"`
}

func timelineView(s *chat.Session) timelineResponse {
	resp := timelineResponse{
		CharacterID: s.Character().ID,
		Messages:    s.Timeline(),
		StagedMedia: s.StagedMedia(),
	}
	if resp.Messages == nil {
		resp.Messages = make([]models.ChatMessage, 0)
	}
	if err := s.LoadError(); err != nil {
		resp.LoadError = err.Error()
	}
	return resp
}

func (h *Handler) openSession(c *gin.Context) {
	d := deviceFrom(c)
	s, err := d.OpenSession(c.Request.Context(), c.Param("id"))
	if s == nil {
		writeError(c, err)
		return
	}
	// a failed history load still leaves a usable, retryable session
	c.JSON(http.StatusCreated, timelineView(s))
}

func (h *Handler) retrySession(c *gin.Context) {
	s, err := deviceFrom(c).Session(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.Retry(c.Request.Context()); err != nil && errors.Is(err, chat.ErrSessionClosed) {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, timelineView(s))
}

func (h *Handler) closeSession(c *gin.Context) {
	if err := deviceFrom(c).CloseSession(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getMessages(c *gin.Context) {
	s, err := deviceFrom(c).Session(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, timelineView(s))
}

type mediaRequest struct {
	Kind     string `json:"kind"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
	URI      string `json:"uri"`
}

func (r *mediaRequest) staged() (models.StagedMedia, error) {
	if _, err := base64.StdEncoding.DecodeString(r.Data); err != nil {
		return models.StagedMedia{}, chat.ErrInvalidMedia
	}
	return models.StagedMedia{
		URI:          r.URI,
		EncodedBytes: r.Data,
		Kind:         models.MediaKind(strings.ToLower(r.Kind)),
		MimeType:     r.MimeType,
	}, nil
}

func (h *Handler) stageMedia(c *gin.Context) {
	var req mediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	s, err := deviceFrom(c).Session(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	media, err := req.staged()
	if err == nil {
		err = s.StageMedia(media)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) cancelMedia(c *gin.Context) {
	s, err := deviceFrom(c).Session(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.CancelMedia(); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type sendRequest struct {
	Text  string        `json:"text"`
	Media *mediaRequest `json:"media"`
	Async bool          `json:"async"`
}

type sendResponse struct {
	State       string              `json:"state"`
	Reason      string              `json:"reason,omitempty"`
	UserMessage *models.ChatMessage `json:"user_message,omitempty"`
	Reply       *models.ChatMessage `json:"reply,omitempty"`
}

func sendView(res *chat.SendResult) sendResponse {
	return sendResponse{
		State:       res.State.String(),
		Reason:      reasonCode(res.Reason),
		UserMessage: res.UserMessage,
		Reply:       res.Reply,
	}
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	d := deviceFrom(c)
	s, err := d.Session(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if req.Media != nil {
		media, err := req.Media.staged()
		if err == nil {
			err = s.StageMedia(media)
		}
		if err != nil {
			writeError(c, err)
			return
		}
	}

	attempt, err := s.Begin(c.Request.Context(), req.Text)
	switch {
	case errors.Is(err, chat.ErrNothingToSend):
		c.JSON(http.StatusOK, sendResponse{State: chat.StateIdle.String()})
		return
	case errors.Is(err, chat.ErrQuotaExceeded):
		c.JSON(http.StatusPaymentRequired, sendResponse{
			State:  chat.StateFailed.String(),
			Reason: reasonCode(err),
		})
		return
	case err != nil:
		writeError(c, err)
		return
	}

	// the attempt belongs to the session, not to this request
	runCtx := context.WithoutCancel(c.Request.Context())
	outcomes, err := h.sends.Send(runCtx, d.ID, attempt)
	if err != nil {
		// the optimistic message is already shown, so finish inline
		log.Warn().Err(err).Str("device_id", d.ID).Msg("send queue unavailable, running inline")
		res, runErr := attempt.Run(runCtx)
		h.writeOutcome(c, worker.Outcome{Result: res, Err: runErr})
		return
	}
	if req.Async {
		user := attempt.UserMessage()
		c.JSON(http.StatusAccepted, sendResponse{State: attempt.State().String(), UserMessage: &user})
		return
	}
	select {
	case out := <-outcomes:
		h.writeOutcome(c, out)
	case <-c.Request.Context().Done():
	}
}

func (h *Handler) writeOutcome(c *gin.Context, out worker.Outcome) {
	if out.Err != nil {
		writeError(c, out.Err)
		return
	}
	c.JSON(http.StatusOK, sendView(out.Result))
}

func reasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, chat.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, chat.ErrPersistence):
		return "persistence_failure"
	case errors.Is(err, chat.ErrResponder):
		return "responder_failure"
	default:
		return "unknown"
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrUnknownCharacter), errors.Is(err, device.ErrNoSession),
		errors.Is(err, chat.ErrNoStagedMedia):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrNotEntitled):
		status = http.StatusForbidden
	case errors.Is(err, entitlement.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, chat.ErrSessionClosed):
		status = http.StatusConflict
	case errors.Is(err, chat.ErrInvalidMedia):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
