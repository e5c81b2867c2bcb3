package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/j0lvera/loreweaver/internal/adventure"
	"github.com/j0lvera/loreweaver/internal/ledger"
	"github.com/j0lvera/loreweaver/internal/story"
	"github.com/rs/zerolog"
)

// Adventures is the core the HTTP API exposes.
type Adventures interface {
	GetBalance(ctx context.Context, userID string) (ledger.Wallet, error)
	Statement(ctx context.Context, userID string) ([]ledger.Entry, error)
	SaveCharacter(ctx context.Context, c story.Character) error
	GetCharacter(ctx context.Context, userID string) (story.Character, error)
	AdminGrant(ctx context.Context, adminID, targetUserID string, amount ledger.Amount) (ledger.Wallet, error)
	Snapshot(ctx context.Context, userID string) (adventure.Snapshot, error)
	StartAdventure(ctx context.Context, userID string) (adventure.Result, error)
	SubmitChoice(ctx context.Context, userID, sessionID, choice string) (adventure.Result, error)
}

var _ Adventures = (*adventure.Service)(nil)

// CharacterRequest creates a character.
type CharacterRequest struct {
	Name       string   `json:"name"`
	Backstory  string   `json:"backstory"`
	Abilities  []string `json:"abilities"`
	Desires    []string `json:"desires"`
	Weaknesses []string `json:"weaknesses"`
}

// ChoiceRequest submits a choice, as its text or 1-based number.
type ChoiceRequest struct {
	Choice string `json:"choice"`
}

// GrantRequest credits a user on behalf of an admin.
type GrantRequest struct {
	AdminID string        `json:"admin_id"`
	UserID  string        `json:"user_id"`
	Amount  ledger.Amount `json:"amount"`
}

// Handler serves the JSON API.
type Handler struct {
	svc    Adventures
	logger zerolog.Logger
}

// NewRouter builds the gin engine. metrics, when non-nil, is served on /metrics.
func NewRouter(svc Adventures, apiKey string, metrics http.Handler, logger zerolog.Logger) *gin.Engine {
	h := &Handler{svc: svc, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := r.Group("/v1", requireAPIKey(apiKey))
	{
		users := v1.Group("/users/:user_id")
		users.GET("/character", h.getCharacter)
		users.PUT("/character", h.saveCharacter)
		users.GET("/balance", h.getBalance)
		users.GET("/statement", h.getStatement)
		users.GET("/adventure", h.getSnapshot)
		users.POST("/adventure", h.startAdventure)
		users.POST("/adventure/:session_id/choices", h.submitChoice)

		// admin_id comes from the body, so only a keyed caller may grant
		if apiKey != "" {
			v1.POST("/admin/grants", h.grant)
		}
	}
	return r
}

func (h *Handler) getCharacter(c *gin.Context) {
	char, err := h.svc.GetCharacter(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, char)
}

func (h *Handler) saveCharacter(c *gin.Context) {
	var req CharacterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleServiceError(c, fmt.Errorf("%w: %v", story.ErrValidation, err))
		return
	}

	char := story.Character{
		UserID:     c.Param("user_id"),
		Name:       req.Name,
		Backstory:  req.Backstory,
		Abilities:  req.Abilities,
		Desires:    req.Desires,
		Weaknesses: req.Weaknesses,
	}
	if err := h.svc.SaveCharacter(c.Request.Context(), char); err != nil {
		handleServiceError(c, err)
		return
	}

	saved, err := h.svc.GetCharacter(c.Request.Context(), char.UserID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (h *Handler) getBalance(c *gin.Context) {
	w, err := h.svc.GetBalance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) getStatement(c *gin.Context) {
	entries, err := h.svc.Statement(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handler) getSnapshot(c *gin.Context) {
	snap, err := h.svc.Snapshot(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) startAdventure(c *gin.Context) {
	res, err := h.svc.StartAdventure(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h *Handler) submitChoice(c *gin.Context) {
	var req ChoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleServiceError(c, fmt.Errorf("%w: %v", story.ErrValidation, err))
		return
	}

	res, err := h.svc.SubmitChoice(c.Request.Context(), c.Param("user_id"), c.Param("session_id"), req.Choice)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) grant(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleServiceError(c, fmt.Errorf("%w: %v", story.ErrValidation, err))
		return
	}

	w, err := h.svc.AdminGrant(c.Request.Context(), req.AdminID, req.UserID, req.Amount)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}
