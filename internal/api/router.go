package api

import (
	"errors"
	"net/http"

	"quizrank/internal/bot"
	"quizrank/internal/config"
	"quizrank/internal/identity"
	"quizrank/internal/middleware"
	"quizrank/internal/model"
	"quizrank/internal/service"
	"quizrank/internal/service/queue"
	appErr "quizrank/pkg/errors"
	"quizrank/pkg/response"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type Handler struct {
	db       *gorm.DB
	services *service.Container
}

func NewRouter(db *gorm.DB, services *service.Container) *gin.Engine {
	h := &Handler{db: db, services: services}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ping", func(c *gin.Context) {
		response.Success(c, gin.H{"status": "ok"})
	})
	r.GET("/api/categories", h.listCategories)

	q := r.Group("/api/queue", middleware.AuthRequired())
	{
		q.POST("/join", h.joinQueue)
		q.POST("/leave", h.leaveQueue)
		q.POST("/heartbeat", h.heartbeat)
		q.GET("/status", h.queueStatus)
	}

	internal := r.Group("/internal", middleware.BotAuthRequired())
	{
		internal.POST("/match/result", h.matchResult)
		internal.POST("/match/cancelled", h.matchCancelled)
		internal.GET("/question/:fingerprint", h.lookupQuestion)
		internal.POST("/question", h.learnQuestion)
	}

	admin := r.Group("/admin", middleware.AuthRequired())
	{
		admin.DELETE("/match/:roomCode", h.terminateMatch)
	}

	return r
}

// fail maps sentinel errors onto HTTP statuses with the standard envelope.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, appErr.ErrCategoryUnknown),
		errors.Is(err, appErr.ErrResultValidation):
		status = http.StatusBadRequest
	case errors.Is(err, appErr.ErrNotQueued),
		errors.Is(err, appErr.ErrPendingMatchNotFound),
		errors.Is(err, appErr.ErrQuestionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, appErr.ErrAlreadyQueued),
		errors.Is(err, appErr.ErrMatchAlreadySettled),
		errors.Is(err, appErr.ErrQueueProcessing):
		status = http.StatusConflict
	case errors.Is(err, appErr.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, appErr.ErrSessionLimitReached):
		status = http.StatusServiceUnavailable
	}
	response.Error(c, status, err.Error())
}

func (h *Handler) listCategories(c *gin.Context) {
	response.Success(c, config.GlobalConfig.Categories)
}

type joinRequest struct {
	Category string `json:"category" binding:"required"`
}

func (h *Handler) joinQueue(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := h.buildEntry(middleware.UserID(c), req.Category)
	if err != nil {
		fail(c, err)
		return
	}

	status, err := h.services.Queue.Join(c.Request.Context(), entry, req.Category)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, status)
}

// buildEntry snapshots the user's identity and current skill for the queue.
func (h *Handler) buildEntry(userID int64, category string) (queue.Entry, error) {
	var user model.User
	if err := h.db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return queue.Entry{}, appErr.ErrUnauthorized
		}
		return queue.Entry{}, err
	}

	skill := 1000
	var rating model.CategoryRating
	err := h.db.Where("user_id = ? AND category = ?", userID, category).First(&rating).Error
	if err == nil {
		skill = rating.Rating
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return queue.Entry{}, err
	}

	return queue.Entry{
		UserID:   user.ID,
		Nickname: user.Nickname,
		Identity: identity.Identity{
			Provider:  identity.FromService(user.Service),
			ServiceID: user.ServiceID,
			Username:  user.PlatformUsername,
		},
		Skill: skill,
	}, nil
}

func (h *Handler) leaveQueue(c *gin.Context) {
	if err := h.services.Queue.Leave(c.Request.Context(), middleware.UserID(c)); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}

func (h *Handler) heartbeat(c *gin.Context) {
	if err := h.services.Queue.Heartbeat(c.Request.Context(), middleware.UserID(c)); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}

func (h *Handler) queueStatus(c *gin.Context) {
	status, err := h.services.Queue.Status(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, status)
}

func (h *Handler) matchResult(c *gin.Context) {
	var payload bot.ResultPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.services.Result.ApplyResult(payload); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}

func (h *Handler) matchCancelled(c *gin.Context) {
	var payload bot.CancellationPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.services.Result.ApplyCancellation(payload); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}

func (h *Handler) lookupQuestion(c *gin.Context) {
	q, err := h.services.Question.Lookup(c.Param("fingerprint"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, q)
}

type learnRequest struct {
	Fingerprint string `json:"fingerprint" binding:"required"`
	Prompt      string `json:"prompt"`
	Answer      string `json:"answer" binding:"required"`
}

func (h *Handler) learnQuestion(c *gin.Context) {
	var req learnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.services.Question.Learn(req.Fingerprint, req.Prompt, req.Answer); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}

func (h *Handler) terminateMatch(c *gin.Context) {
	if err := h.services.Result.Terminate(c.Param("roomCode")); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}
