package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arlens/ar-backend/internal/ar_compilation/domain"
	"github.com/arlens/ar-backend/internal/ar_compilation/queue"
	"github.com/arlens/ar-backend/internal/ar_compilation/service"
	"github.com/arlens/ar-backend/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Service is the project service as seen by the HTTP layer
type Service interface {
	CreateProject(ctx context.Context, in service.CreateProjectInput) (*domain.ARProject, error)
	Compile(ctx context.Context, req service.CompileRequest) (*domain.ARProject, error)
	Recompile(ctx context.Context, projectID string) (*domain.ARProject, error)
	GetProject(ctx context.Context, projectID string) (*domain.ARProject, error)
	ListProjects(ctx context.Context, ownerID string, limit int) ([]domain.ARProject, error)
	Status(ctx context.Context, projectID string) (*service.StatusView, error)
	PatchConfig(ctx context.Context, projectID string, patch domain.ConfigPatch) (*domain.ARProject, error)
	AddItem(ctx context.Context, projectID string, in service.ItemInput) (*domain.ARProjectItem, error)
	ListItems(ctx context.Context, projectID string) ([]domain.ARProjectItem, error)
	PatchItemConfig(ctx context.Context, projectID, itemID string, patch domain.ConfigPatch) (*domain.ARProjectItem, error)
	RemoveItem(ctx context.Context, projectID, itemID string) error
	DeleteProject(ctx context.Context, projectID string) error
	Summaries(ctx context.Context, projectIDs []string, limit int) ([]domain.CompilationSummary, error)
}

// EventSubscriber opens a live feed of one project's status events
type EventSubscriber interface {
	Subscribe(ctx context.Context, projectID string) (*queue.Subscription, error)
}

type Handler struct {
	svc       Service
	events    EventSubscriber
	keepAlive time.Duration
	basePath  string
}

func NewHandler(svc Service, events EventSubscriber) *Handler {
	return &Handler{svc: svc, events: events, keepAlive: 15 * time.Second}
}

// writeError maps service errors to status codes. Anything unexpected is
// logged and reported with the generic message.
func writeError(c *gin.Context, err error, generic string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrProjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
	case errors.Is(err, domain.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
	default:
		log.Error().Err(err).Str("request_id", c.GetString("request_id")).Str("path", c.FullPath()).Msg(generic)
		c.JSON(http.StatusInternalServerError, gin.H{"error": generic})
	}
}

// ownedProject loads the project named by the :id param and checks that the
// caller owns it. It writes the response and returns nil on failure.
func (h *Handler) ownedProject(c *gin.Context) *domain.ARProject {
	projectID := strings.TrimSpace(c.Param("id"))
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project ID is required"})
		return nil
	}
	p, err := h.svc.GetProject(c.Request.Context(), projectID)
	if err != nil {
		writeError(c, err, "failed to get project")
		return nil
	}
	if p.OwnerID != "" && p.OwnerID != auth.UserFirebaseUID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return nil
	}
	return p
}

func userID(c *gin.Context) (string, bool) {
	uid := auth.UserFirebaseUID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return "", false
	}
	return uid, true
}

// Compile creates-and-queues a project, or queues an existing one
func (h *Handler) Compile(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req service.CompileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.OwnerID = uid
	if req.ProjectID != "" {
		c.AddParam("id", req.ProjectID)
		if h.ownedProject(c) == nil {
			return
		}
	}

	p, err := h.svc.Compile(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, "failed to queue compilation")
		return
	}
	c.JSON(http.StatusAccepted, h.queued(p))
}

// GetStatus returns the latest persisted status; clients poll it
func (h *Handler) GetStatus(c *gin.Context) {
	p := h.ownedProject(c)
	if p == nil {
		return
	}
	view, err := h.svc.Status(c.Request.Context(), p.ID)
	if err != nil {
		writeError(c, err, "failed to get status")
		return
	}
	c.JSON(http.StatusOK, view)
}

// PatchConfig updates fit/placement and regenerates geometry and the viewer
func (h *Handler) PatchConfig(c *gin.Context) {
	p := h.ownedProject(c)
	if p == nil {
		return
	}
	var patch domain.ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	updated, err := h.svc.PatchConfig(c.Request.Context(), p.ID, patch)
	if err != nil {
		writeError(c, err, "failed to update config")
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": updated})
}

func (h *Handler) Recompile(c *gin.Context) {
	p := h.ownedProject(c)
	if p == nil {
		return
	}
	queued, err := h.svc.Recompile(c.Request.Context(), p.ID)
	if err != nil {
		writeError(c, err, "failed to queue recompilation")
		return
	}
	c.JSON(http.StatusAccepted, h.queued(queued))
}

func (h *Handler) queued(p *domain.ARProject) gin.H {
	return gin.H{
		"projectId": p.ID,
		"status":    p.Status,
		"statusUrl": h.statusURL(p.ID),
		"project":   p,
	}
}

func (h *Handler) CreateProject(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var in service.CreateProjectInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	in.OwnerID = uid
	p, err := h.svc.CreateProject(c.Request.Context(), in)
	if err != nil {
		writeError(c, err, "failed to create project")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": p})
}

func (h *Handler) ListProjects(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	projects, err := h.svc.ListProjects(c.Request.Context(), uid, limit)
	if err != nil {
		writeError(c, err, "failed to list projects")
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "count": len(projects)})
}

func (h *Handler) GetProject(c *gin.Context) {
	p := h.ownedProject(c)
	if p == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": p})
}

func (h *Handler) DeleteProject(c *gin.Context) {
	p := h.ownedProject(c)
	if p == nil {
		return
	}
	if err := h.svc.DeleteProject(c.Request.Context(), p.ID); err != nil {
		writeError(c, err, "failed to delete project")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "project deleted"})
}

func (h *Handler) ListItems(c *gin.Context) {
	p := h.ownedProject(c)
	if p == nil {
		return
	}
	items, err := h.svc.ListItems(c.Request.Context(), p.ID)
	if err != nil {
		writeError(c, err, "failed to list items")
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (h *Handler) AddItem(c *gin.Context) {
	p := h.ownedProject(c)
	if p == nil {
		return
	}
	var in service.ItemInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	it, err := h.svc.AddItem(c.Request.Context(), p.ID, in)
	if err != nil {
		writeError(c, err, "failed to add item")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"item": it})
}

func (h *Handler) PatchItemConfig(c *gin.Context) {
	p := h.ownedProject(c)
	if p == nil {
		return
	}
	var patch domain.ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	it, err := h.svc.PatchItemConfig(c.Request.Context(), p.ID, c.Param("itemId"), patch)
	if err != nil {
		writeError(c, err, "failed to update item config")
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": it})
}

func (h *Handler) RemoveItem(c *gin.Context) {
	p := h.ownedProject(c)
	if p == nil {
		return
	}
	if err := h.svc.RemoveItem(c.Request.Context(), p.ID, c.Param("itemId")); err != nil {
		writeError(c, err, "failed to remove item")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "item removed"})
}

// ListSummaries returns finished runs across the caller's projects, or of
// one project when ?projectId is given.
func (h *Handler) ListSummaries(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	var ids []string
	if pid := strings.TrimSpace(c.Query("projectId")); pid != "" {
		c.AddParam("id", pid)
		if h.ownedProject(c) == nil {
			return
		}
		ids = []string{pid}
	} else {
		projects, err := h.svc.ListProjects(c.Request.Context(), uid, 200)
		if err != nil {
			writeError(c, err, "failed to list projects")
			return
		}
		for _, p := range projects {
			ids = append(ids, p.ID)
		}
	}

	summaries, err := h.svc.Summaries(c.Request.Context(), ids, limit)
	if err != nil {
		writeError(c, err, "failed to list summaries")
		return
	}
	if summaries == nil {
		summaries = []domain.CompilationSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"summaries": summaries, "count": len(summaries)})
}

func (h *Handler) statusURL(projectID string) string {
	return h.basePath + "/status/" + projectID
}
