// Package handler provides the business logic handlers for annotation operations.
package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/docmark/annotator/internal/cache"
	"github.com/docmark/annotator/internal/database"
	domainerrors "github.com/docmark/annotator/internal/errors"
	"github.com/docmark/annotator/internal/models"
	"github.com/docmark/annotator/internal/validation"
)

// Identity headers set by the session layer in front of the API.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserName = "X-User-Name"

	userContextKey = "user"
)

// Handler provides HTTP handlers for annotation operations.
type Handler struct {
	repo      database.Repository
	cache     cache.Cache
	validator *validation.Validator
	logger    *zap.Logger
}

// NewHandler creates a new annotation handler.
func NewHandler(repo database.Repository, cache cache.Cache, logger *zap.Logger) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		validator: validation.New(),
		logger:    logger,
	}
}

// RegisterRoutes registers the handler routes on the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	annotations := rg.Group("/annotations", Identity())
	annotations.GET("", h.List)
	annotations.POST("", h.Create)
	annotations.GET("/:id", h.GetByID)
	annotations.PUT("/:id", h.Update)
	annotations.PATCH("/:id", h.Update)
	annotations.DELETE("/:id", h.Delete)
}

// Identity resolves the calling user from the identity headers. Requests
// without one are rejected with 401.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Error:   "unauthorized",
				Message: "authentication required",
			})
			return
		}
		name := strings.TrimSpace(c.GetHeader(HeaderUserName))
		if name == "" {
			name = userID
		}
		c.Set(userContextKey, models.UserRef{ID: userID, Name: name})
		c.Next()
	}
}

func currentUser(c *gin.Context) models.UserRef {
	if v, ok := c.Get(userContextKey); ok {
		if u, ok := v.(models.UserRef); ok {
			return u
		}
	}
	return models.UserRef{}
}

// List handles retrieving the annotations of a document version.
// @Summary List annotations
// @Tags annotations
// @Produce json
// @Param version query string true "Document version ID"
// @Success 200 {object} models.AnnotationsResponse
// @Failure 400 {object} models.ErrorResponse
// @Router /api/v1/annotations [get]
func (h *Handler) List(c *gin.Context) {
	versionID := c.Query("version")
	if versionID == "" {
		h.fail(c, domainerrors.Validation("version query parameter is required"))
		return
	}
	ctx := c.Request.Context()

	// Try cache first
	annotations, found, err := h.cache.GetVersion(ctx, versionID)
	if err == nil && found {
		h.logger.Debug("Returning cached annotations", zap.String("version_id", versionID))
		c.JSON(http.StatusOK, models.AnnotationsResponse{Data: annotations})
		return
	}

	annotations, err = h.repo.ListByVersion(ctx, versionID)
	if err != nil {
		h.logger.Error("Failed to list annotations", zap.String("version_id", versionID), zap.Error(err))
		h.fail(c, err)
		return
	}

	_ = h.cache.SetVersion(ctx, versionID, annotations)

	c.JSON(http.StatusOK, models.AnnotationsResponse{Data: annotations})
}

// Create handles the creation of a new annotation.
// @Summary Create annotation
// @Tags annotations
// @Accept json
// @Produce json
// @Param version query string true "Document version ID"
// @Success 201 {object} models.AnnotationResponse
// @Failure 400 {object} models.ErrorResponse
// @Router /api/v1/annotations [post]
func (h *Handler) Create(c *gin.Context) {
	versionID := c.Query("version")
	if versionID == "" {
		h.fail(c, domainerrors.Validation("version query parameter is required"))
		return
	}

	var draft models.Annotation
	if err := c.ShouldBindJSON(&draft); err != nil {
		h.logger.Warn("Invalid create request", zap.Error(err))
		h.fail(c, domainerrors.Validation(err.Error()))
		return
	}

	draft.CreatedBy = currentUser(c)
	draft.VersionID = versionID
	if err := h.validator.Validate(draft); err != nil {
		h.fail(c, err)
		return
	}
	if err := draft.Validate(); err != nil {
		h.fail(c, domainerrors.Validation(err.Error()))
		return
	}

	ctx := c.Request.Context()
	annotation, err := h.repo.Create(ctx, versionID, draft)
	if err != nil {
		h.logger.Error("Failed to create annotation", zap.Error(err))
		h.fail(c, err)
		return
	}

	_ = h.cache.Set(ctx, annotation)

	c.JSON(http.StatusCreated, models.AnnotationResponse{Data: *annotation})
}

// GetByID handles retrieving a single annotation by ID.
// @Summary Get annotation by ID
// @Tags annotations
// @Produce json
// @Param id path string true "Annotation ID"
// @Success 200 {object} models.AnnotationResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /api/v1/annotations/{id} [get]
func (h *Handler) GetByID(c *gin.Context) {
	annotation, err := h.lookup(c, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.AnnotationResponse{Data: *annotation})
}

// Update handles a partial update. Only the author may update.
// @Summary Update annotation
// @Tags annotations
// @Accept json
// @Produce json
// @Param id path string true "Annotation ID"
// @Success 200 {object} models.AnnotationResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /api/v1/annotations/{id} [put]
func (h *Handler) Update(c *gin.Context) {
	id := c.Param("id")

	var patch models.AnnotationPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.logger.Warn("Invalid update request", zap.Error(err))
		h.fail(c, domainerrors.Validation(err.Error()))
		return
	}

	existing, err := h.lookup(c, id)
	if err != nil {
		h.fail(c, err)
		return
	}

	user := currentUser(c)
	if !existing.OwnedBy(user.ID) {
		h.logger.Warn("Rejected update by non-author", zap.String("id", id), zap.String("user_id", user.ID))
		h.fail(c, domainerrors.Forbiddenf("only the author can edit this annotation"))
		return
	}
	if err := patch.Validate(existing.Type); err != nil {
		h.fail(c, domainerrors.Validation(err.Error()))
		return
	}
	if patch.Content != nil && len(*patch.Content) > 4096 {
		h.fail(c, domainerrors.Validation("content exceeds maximum length of 4096 bytes"))
		return
	}

	ctx := c.Request.Context()
	annotation, err := h.repo.Update(ctx, id, patch, user.ID)
	if err != nil {
		h.logger.Error("Failed to update annotation", zap.String("id", id), zap.Error(err))
		h.fail(c, err)
		return
	}
	if annotation == nil {
		h.fail(c, domainerrors.NotFoundf("annotation not found"))
		return
	}

	_ = h.cache.Set(ctx, annotation)

	c.JSON(http.StatusOK, models.AnnotationResponse{Data: *annotation})
}

// Delete handles deleting an annotation. Only the author may delete.
// @Summary Delete annotation
// @Tags annotations
// @Param id path string true "Annotation ID"
// @Success 204 "No Content"
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /api/v1/annotations/{id} [delete]
func (h *Handler) Delete(c *gin.Context) {
	id := c.Param("id")

	existing, err := h.lookup(c, id)
	if err != nil {
		h.fail(c, err)
		return
	}

	user := currentUser(c)
	if !existing.OwnedBy(user.ID) {
		h.logger.Warn("Rejected delete by non-author", zap.String("id", id), zap.String("user_id", user.ID))
		h.fail(c, domainerrors.Forbiddenf("only the author can delete this annotation"))
		return
	}

	ctx := c.Request.Context()
	if err := h.repo.Delete(ctx, id); err != nil {
		h.logger.Error("Failed to delete annotation", zap.String("id", id), zap.Error(err))
		h.fail(c, err)
		return
	}

	_ = h.cache.Delete(ctx, id, existing.VersionID)

	c.Status(http.StatusNoContent)
}

// lookup reads through the cache.
func (h *Handler) lookup(c *gin.Context, id string) (*models.Annotation, error) {
	ctx := c.Request.Context()

	annotation, err := h.cache.Get(ctx, id)
	if err == nil && annotation != nil {
		h.logger.Debug("Returning cached annotation", zap.String("id", id))
		return annotation, nil
	}

	annotation, err = h.repo.GetByID(ctx, id)
	if err != nil {
		h.logger.Error("Failed to get annotation", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	if annotation == nil {
		return nil, domainerrors.NotFoundf("annotation not found")
	}

	_ = h.cache.Set(ctx, annotation)
	return annotation, nil
}

// fail writes err as an ErrorResponse. Unknown errors become 500.
func (h *Handler) fail(c *gin.Context, err error) {
	var de *domainerrors.Error
	if !errors.As(err, &de) {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "internal error",
		})
		return
	}
	c.JSON(de.HTTPStatus(), models.ErrorResponse{
		Error:   strings.ToLower(string(de.Code)),
		Message: de.Message,
		Details: de.Details,
	})
}
