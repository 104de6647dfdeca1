package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domainerrors "github.com/docmark/annotator/internal/errors"
	"github.com/docmark/annotator/internal/models"
)

// MockRepository implements database.Repository for testing
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, versionID string, a models.Annotation) (*models.Annotation, error) {
	args := m.Called(ctx, versionID, a)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Annotation), args.Error(1)
}

func (m *MockRepository) GetByID(ctx context.Context, id string) (*models.Annotation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Annotation), args.Error(1)
}

func (m *MockRepository) ListByVersion(ctx context.Context, versionID string) ([]models.Annotation, error) {
	args := m.Called(ctx, versionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Annotation), args.Error(1)
}

func (m *MockRepository) Update(ctx context.Context, id string, patch models.AnnotationPatch, userID string) (*models.Annotation, error) {
	args := m.Called(ctx, id, patch, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Annotation), args.Error(1)
}

func (m *MockRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockRepository) Close() {
	m.Called()
}

// MockCache implements cache.Cache for testing
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, id string) (*models.Annotation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Annotation), args.Error(1)
}

func (m *MockCache) GetVersion(ctx context.Context, versionID string) ([]models.Annotation, bool, error) {
	args := m.Called(ctx, versionID)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).([]models.Annotation), args.Bool(1), args.Error(2)
}

func (m *MockCache) Set(ctx context.Context, annotation *models.Annotation) error {
	args := m.Called(ctx, annotation)
	return args.Error(0)
}

func (m *MockCache) SetVersion(ctx context.Context, versionID string, annotations []models.Annotation) error {
	args := m.Called(ctx, versionID, annotations)
	return args.Error(0)
}

func (m *MockCache) Delete(ctx context.Context, id, versionID string) error {
	args := m.Called(ctx, id, versionID)
	return args.Error(0)
}

func (m *MockCache) InvalidateVersion(ctx context.Context, versionID string) error {
	args := m.Called(ctx, versionID)
	return args.Error(0)
}

func (m *MockCache) Close() error {
	args := m.Called()
	return args.Error(0)
}

var alice = models.UserRef{ID: "alice", Name: "Alice"}

func setupTestHandler() (*Handler, *MockRepository, *MockCache, *gin.Engine) {
	gin.SetMode(gin.TestMode)

	mockRepo := new(MockRepository)
	mockCache := new(MockCache)
	logger, _ := zap.NewDevelopment()

	handler := NewHandler(mockRepo, mockCache, logger)

	engine := gin.New()
	rg := engine.Group("/api/v1")
	handler.RegisterRoutes(rg)

	return handler, mockRepo, mockCache, engine
}

func request(method, target, body string, user *models.UserRef) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != nil {
		req.Header.Set(HeaderUserID, user.ID)
		req.Header.Set(HeaderUserName, user.Name)
	}
	return req
}

func stored(id string, author models.UserRef) *models.Annotation {
	return &models.Annotation{
		ID:          id,
		VersionID:   "v1",
		Type:        models.TypeShape,
		PageNumber:  1,
		Coordinates: models.ShapeBox{X: 10, Y: 10, Width: 5, Height: 5},
		Style:       models.DefaultShapeStyle,
		Color:       models.DeriveColor(models.DefaultShapeStyle),
		CreatedBy:   author,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestIdentityRequired(t *testing.T) {
	_, mockRepo, mockCache, engine := setupTestHandler()

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, request(http.MethodGet, "/api/v1/annotations?version=v1", "", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decodeError(t, w).Error)
	mockRepo.AssertNotCalled(t, "ListByVersion", mock.Anything, mock.Anything)
	mockCache.AssertNotCalled(t, "GetVersion", mock.Anything, mock.Anything)
}

func TestList_RequiresVersion(t *testing.T) {
	_, _, _, engine := setupTestHandler()

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, request(http.MethodGet, "/api/v1/annotations", "", &alice))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", decodeError(t, w).Error)
}

func TestList_FromCache(t *testing.T) {
	_, mockRepo, mockCache, engine := setupTestHandler()

	cached := []models.Annotation{*stored("1", alice), *stored("2", alice)}
	mockCache.On("GetVersion", mock.Anything, "v1").Return(cached, true, nil)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, request(http.MethodGet, "/api/v1/annotations?version=v1", "", &alice))

	assert.Equal(t, http.StatusOK, w.Code)

	var response models.AnnotationsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Len(t, response.Data, 2)
	assert.Equal(t, models.ShapeBox{X: 10, Y: 10, Width: 5, Height: 5}, response.Data[0].Coordinates)

	mockRepo.AssertNotCalled(t, "ListByVersion", mock.Anything, mock.Anything)
	mockCache.AssertExpectations(t)
}

func TestList_CacheMiss(t *testing.T) {
	_, mockRepo, mockCache, engine := setupTestHandler()

	fromDB := []models.Annotation{*stored("1", alice)}
	mockCache.On("GetVersion", mock.Anything, "v1").Return(nil, false, nil)
	mockRepo.On("ListByVersion", mock.Anything, "v1").Return(fromDB, nil)
	mockCache.On("SetVersion", mock.Anything, "v1", fromDB).Return(nil)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, request(http.MethodGet, "/api/v1/annotations?version=v1", "", &alice))

	assert.Equal(t, http.StatusOK, w.Code)

	var response models.AnnotationsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Len(t, response.Data, 1)

	mockRepo.AssertExpectations(t)
	mockCache.AssertExpectations(t)
}

func TestCreate_Success(t *testing.T) {
	_, mockRepo, mockCache, engine := setupTestHandler()

	saved := stored("srv-1", alice)
	mockRepo.On("Create", mock.Anything, "v1", mock.MatchedBy(func(a models.Annotation) bool {
		return a.Type == models.TypeShape && a.CreatedBy == alice && a.ID == ""
	})).Return(saved, nil)
	mockCache.On("Set", mock.Anything, saved).Return(nil)

	body := `{"annotationType":"SHAPE","pageNumber":1,"content":"",
		"coordinates":{"x":10,"y":10,"width":5,"height":5},
		"styleProperties":{"shapeType":"SQUARE","fillColor":"#808080","fillOpacity":0.3,"strokeColor":"#404040","strokeWidth":2},
		"createdBy":{"id":"mallory","name":"Mallory"}}`
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, request(http.MethodPost, "/api/v1/annotations?version=v1", body, &alice))

	assert.Equal(t, http.StatusCreated, w.Code)

	var response models.AnnotationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "srv-1", response.Data.ID)
	assert.Equal(t, alice, response.Data.CreatedBy)

	mockRepo.AssertExpectations(t)
	mockCache.AssertExpectations(t)
}

func TestCreate_InvalidRequest(t *testing.T) {
	_, mockRepo, _, engine := setupTestHandler()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"annotationType":`},
		{"unknown type", `{"annotationType":"CIRCLE","pageNumber":1}`},
		{"page zero", `{"annotationType":"SHAPE","pageNumber":0,"coordinates":{"x":1,"y":1,"width":1,"height":1},"styleProperties":{"shapeType":"SQUARE","fillColor":"#000000"}}`},
		{"missing coordinates", `{"annotationType":"TEXT","pageNumber":1,"content":"hi"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, request(http.MethodPost, "/api/v1/annotations?version=v1", tt.body, &alice))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	mockRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetByID_NotFound(t *testing.T) {
	_, mockRepo, mockCache, engine := setupTestHandler()

	mockCache.On("Get", mock.Anything, "nonexistent").Return(nil, nil)
	mockRepo.On("GetByID", mock.Anything, "nonexistent").Return(nil, nil)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, request(http.MethodGet, "/api/v1/annotations/nonexistent", "", &alice))

	assert.Equal(t, http.StatusNotFound, w.Code)
	mockRepo.AssertExpectations(t)
	mockCache.AssertExpectations(t)
}

func TestUpdate_ByAuthor(t *testing.T) {
	_, mockRepo, mockCache, engine := setupTestHandler()

	existing := stored("a1", alice)
	updated := stored("a1", alice)
	updated.Content = "moved"

	mockCache.On("Get", mock.Anything, "a1").Return(existing, nil)
	mockRepo.On("Update", mock.Anything, "a1", mock.MatchedBy(func(p models.AnnotationPatch) bool {
		return p.Content != nil && *p.Content == "moved"
	}), "alice").Return(updated, nil)
	mockCache.On("Set", mock.Anything, updated).Return(nil)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, request(http.MethodPut, "/api/v1/annotations/a1", `{"content":"moved"}`, &alice))

	assert.Equal(t, http.StatusOK, w.Code)

	var response models.AnnotationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "moved", response.Data.Content)

	mockRepo.AssertExpectations(t)
	mockCache.AssertExpectations(t)
}

func TestUpdate_ForbiddenForOthers(t *testing.T) {
	_, mockRepo, mockCache, engine := setupTestHandler()

	mockCache.On("Get", mock.Anything, "a1").Return(stored("a1", alice), nil)

	bob := models.UserRef{ID: "bob", Name: "Bob"}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, request(http.MethodPut, "/api/v1/annotations/a1", `{"content":"mine now"}`, &bob))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decodeError(t, w).Error)
	mockRepo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdate_TypeMismatch(t *testing.T) {
	_, mockRepo, mockCache, engine := setupTestHandler()

	mockCache.On("Get", mock.Anything, "a1").Return(stored("a1", alice), nil)

	body := `{"annotationType":"TEXT","coordinates":{"x":1,"y":1,"width":100,"height":30}}`
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, request(http.MethodPut, "/api/v1/annotations/a1", body, &alice))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	mockRepo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdate_NotFound(t *testing.T) {
	_, mockRepo, mockCache, engine := setupTestHandler()

	mockCache.On("Get", mock.Anything, "nonexistent").Return(nil, nil)
	mockRepo.On("GetByID", mock.Anything, "nonexistent").Return(nil, nil)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, request(http.MethodPut, "/api/v1/annotations/nonexistent", `{"content":"x"}`, &alice))

	assert.Equal(t, http.StatusNotFound, w.Code)
	mockCache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything)
}

func TestDelete_Success(t *testing.T) {
	_, mockRepo, mockCache, engine := setupTestHandler()

	mockCache.On("Get", mock.Anything, "a1").Return(stored("a1", alice), nil)
	mockRepo.On("Delete", mock.Anything, "a1").Return(nil)
	mockCache.On("Delete", mock.Anything, "a1", "v1").Return(nil)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, request(http.MethodDelete, "/api/v1/annotations/a1", "", &alice))

	assert.Equal(t, http.StatusNoContent, w.Code)
	mockRepo.AssertExpectations(t)
	mockCache.AssertExpectations(t)
}

func TestDelete_ForbiddenForOthers(t *testing.T) {
	_, mockRepo, mockCache, engine := setupTestHandler()

	mockCache.On("Get", mock.Anything, "a1").Return(stored("a1", alice), nil)

	bob := models.UserRef{ID: "bob", Name: "Bob"}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, request(http.MethodDelete, "/api/v1/annotations/a1", "", &bob))

	assert.Equal(t, http.StatusForbidden, w.Code)
	mockRepo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestDelete_RepositoryNotFound(t *testing.T) {
	_, mockRepo, mockCache, engine := setupTestHandler()

	mockCache.On("Get", mock.Anything, "a1").Return(stored("a1", alice), nil)
	mockRepo.On("Delete", mock.Anything, "a1").Return(domainerrors.NotFoundf("annotation a1 not found"))

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, request(http.MethodDelete, "/api/v1/annotations/a1", "", &alice))

	assert.Equal(t, http.StatusNotFound, w.Code)
	mockCache.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
}
