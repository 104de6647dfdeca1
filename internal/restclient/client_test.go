package restclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domainerrors "github.com/docmark/annotator/internal/errors"
	"github.com/docmark/annotator/internal/models"
)

var alice = models.UserRef{ID: "alice", Name: "Alice"}

func sample(id string) models.Annotation {
	return models.Annotation{
		ID:          id,
		VersionID:   "v1",
		Type:        models.TypeShape,
		PageNumber:  2,
		Coordinates: models.ShapeBox{X: 10, Y: 20, Width: 5, Height: 5},
		Style:       models.DefaultShapeStyle,
		CreatedBy:   alice,
	}
}

// setupTestServer serves a canned API and records the last request.
func setupTestServer(t *testing.T) (*Client, *http.Request) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	last := &http.Request{}
	r := gin.New()
	r.Use(func(c *gin.Context) {
		*last = *c.Request.Clone(context.Background())
		c.Next()
	})

	r.GET("/api/v1/annotations", func(c *gin.Context) {
		if c.Query("version") != "v1" {
			c.JSON(http.StatusOK, models.AnnotationsResponse{Data: nil})
			return
		}
		c.JSON(http.StatusOK, models.AnnotationsResponse{Data: []models.Annotation{sample("a1")}})
	})
	r.POST("/api/v1/annotations", func(c *gin.Context) {
		var draft models.Annotation
		if err := c.ShouldBindJSON(&draft); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid_request", Message: err.Error()})
			return
		}
		draft.ID = "srv-1"
		draft.VersionID = c.Query("version")
		c.JSON(http.StatusCreated, models.AnnotationResponse{Data: draft})
	})
	r.PUT("/api/v1/annotations/:id", func(c *gin.Context) {
		if c.Param("id") == "theirs" {
			c.JSON(http.StatusForbidden, models.ErrorResponse{Error: "forbidden", Message: "only the author can edit"})
			return
		}
		var patch models.AnnotationPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid_request", Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, models.AnnotationResponse{Data: patch.Apply(sample(c.Param("id")))})
	})
	r.DELETE("/api/v1/annotations/:id", func(c *gin.Context) {
		switch c.Param("id") {
		case "missing":
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "not_found", Message: "annotation not found"})
		case "broken":
			c.String(http.StatusInternalServerError, "boom")
		default:
			c.Status(http.StatusNoContent)
		}
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	client, err := New(srv.URL+"/api/v1/", alice, zap.NewNop())
	require.NoError(t, err)
	return client, last
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New("not a url", alice, nil)
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	client, last := setupTestServer(t)

	list, err := client.List(context.Background(), "v1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a1", list[0].ID)
	assert.Equal(t, models.ShapeBox{X: 10, Y: 20, Width: 5, Height: 5}, list[0].Coordinates)

	assert.Equal(t, "alice", last.Header.Get(HeaderUserID))
	assert.Equal(t, "Alice", last.Header.Get(HeaderUserName))

	empty, err := client.List(context.Background(), "other")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestCreate_StripsTempID(t *testing.T) {
	client, last := setupTestServer(t)

	saved, err := client.Create(context.Background(), "v1", sample("temp-1700000000000"))
	require.NoError(t, err)
	assert.Equal(t, "srv-1", saved.ID)
	assert.Equal(t, "v1", saved.VersionID)
	assert.Equal(t, "version=v1", last.URL.RawQuery)
	assert.Equal(t, "application/json", last.Header.Get("Content-Type"))
}

func TestUpdate(t *testing.T) {
	client, _ := setupTestServer(t)

	content := "moved"
	page := 3
	saved, err := client.Update(context.Background(), "a1", models.AnnotationPatch{Content: &content, PageNumber: &page})
	require.NoError(t, err)
	assert.Equal(t, "moved", saved.Content)
	assert.Equal(t, 3, saved.PageNumber)

	_, err = client.Update(context.Background(), "theirs", models.AnnotationPatch{Content: &content})
	require.Error(t, err)
	assert.ErrorIs(t, err, domainerrors.ErrForbidden)
	assert.Contains(t, err.Error(), "only the author")
}

func TestDelete(t *testing.T) {
	client, last := setupTestServer(t)

	require.NoError(t, client.Delete(context.Background(), "a1"))
	assert.Equal(t, http.MethodDelete, last.Method)
	assert.Equal(t, "/api/v1/annotations/a1", last.URL.Path)

	assert.ErrorIs(t, client.Delete(context.Background(), "missing"), domainerrors.ErrNotFound)
	assert.ErrorIs(t, client.Delete(context.Background(), "broken"), domainerrors.ErrPersistence)
}

func TestUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client, err := New(srv.URL, alice, nil)
	require.NoError(t, err)

	_, err = client.List(context.Background(), "v1")
	assert.ErrorIs(t, err, domainerrors.ErrPersistence)
}

func TestMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": "not a list"})
	}))
	t.Cleanup(srv.Close)

	client, err := New(srv.URL, alice, nil)
	require.NoError(t, err)

	_, err = client.List(context.Background(), "v1")
	assert.ErrorIs(t, err, domainerrors.ErrPersistence)
}

func TestEmptySuccessBodyIsPersistenceError(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"no content", http.StatusNoContent, ""},
		{"empty ok", http.StatusOK, ""},
		{"empty data", http.StatusOK, `{"data":{}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			t.Cleanup(srv.Close)

			client, err := New(srv.URL, alice, nil)
			require.NoError(t, err)

			content := "changed"
			updated, err := client.Update(context.Background(), "srv-1", models.AnnotationPatch{Content: &content})
			assert.Nil(t, updated)
			assert.ErrorIs(t, err, domainerrors.ErrPersistence)

			created, err := client.Create(context.Background(), "v1", sample(""))
			assert.Nil(t, created)
			assert.ErrorIs(t, err, domainerrors.ErrPersistence)
		})
	}
}
