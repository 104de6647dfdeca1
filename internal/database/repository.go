// Package database provides PostgreSQL database operations for annotations.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/docmark/annotator/internal/config"
	domainerrors "github.com/docmark/annotator/internal/errors"
	"github.com/docmark/annotator/internal/models"
)

// Repository defines the interface for annotation data operations.
type Repository interface {
	// Create stores a new annotation of a version and returns it with its
	// server-assigned ID and timestamps.
	Create(ctx context.Context, versionID string, a models.Annotation) (*models.Annotation, error)

	// GetByID retrieves an annotation by its ID. A missing row is (nil, nil).
	GetByID(ctx context.Context, id string) (*models.Annotation, error)

	// ListByVersion retrieves the annotations of a version, oldest first.
	ListByVersion(ctx context.Context, versionID string) ([]models.Annotation, error)

	// Update applies a partial update on behalf of userID. A missing row is
	// (nil, nil).
	Update(ctx context.Context, id string, patch models.AnnotationPatch, userID string) (*models.Annotation, error)

	// Delete removes an annotation by its ID.
	Delete(ctx context.Context, id string) error

	// Close closes the database connection.
	Close()
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a new PostgreSQL repository.
func NewPostgresRepository(cfg *config.Config, logger *zap.Logger) (Repository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &PostgresRepository{
		pool:   pool,
		logger: logger,
	}

	if err := repo.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Connected to PostgreSQL database")
	return repo, nil
}

// migrate creates the necessary database tables if they don't exist.
func (r *PostgresRepository) migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS annotations (
			id UUID PRIMARY KEY,
			version_id TEXT NOT NULL,
			annotation_type VARCHAR(16) NOT NULL,
			page_number INTEGER NOT NULL CHECK (page_number >= 1),
			content TEXT NOT NULL DEFAULT '',
			coordinates JSONB NOT NULL,
			style_properties JSONB NOT NULL,
			color VARCHAR(32) NOT NULL DEFAULT '',
			created_by_id TEXT NOT NULL,
			created_by_name TEXT NOT NULL DEFAULT '',
			updated_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_annotations_version_page ON annotations(version_id, page_number);
	`

	_, err := r.pool.Exec(ctx, query)
	return err
}

const selectColumns = `
	SELECT id, version_id, annotation_type, page_number, content, coordinates,
	       style_properties, color, created_by_id, created_by_name, updated_by,
	       created_at, updated_at
	FROM annotations
`

// Create creates a new annotation.
func (r *PostgresRepository) Create(ctx context.Context, versionID string, a models.Annotation) (*models.Annotation, error) {
	now := time.Now().UTC()
	a.ID = uuid.New().String()
	a.VersionID = versionID
	a.CreatedAt = now
	a.UpdatedAt = now
	a.UpdatedBy = a.CreatedBy.ID
	if a.Color == "" {
		a.Color = models.DeriveColor(a.Style)
	}

	coords, style, err := encodeShape(a)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO annotations (id, version_id, annotation_type, page_number, content, coordinates,
			style_properties, color, created_by_id, created_by_name, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = r.pool.Exec(ctx, query,
		a.ID,
		a.VersionID,
		string(a.Type),
		a.PageNumber,
		a.Content,
		coords,
		style,
		a.Color,
		a.CreatedBy.ID,
		a.CreatedBy.Name,
		a.UpdatedBy,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create annotation", zap.Error(err))
		return nil, fmt.Errorf("failed to create annotation: %w", err)
	}

	r.logger.Info("Created annotation",
		zap.String("id", a.ID),
		zap.String("version_id", versionID),
		zap.String("type", string(a.Type)),
	)
	return &a, nil
}

// GetByID retrieves an annotation by its ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Annotation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	a, err := scanAnnotation(r.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get annotation", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get annotation: %w", err)
	}
	return a, nil
}

// ListByVersion retrieves all annotations of a version.
func (r *PostgresRepository) ListByVersion(ctx context.Context, versionID string) ([]models.Annotation, error) {
	rows, err := r.pool.Query(ctx, selectColumns+` WHERE version_id = $1 ORDER BY created_at ASC`, versionID)
	if err != nil {
		r.logger.Error("Failed to list annotations", zap.String("version_id", versionID), zap.Error(err))
		return nil, fmt.Errorf("failed to list annotations: %w", err)
	}
	defer rows.Close()

	annotations := []models.Annotation{}
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			r.logger.Error("Failed to scan annotation row", zap.Error(err))
			return nil, fmt.Errorf("failed to scan annotation: %w", err)
		}
		annotations = append(annotations, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list annotations: %w", err)
	}

	return annotations, nil
}

// Update updates an existing annotation.
func (r *PostgresRepository) Update(ctx context.Context, id string, patch models.AnnotationPatch, userID string) (*models.Annotation, error) {
	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	updated := patch.Apply(*existing)
	updated.UpdatedAt = time.Now().UTC()
	updated.UpdatedBy = userID

	coords, style, err := encodeShape(updated)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE annotations
		SET page_number = $2, content = $3, coordinates = $4, style_properties = $5,
			color = $6, updated_by = $7, updated_at = $8
		WHERE id = $1
	`

	_, err = r.pool.Exec(ctx, query,
		updated.ID,
		updated.PageNumber,
		updated.Content,
		coords,
		style,
		updated.Color,
		updated.UpdatedBy,
		updated.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to update annotation", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to update annotation: %w", err)
	}

	r.logger.Info("Updated annotation", zap.String("id", id), zap.String("user_id", userID))
	return &updated, nil
}

// Delete removes an annotation by its ID.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domainerrors.NotFoundf("annotation %s not found", id)
	}

	result, err := r.pool.Exec(ctx, `DELETE FROM annotations WHERE id = $1`, id)
	if err != nil {
		r.logger.Error("Failed to delete annotation", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("failed to delete annotation: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domainerrors.NotFoundf("annotation %s not found", id)
	}

	r.logger.Info("Deleted annotation", zap.String("id", id))
	return nil
}

// Close closes the database connection pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
	r.logger.Info("Closed database connection")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(row rowScanner) (*models.Annotation, error) {
	var (
		a              models.Annotation
		annotationType string
		coords, style  []byte
	)
	err := row.Scan(
		&a.ID,
		&a.VersionID,
		&annotationType,
		&a.PageNumber,
		&a.Content,
		&coords,
		&style,
		&a.Color,
		&a.CreatedBy.ID,
		&a.CreatedBy.Name,
		&a.UpdatedBy,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if a.Type, err = models.ParseAnnotationType(annotationType); err != nil {
		return nil, err
	}
	if a.Coordinates, err = models.DecodeGeometry(a.Type, coords); err != nil {
		return nil, fmt.Errorf("annotation %s: %w", a.ID, err)
	}
	if a.Style, err = models.DecodeStyle(a.Type, style); err != nil {
		return nil, fmt.Errorf("annotation %s: %w", a.ID, err)
	}
	return &a, nil
}

// encodeShape serialises the JSONB columns.
func encodeShape(a models.Annotation) ([]byte, []byte, error) {
	coords, err := json.Marshal(a.Coordinates)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode coordinates: %w", err)
	}
	style, err := json.Marshal(a.Style)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode style: %w", err)
	}
	return coords, style, nil
}
