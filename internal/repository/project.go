// Package repository persists project records, the durable face of an
// upload. The upload service and the processing queue talk to the
// ProjectStore interface so tests can run against the in-memory
// implementation.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProjectStatus enumerates the lifecycle of a project record.
type ProjectStatus string

const (
	StatusUploading  ProjectStatus = "uploading"
	StatusProcessing ProjectStatus = "processing"
	StatusReady      ProjectStatus = "ready"
	StatusError      ProjectStatus = "error"
)

// ErrNotFound is returned when a project id has no row.
var ErrNotFound = errors.New("project not found")

// Project represents a row in the projects table.
type Project struct {
	ID           string        `json:"id"`
	UserID       string        `json:"userId"`
	Title        string        `json:"title"`
	Status       ProjectStatus `json:"status"`
	Progress     float64       `json:"progress"`
	VideoURL     string        `json:"videoUrl,omitempty"`
	ThumbnailURL string        `json:"thumbnailUrl,omitempty"`
	Duration     float64       `json:"duration,omitempty"`
	Width        int           `json:"width,omitempty"`
	Height       int           `json:"height,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Media carries the probe results attached to a project after upload.
type Media struct {
	VideoURL     string
	ThumbnailURL string
	Duration     float64
	Width        int
	Height       int
}

// ProjectStore is the persistence surface the upload and processing layers
// depend on.
type ProjectStore interface {
	Create(ctx context.Context, p *Project) error
	Get(ctx context.Context, id string) (*Project, error)
	UpdateStatus(ctx context.Context, id string, status ProjectStatus, progress float64, errMsg string) error
	UpdateMedia(ctx context.Context, id string, media Media) error
}

// ProjectRepository wraps all SQL used for project records.
type ProjectRepository struct {
	pool *pgxpool.Pool
}

// NewProjectRepository constructs a repository.
func NewProjectRepository(pool *pgxpool.Pool) *ProjectRepository {
	return &ProjectRepository{pool: pool}
}

// Create inserts a project record.
func (r *ProjectRepository) Create(ctx context.Context, p *Project) error {
	now := time.Now().UTC()
	if p.Status == "" {
		p.Status = StatusUploading
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO projects (id, user_id, title, status, progress, video_url, thumbnail_url, duration_seconds, width, height, error_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, p.ID, p.UserID, p.Title, p.Status, p.Progress, nullable(p.VideoURL), nullable(p.ThumbnailURL), p.Duration, p.Width, p.Height, nullable(p.ErrorMessage), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// Get returns a project by id.
func (r *ProjectRepository) Get(ctx context.Context, id string) (*Project, error) {
	var (
		p        Project
		videoURL sql.NullString
		thumbURL sql.NullString
		errMsg   sql.NullString
		duration sql.NullFloat64
		width    sql.NullInt32
		height   sql.NullInt32
	)
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, title, status, progress, video_url, thumbnail_url, duration_seconds, width, height, error_message, created_at, updated_at
		FROM projects WHERE id=$1
	`, id)
	if err := row.Scan(&p.ID, &p.UserID, &p.Title, &p.Status, &p.Progress, &videoURL, &thumbURL, &duration, &width, &height, &errMsg, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select project: %w", err)
	}
	p.VideoURL = videoURL.String
	p.ThumbnailURL = thumbURL.String
	p.ErrorMessage = errMsg.String
	p.Duration = duration.Float64
	p.Width = int(width.Int32)
	p.Height = int(height.Int32)
	return &p, nil
}

// UpdateStatus sets status, progress, and error message.
func (r *ProjectRepository) UpdateStatus(ctx context.Context, id string, status ProjectStatus, progress float64, errMsg string) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE projects SET status=$1, progress=$2, error_message=$3, updated_at=$4 WHERE id=$5
	`, status, progress, nullable(errMsg), now, id)
	if err != nil {
		return fmt.Errorf("update project status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMedia attaches final URLs and probe results after a finished upload.
func (r *ProjectRepository) UpdateMedia(ctx context.Context, id string, media Media) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE projects
		SET video_url = COALESCE($1, video_url),
			thumbnail_url = COALESCE($2, thumbnail_url),
			duration_seconds = $3,
			width = $4,
			height = $5,
			updated_at = $6
		WHERE id=$7
	`, nullable(media.VideoURL), nullable(media.ThumbnailURL), media.Duration, media.Width, media.Height, now, id)
	if err != nil {
		return fmt.Errorf("update project media: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
