package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/dbx"
	"github.com/dmitrijs2005/medvault/internal/models"
)

const selectColumns = `id, display_name, location, coalesce(description, ''), category, uploaded, created_at`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Insert(ctx context.Context, rec *models.FileRecord) error {
	query := `INSERT INTO files (id, display_name, location, description, category, uploaded, created_at)
			values (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.DisplayName, rec.Location, rec.Description, string(rec.Category), rec.Uploaded, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert file: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("file %s: %w", rec.ID, common.ErrAlreadyExists)
	}
	return nil
}

func (r *SQLiteRepository) GetAll(ctx context.Context) ([]models.FileRecord, error) {
	return r.query(ctx, `select `+selectColumns+` from files order by seq`)
}

func (r *SQLiteRepository) GetAllPendingUpload(ctx context.Context) ([]models.FileRecord, error) {
	return r.query(ctx, `select `+selectColumns+` from files where uploaded=0 order by seq`)
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.FileRecord, error) {
	row := r.db.QueryRowContext(ctx, `select `+selectColumns+` from files where id=?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", id, common.ErrorNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return rec, nil
}

func (r *SQLiteRepository) MarkUploaded(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `update files set uploaded=1 where id=? and uploaded=0`, id)
	if err != nil {
		return fmt.Errorf("failed to mark file uploaded: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	// nothing changed: either already uploaded or unknown
	_, err = r.GetByID(ctx, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.FileRecord, error) {
	var (
		rec      models.FileRecord
		category string
		created  int64
	)
	if err := s.Scan(&rec.ID, &rec.DisplayName, &rec.Location, &rec.Description, &category, &rec.Uploaded, &created); err != nil {
		return nil, err
	}
	rec.Category = models.Category(category)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return &rec, nil
}

func (r *SQLiteRepository) query(ctx context.Context, query string) ([]models.FileRecord, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error selecting files: %w", err)
	}
	defer rows.Close()

	result := []models.FileRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning file: %w", err)
		}
		result = append(result, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
