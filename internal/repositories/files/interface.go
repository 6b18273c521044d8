package files

import (
	"context"

	"github.com/dmitrijs2005/medvault/internal/models"
)

type Repository interface {
	// Insert appends a record. A duplicate ID yields common.ErrAlreadyExists.
	Insert(ctx context.Context, rec *models.FileRecord) error

	// GetAll returns every record in insertion order.
	GetAll(ctx context.Context) ([]models.FileRecord, error)

	// GetByID returns common.ErrorNotFound for an unknown id.
	GetByID(ctx context.Context, id string) (*models.FileRecord, error)

	// GetAllPendingUpload returns records with uploaded=false, in insertion order.
	GetAllPendingUpload(ctx context.Context) ([]models.FileRecord, error)

	// MarkUploaded sets uploaded=true. It is a no-op for an already uploaded
	// record and never clears the flag.
	MarkUploaded(ctx context.Context, id string) error
}
