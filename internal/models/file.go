// Package models defines the data records shared by medvault services.
package models

import (
	"fmt"
	"time"
)

// Category classifies a medical file.
type Category string

const (
	CategoryPrescription Category = "prescription"
	CategoryLabResult    Category = "lab_result"
	CategoryOther        Category = "other"
)

// ParseCategory accepts the canonical names plus a few common aliases.
func ParseCategory(s string) (Category, error) {
	switch s {
	case "prescription":
		return CategoryPrescription, nil
	case "lab_result", "lab-result", "laboratory":
		return CategoryLabResult, nil
	case "other", "":
		return CategoryOther, nil
	default:
		return "", fmt.Errorf("unknown category %q", s)
	}
}

// FileRecord is the metadata entry for one stored, encrypted file.
//
// Uploaded starts false and only ever flips to true after a successful sync.
type FileRecord struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Location    string    `json:"location"`
	Description string    `json:"description,omitempty"`
	Category    Category  `json:"category"`
	Uploaded    bool      `json:"uploaded"`
	CreatedAt   time.Time `json:"created_at"`
}

// CloneRecords copies a record slice so callers can't alias catalog state.
func CloneRecords(in []FileRecord) []FileRecord {
	if in == nil {
		return []FileRecord{}
	}
	out := make([]FileRecord, len(in))
	copy(out, in)
	return out
}
