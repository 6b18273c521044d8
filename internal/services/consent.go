package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/logging"
	"github.com/dmitrijs2005/medvault/internal/models"
	"github.com/dmitrijs2005/medvault/internal/repositories/metadata"
)

const (
	consentTextKey     = "consent_text"
	consentAcceptedKey = "consent_accepted_at"
)

// ConsentStore serves the consent text and records the user's acceptance.
type ConsentStore interface {
	// FetchText returns the consent text. Read failures wrap common.ErrIO.
	FetchText(ctx context.Context) (string, error)
	// RecordAcceptance durably records acceptance. It is idempotent: the
	// first call stores the timestamp, later calls only confirm it.
	// Failures wrap common.ErrPersistence.
	RecordAcceptance(ctx context.Context) (bool, error)
	Status(ctx context.Context) (models.ConsentStatus, error)
}

type consentStore struct {
	repo        metadata.Repository
	defaultText string
	latency     time.Duration
	log         logging.Logger
	now         func() time.Time
}

// NewConsentStore builds a ConsentStore over the metadata table. A text
// stored under "consent_text" overrides defaultText. latency simulates a
// slow backend and may be zero.
func NewConsentStore(repo metadata.Repository, defaultText string, latency time.Duration, log logging.Logger) ConsentStore {
	return &consentStore{
		repo:        repo,
		defaultText: defaultText,
		latency:     latency,
		log:         log,
		now:         time.Now,
	}
}

func (s *consentStore) FetchText(ctx context.Context) (string, error) {
	s.log.Debug(ctx, "fetching consent content")

	if err := sleepCtx(ctx, s.latency); err != nil {
		return "", err
	}

	v, err := s.repo.Get(ctx, consentTextKey)
	if err != nil {
		return "", fmt.Errorf("%w: read consent text: %w", common.ErrIO, err)
	}
	if len(v) > 0 {
		return string(v), nil
	}
	return s.defaultText, nil
}

func (s *consentStore) RecordAcceptance(ctx context.Context) (bool, error) {
	s.log.Debug(ctx, "recording consent acceptance")

	if err := sleepCtx(ctx, s.latency); err != nil {
		return false, err
	}

	stamp := s.now().UTC().Format(time.RFC3339Nano)
	stored, err := s.repo.SetIfAbsent(ctx, consentAcceptedKey, []byte(stamp))
	if err != nil {
		return false, fmt.Errorf("%w: record consent: %w", common.ErrPersistence, err)
	}
	if stored {
		s.log.Info(ctx, "consent accepted", "at", stamp)
	}
	return true, nil
}

func (s *consentStore) Status(ctx context.Context) (models.ConsentStatus, error) {
	text, err := s.FetchText(ctx)
	if err != nil {
		return models.ConsentStatus{}, err
	}

	status := models.ConsentStatus{Content: text}

	v, err := s.repo.Get(ctx, consentAcceptedKey)
	if err != nil {
		return models.ConsentStatus{}, fmt.Errorf("%w: read consent status: %w", common.ErrIO, err)
	}
	if v == nil {
		return status, nil
	}

	status.Accepted = true
	if at, err := time.Parse(time.RFC3339Nano, string(v)); err == nil {
		status.AcceptedAt = &at
	}
	return status, nil
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
