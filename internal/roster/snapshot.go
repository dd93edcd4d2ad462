package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"go.uber.org/zap"
)

// ErrMissingSnapshotPath indicates that a persistent source was built without a file path.
var ErrMissingSnapshotPath = errors.New("roster: snapshot path required")

type snapshotFile struct {
	EventID   checkin.EventID              `json:"event_id"`
	FetchedAt time.Time                    `json:"fetched_at"`
	Attendees []checkin.AttendeeProjection `json:"attendees"`
}

// PersistentSource keeps the last roster fetched from the server of record on disk and
// serves it when the server cannot be reached.
type PersistentSource struct {
	inner  Source
	path   string
	clock  func() time.Time
	logger *zap.Logger
}

// NewPersistentSource wraps inner with an on-disk fallback stored at path.
func NewPersistentSource(inner Source, path string, logger *zap.Logger) (*PersistentSource, error) {
	if inner == nil {
		return nil, ErrMissingSource
	}
	if path == "" {
		return nil, ErrMissingSnapshotPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PersistentSource{inner: inner, path: path, clock: time.Now, logger: logger}, nil
}

// FetchRoster asks the server of record first. A successful answer replaces the stored
// snapshot; a failed one falls back to the snapshot for the same event.
func (s *PersistentSource) FetchRoster(ctx context.Context, eventID checkin.EventID) ([]checkin.AttendeeProjection, error) {
	projections, fetchErr := s.inner.FetchRoster(ctx, eventID)
	if fetchErr == nil {
		if err := s.write(eventID, projections); err != nil {
			s.logger.Warn("failed to store roster snapshot", zap.String("path", s.path), zap.Error(err))
		}
		return projections, nil
	}

	stored, err := s.read()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to read roster snapshot", zap.String("path", s.path), zap.Error(err))
		}
		return nil, fetchErr
	}
	if stored.EventID != eventID {
		return nil, fetchErr
	}
	s.logger.Warn("serving stored roster snapshot",
		zap.String("event_id", eventID.String()),
		zap.Time("fetched_at", stored.FetchedAt),
		zap.Error(fetchErr),
	)
	return stored.Attendees, nil
}

func (s *PersistentSource) write(eventID checkin.EventID, projections []checkin.AttendeeProjection) error {
	payload, err := json.Marshal(snapshotFile{EventID: eventID, FetchedAt: s.clock().UTC(), Attendees: projections})
	if err != nil {
		return err
	}
	directory := filepath.Dir(s.path)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return err
	}
	temp, err := os.CreateTemp(directory, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tempName := temp.Name()
	if _, err := temp.Write(payload); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempName)
		return err
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, s.path); err != nil {
		_ = os.Remove(tempName)
		return err
	}
	return nil
}

func (s *PersistentSource) read() (snapshotFile, error) {
	var stored snapshotFile
	payload, err := os.ReadFile(s.path)
	if err != nil {
		return stored, err
	}
	if err := json.Unmarshal(payload, &stored); err != nil {
		return stored, fmt.Errorf("decode roster snapshot: %w", err)
	}
	return stored, nil
}
