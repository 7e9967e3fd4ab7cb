package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"kse/internal/domain"
)

// CurrentVersion is the evidence document format version.
const CurrentVersion = 1

type document struct {
	Version   int                    `json:"version"`
	UpdatedAt string                 `json:"updated_at"`
	Entries   []domain.EvidenceEntry `json:"entries"`
}

// FileStore keeps every entry in one JSON document. Writers serialise on an
// exclusive lock of a sidecar file and replace the document atomically.
type FileStore struct {
	Path   string
	Logger *zap.Logger
	Now    func() time.Time
}

func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{Path: path, Logger: logger}
}

func (s *FileStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *FileStore) lockPath() string { return s.Path + ".lock" }

func (s *FileStore) Upsert(ctx context.Context, e domain.EvidenceEntry) error {
	if e.SessionID == "" {
		return errors.New("evidence entry has no session id")
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("create evidence directory: %w", err)
	}
	unlock, err := lockFile(ctx, s.lockPath(), true)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		var corrupt *corruptError
		if !errors.As(err, &corrupt) {
			return err
		}
		backup := fmt.Sprintf("%s.corrupt-%s", s.Path, s.now().Format("20060102T150405Z"))
		if rerr := os.Rename(s.Path, backup); rerr != nil {
			return fmt.Errorf("back up corrupt evidence store: %w", rerr)
		}
		if s.Logger != nil {
			s.Logger.Warn("evidence store was corrupt; backed up and reset",
				zap.String("backup", backup), zap.Error(corrupt.err))
		}
		doc = document{}
	}

	replaced := false
	for i := range doc.Entries {
		if doc.Entries[i].SessionID == e.SessionID {
			doc.Entries[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Entries = append(doc.Entries, e)
	}
	doc.Version = CurrentVersion
	doc.UpdatedAt = s.now().Format(time.RFC3339)
	return s.write(doc)
}

func (s *FileStore) List(ctx context.Context, limit int) ([]domain.EvidenceEntry, error) {
	doc, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return lastN(doc.Entries, limit), nil
}

func (s *FileStore) Get(ctx context.Context, sessionID string) (domain.EvidenceEntry, error) {
	doc, err := s.snapshot(ctx)
	if err != nil {
		return domain.EvidenceEntry{}, err
	}
	for _, e := range doc.Entries {
		if e.SessionID == sessionID {
			return e, nil
		}
	}
	return domain.EvidenceEntry{}, ErrNotFound
}

func (s *FileStore) snapshot(ctx context.Context) (document, error) {
	if _, err := os.Stat(s.Path); errors.Is(err, os.ErrNotExist) {
		return document{Version: CurrentVersion, Entries: []domain.EvidenceEntry{}}, nil
	}
	unlock, err := lockFile(ctx, s.lockPath(), false)
	if err != nil {
		return document{}, err
	}
	defer unlock()
	return s.read()
}

type corruptError struct{ err error }

func (e *corruptError) Error() string { return "corrupt evidence store: " + e.err.Error() }

func (s *FileStore) read() (document, error) {
	doc := document{Version: CurrentVersion, Entries: []domain.EvidenceEntry{}}
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read evidence store: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, &corruptError{err: err}
	}
	if doc.Version > CurrentVersion {
		return document{}, fmt.Errorf("evidence store %s has version %d; this kse understands up to %d", s.Path, doc.Version, CurrentVersion)
	}
	if doc.Entries == nil {
		doc.Entries = []domain.EvidenceEntry{}
	}
	return doc, nil
}

func (s *FileStore) write(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), filepath.Base(s.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp evidence file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, s.Path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replace evidence store: %w", err)
	}
	return nil
}
