package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"kse/internal/domain"
	"kse/internal/evidence"
)

// LatestSession selects the most recent run for --continue-from and
// regression.
const LatestSession = "latest"

func (e Engine) sessionsDir() string {
	return e.Config.SessionsPath(e.Workspace)
}

// SessionPath is where a run report is persisted.
func (e Engine) SessionPath(sessionID string) string {
	return filepath.Join(e.sessionsDir(), sessionID+".json")
}

// MetricsPath is where the metrics of the last run in this process are
// written, next to the session reports.
func (e Engine) MetricsPath() string {
	return filepath.Join(filepath.Dir(e.sessionsDir()), "metrics.prom")
}

func (e Engine) writeMetrics() error {
	if e.Metrics == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(e.MetricsPath()), 0o755); err != nil {
		return err
	}
	return e.Metrics.WriteTextfile(e.MetricsPath())
}

func (e Engine) writeSession(r domain.RunReport) error {
	dir := e.sessionsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, r.SessionID+".json.tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), e.SessionPath(r.SessionID))
}

// LoadSession reads a persisted run report. "latest" resolves to the newest
// archived session, or the newest report file when nothing is archived.
func (e Engine) LoadSession(ctx context.Context, sessionID string) (domain.RunReport, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return domain.RunReport{}, errors.New("session id required")
	}
	if id == LatestSession {
		latest, err := e.latestSessionID(ctx)
		if err != nil {
			return domain.RunReport{}, err
		}
		id = latest
	}
	if strings.ContainsAny(id, `/\`) {
		return domain.RunReport{}, fmt.Errorf("invalid session id %q", id)
	}
	data, err := os.ReadFile(e.SessionPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return domain.RunReport{}, fmt.Errorf("session %s: %w", id, evidence.ErrNotFound)
	}
	if err != nil {
		return domain.RunReport{}, err
	}
	var r domain.RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.RunReport{}, fmt.Errorf("session %s: %w", id, err)
	}
	return r, nil
}

func (e Engine) latestSessionID(ctx context.Context) (string, error) {
	if entries, err := e.Store.List(ctx, 1); err == nil && len(entries) == 1 {
		return entries[0].SessionID, nil
	}
	ids, err := e.SessionFiles()
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", errors.New("no previous session found")
	}
	return ids[len(ids)-1], nil
}

// SessionFiles lists persisted session ids, oldest file first.
func (e Engine) SessionFiles() ([]string, error) {
	entries, err := os.ReadDir(e.sessionsDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	type file struct {
		id  string
		mod int64
	}
	var files []file
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		files = append(files, file{id: strings.TrimSuffix(name, ".json"), mod: info.ModTime().UnixNano()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].mod != files[j].mod {
			return files[i].mod < files[j].mod
		}
		return files[i].id < files[j].id
	})
	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.id
	}
	return ids, nil
}
