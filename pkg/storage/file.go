package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/gridcharge/pkg/log"
	"github.com/raterudder/gridcharge/pkg/types"
)

// ErrStateNotFound is returned by readJSON when the file doesn't exist yet.
var ErrStateNotFound = errors.New("state file not found")

const (
	actionsFileName = "actions.jsonl"
	pricesFileName  = "prices.json"
	essMockFileName = "ess_mock.json"

	priceRetention = 7 * 24 * time.Hour
)

// FileProvider implements Database on the local filesystem. The session
// state is a single JSON file replaced atomically on every write. Actions are
// appended to a JSON lines file next to it.
type FileProvider struct {
	stateFile string
	dir       string

	mu sync.Mutex
}

// fileSessionState is the on-disk shape of the session state file.
type fileSessionState struct {
	types.SessionState
	Version int `json:"version"`
}

func configuredFile() *FileProvider {
	stateFile := lflag.String("state-file", "charging-state.json", "Path of the session state file (file storage)")

	f := &FileProvider{}

	lflag.Do(func() {
		f.stateFile = *stateFile
		f.dir = filepath.Dir(*stateFile)
	})

	return f
}

// NewFileProvider returns a FileProvider that keeps its state in stateFile.
func NewFileProvider(stateFile string) *FileProvider {
	return &FileProvider{
		stateFile: stateFile,
		dir:       filepath.Dir(stateFile),
	}
}

// Validate checks that the state directory exists.
func (f *FileProvider) Validate() error {
	if f.stateFile == "" {
		return fmt.Errorf("state-file cannot be empty")
	}
	info, err := os.Stat(f.dir)
	if err != nil {
		return fmt.Errorf("state directory %s: %w", f.dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("state directory %s is not a directory", f.dir)
	}
	return nil
}

// Close does nothing, every write is already durable.
func (f *FileProvider) Close() error {
	return nil
}

// GetSessionState reads the state file. A missing file is the zero state at
// version 0, which the caller migrates like any other old state.
func (f *FileProvider) GetSessionState(ctx context.Context) (types.SessionState, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var s fileSessionState
	if err := readJSON(f.stateFile, &s); err != nil {
		if errors.Is(err, ErrStateNotFound) {
			log.Ctx(ctx).InfoContext(ctx, "no session state file, starting idle", slog.String("path", f.stateFile))
			return types.SessionState{}, 0, nil
		}
		return types.SessionState{}, 0, fmt.Errorf("failed to read session state: %w", err)
	}
	return s.SessionState, s.Version, nil
}

// SetSessionState atomically replaces the state file.
func (f *FileProvider) SetSessionState(ctx context.Context, state types.SessionState, version int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := writeJSONAtomic(f.stateFile, fileSessionState{SessionState: state, Version: version}); err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}
	return nil
}

// InsertAction appends the action as one line of JSON.
func (f *FileProvider) InsertAction(ctx context.Context, action types.Action) error {
	b, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	b = append(b, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(filepath.Join(f.dir, actionsFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open actions file: %w", err)
	}
	if _, err := fh.Write(b); err != nil {
		fh.Close()
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return fh.Close()
}

// GetActionHistory scans the actions file for actions in [start, end).
// Lines that fail to decode are skipped, a crash can leave a torn last line.
func (f *FileProvider) GetActionHistory(ctx context.Context, start, end time.Time) ([]types.Action, error) {
	var actions []types.Action
	err := f.scanActions(ctx, func(a types.Action) {
		if !a.Timestamp.Before(start) && a.Timestamp.Before(end) {
			actions = append(actions, a)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Timestamp.Before(actions[j].Timestamp)
	})
	return actions, nil
}

// GetLatestAction returns the last action in the file or nil.
func (f *FileProvider) GetLatestAction(ctx context.Context) (*types.Action, error) {
	var latest *types.Action
	err := f.scanActions(ctx, func(a types.Action) {
		if latest == nil || !a.Timestamp.Before(latest.Timestamp) {
			latest = &a
		}
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}

func (f *FileProvider) scanActions(ctx context.Context, fn func(types.Action)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.Open(filepath.Join(f.dir, actionsFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open actions file: %w", err)
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var a types.Action
		if err := json.Unmarshal(scanner.Bytes(), &a); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed action line", slog.Int("line", line), slog.Any("err", err))
			continue
		}
		fn(a)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading actions file: %w", err)
	}
	return nil
}

// UpsertPrices merges prices into the prices file keyed by slot start and
// drops slots older than a week.
func (f *FileProvider) UpsertPrices(ctx context.Context, prices []types.Price) error {
	if len(prices) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := filepath.Join(f.dir, pricesFileName)
	var existing []types.Price
	if err := readJSON(path, &existing); err != nil && !errors.Is(err, ErrStateNotFound) {
		return fmt.Errorf("failed to read prices: %w", err)
	}

	bySlot := make(map[int64]types.Price, len(existing)+len(prices))
	for _, p := range existing {
		bySlot[p.ValidFrom.Unix()] = p
	}
	for _, p := range prices {
		if p.ValidFrom.IsZero() {
			return fmt.Errorf("price missing validFrom")
		}
		bySlot[p.ValidFrom.Unix()] = p
	}

	cutoff := time.Now().Add(-priceRetention)
	merged := make([]types.Price, 0, len(bySlot))
	for _, p := range bySlot {
		if p.ValidTo.Before(cutoff) {
			continue
		}
		merged = append(merged, p)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ValidFrom.Before(merged[j].ValidFrom)
	})

	if err := writeJSONAtomic(path, merged); err != nil {
		return fmt.Errorf("failed to save prices: %w", err)
	}
	return nil
}

// GetPriceHistory returns the stored prices starting in [start, end).
func (f *FileProvider) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var all []types.Price
	if err := readJSON(filepath.Join(f.dir, pricesFileName), &all); err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read prices: %w", err)
	}
	var prices []types.Price
	for _, p := range all {
		if !p.ValidFrom.Before(start) && p.ValidFrom.Before(end) {
			prices = append(prices, p)
		}
	}
	return prices, nil
}

// UpdateESSMockState replaces the simulated battery state.
func (f *FileProvider) UpdateESSMockState(ctx context.Context, state types.ESSMockState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := writeJSONAtomic(filepath.Join(f.dir, essMockFileName), state); err != nil {
		return fmt.Errorf("failed to save ess mock state: %w", err)
	}
	return nil
}

// GetESSMockState reads the simulated battery state, the zero state if none.
func (f *FileProvider) GetESSMockState(ctx context.Context) (types.ESSMockState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var s types.ESSMockState
	if err := readJSON(filepath.Join(f.dir, essMockFileName), &s); err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return types.ESSMockState{}, nil
		}
		return types.ESSMockState{}, fmt.Errorf("failed to read ess mock state: %w", err)
	}
	return s, nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrStateNotFound
		}
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}
	return nil
}

// writeJSONAtomic writes v to a temp file in the same directory, syncs it and
// renames it over path, so readers see either the old or the new contents.
func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(b); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
