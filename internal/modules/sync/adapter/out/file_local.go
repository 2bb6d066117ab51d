package out

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	syncout "flowsync/internal/modules/sync/port/out"
)

const roomFileExt = ".state"

// FileLocalStore writes one file per room under dir. Handles watch their
// file and report writes made by other processes.
type FileLocalStore struct {
	dir    string
	logger zerolog.Logger
}

func NewFileLocalStore(dir string, logger zerolog.Logger) (*FileLocalStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("file store needs a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileLocalStore{dir: dir, logger: logger}, nil
}

var _ syncout.LocalStore = (*FileLocalStore)(nil)

func (s *FileLocalStore) Open(_ context.Context, roomID string) (syncout.LocalHandle, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// watching the directory survives the rename used for atomic writes
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", s.dir, err)
	}
	h := &fileHandle{
		path:    filepath.Join(s.dir, url.PathEscape(roomID)+roomFileExt),
		watcher: watcher,
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  s.logger.With().Str("room", roomID).Logger(),
	}
	go h.watch()
	return h, nil
}

func (s *FileLocalStore) Rooms(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	out := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, roomFileExt) {
			continue
		}
		roomID, err := url.PathUnescape(strings.TrimSuffix(name, roomFileExt))
		if err != nil {
			continue
		}
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out, nil
}

type fileHandle struct {
	path    string
	watcher *fsnotify.Watcher
	changes chan struct{}
	done    chan struct{}
	logger  zerolog.Logger

	mu    sync.Mutex
	known [sha256.Size]byte

	closeOnce sync.Once
}

var _ syncout.ChangeWatcher = (*fileHandle)(nil)

func (h *fileHandle) Load(context.Context) ([]byte, error) {
	state, err := os.ReadFile(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read room state: %w", err)
	}
	h.remember(state)
	if len(state) == 0 {
		return nil, nil
	}
	return state, nil
}

func (h *fileHandle) Save(_ context.Context, state []byte) error {
	h.remember(state)
	if err := writeFileAtomic(h.path, state, 0o644); err != nil {
		return fmt.Errorf("write room state: %w", err)
	}
	return nil
}

func (h *fileHandle) Changes() <-chan struct{} { return h.changes }

func (h *fileHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		err = h.watcher.Close()
	})
	return err
}

func (h *fileHandle) remember(state []byte) {
	sum := sha256.Sum256(state)
	h.mu.Lock()
	h.known = sum
	h.mu.Unlock()
}

// foreign reports whether the file now holds content this handle neither
// wrote nor loaded.
func (h *fileHandle) foreign() bool {
	state, err := os.ReadFile(h.path)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(state)
	h.mu.Lock()
	defer h.mu.Unlock()
	return !bytes.Equal(sum[:], h.known[:])
}

func (h *fileHandle) watch() {
	defer close(h.changes)
	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(h.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !h.foreign() {
				continue
			}
			select {
			case h.changes <- struct{}{}:
			default:
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn().Err(err).Msg("watching room file failed")
		}
	}
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
