package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/demomastra2025-eng/chatsync/internal/chatsync"
)

const spoolRescanInterval = time.Second

// SpoolSource consumes frames dropped as *.json files into a directory.
// Files are delivered in name order and removed once read. Writers should
// use WriteSpoolFile so a frame is never observed half written.
type SpoolSource struct {
	dir      string
	watcher  *fsnotify.Watcher
	pending  []string
	rescan   *time.Ticker
	needScan bool
}

func SpoolDialer(dir string) chatsync.Dialer {
	return func(ctx context.Context) (chatsync.EventSource, error) {
		return OpenSpool(dir)
	}
}

func OpenSpool(dir string) (*SpoolSource, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: spool directory is required", chatsync.ErrPermanent)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return &SpoolSource{
		dir:      dir,
		watcher:  watcher,
		rescan:   time.NewTicker(spoolRescanInterval),
		needScan: true,
	}, nil
}

func (s *SpoolSource) Next(ctx context.Context) ([]byte, error) {
	for {
		if s.needScan {
			if err := s.scan(); err != nil {
				return nil, err
			}
			s.needScan = false
		}
		for len(s.pending) > 0 {
			name := s.pending[0]
			s.pending = s.pending[1:]
			frame, err := s.take(name)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return nil, err
			}
			if len(frame) == 0 {
				continue
			}
			return frame, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return nil, errors.New("spool watcher closed")
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				if isSpoolFrame(filepath.Base(ev.Name)) {
					s.needScan = true
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil, errors.New("spool watcher closed")
			}
			return nil, err
		case <-s.rescan.C:
			s.needScan = true
		}
	}
}

func (s *SpoolSource) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	queued := make(map[string]struct{}, len(s.pending))
	for _, name := range s.pending {
		queued[name] = struct{}{}
	}
	for _, entry := range entries {
		if entry.IsDir() || !isSpoolFrame(entry.Name()) {
			continue
		}
		if _, ok := queued[entry.Name()]; ok {
			continue
		}
		s.pending = append(s.pending, entry.Name())
	}
	sort.Strings(s.pending)
	return nil
}

func (s *SpoolSource) take(name string) ([]byte, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return data, nil
}

func (s *SpoolSource) Close() error {
	s.rescan.Stop()
	return s.watcher.Close()
}

func isSpoolFrame(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

// WriteSpoolFile atomically drops frame into dir and returns its path.
func WriteSpoolFile(dir string, frame []byte) (string, error) {
	name := fmt.Sprintf("%020d-%s.json", time.Now().UnixNano(), uuid.NewString())
	path := filepath.Join(dir, name)
	if err := writeFileAtomic(path, frame, 0o644); err != nil {
		return "", err
	}
	return path, nil
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
