package policy

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Store holds the active rule set and hot-swaps it when the policy file
// changes on disk. A reload that fails to compile keeps the previous rules.
type Store struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex
	current *RuleSet

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewStore loads the policy at path. An empty path gives a store whose
// verdict is always ask.
func NewStore(path string, log *slog.Logger) (*Store, error) {
	rules, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, log: log, current: rules}, nil
}

// Evaluate applies the current rule set.
func (s *Store) Evaluate(filePath, riskLevel string) Verdict {
	s.mu.RLock()
	rules := s.current
	s.mu.RUnlock()
	return rules.Evaluate(filePath, riskLevel)
}

// Watch starts reloading the policy file on change. Watching the parent
// directory survives editors that replace the file by rename.
func (s *Store) Watch() error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher
	s.stopCh = make(chan struct{})
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		target := filepath.Clean(s.path)
		for {
			select {
			case <-s.stopCh:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				s.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (s *Store) reload() {
	rules, err := Load(s.path)
	if err != nil {
		s.log.Error("policy reload failed, keeping previous rules", "path", s.path, "error", err)
		return
	}
	s.mu.Lock()
	s.current = rules
	s.mu.Unlock()
	s.log.Info("policy reloaded", "path", s.path)
}

// Close stops the watcher.
func (s *Store) Close() {
	if s.watcher == nil {
		return
	}
	close(s.stopCh)
	s.watcher.Close()
	s.wg.Wait()
	s.watcher = nil
}
