package config

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// MappingStore resolves workspace namespaces to chat channels for passive
// sessions, reloading from the config file when it changes. A reload only
// affects sessions created afterwards; existing channel bindings are
// write-once.
type MappingStore struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex
	byNS    map[string]string
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMappingStore seeds the store from an already loaded config. path is
// the config file to watch for reloads.
func NewMappingStore(path string, mappings []Mapping, log *slog.Logger) *MappingStore {
	return &MappingStore{
		path: path,
		log:  log,
		byNS: indexMappings(mappings),
	}
}

func indexMappings(mappings []Mapping) map[string]string {
	byNS := make(map[string]string, len(mappings))
	for _, m := range mappings {
		byNS[m.Namespace] = m.Channel
	}
	return byNS
}

// Resolve returns the channel for a workspace namespace.
func (s *MappingStore) Resolve(namespace string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channel, ok := s.byNS[namespace]
	return channel, ok
}

// Watch starts hot reload of the mapping table from the config file. A
// config that fails to load or validate keeps the previous table.
func (s *MappingStore) Watch() error {
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
				s.log.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (s *MappingStore) reload() {
	cfg, err := Load(s.path)
	if err != nil {
		s.log.Error("config reload failed, keeping previous mappings", "path", s.path, "error", err)
		return
	}
	s.mu.Lock()
	s.byNS = indexMappings(cfg.Mappings)
	s.mu.Unlock()
	s.log.Info("workspace mappings reloaded", "path", s.path, "count", len(cfg.Mappings))
}

// Close stops the watcher.
func (s *MappingStore) Close() {
	if s.watcher == nil {
		return
	}
	close(s.stopCh)
	s.watcher.Close()
	s.wg.Wait()
	s.watcher = nil
}
