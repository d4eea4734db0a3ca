package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// settle is how long a burst of file events must be quiet before reloading.
const settle = time.Second / 10

var (
	gLock   sync.RWMutex
	gConfig *Config
)

func configFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config, err := Parse(data, formatOf(path))
	if err != nil {
		return nil, err
	}
	log.Debugf("Loaded configuration: %v", spew.Sdump(config))
	return config, nil
}

// Get returns the most recently loaded configuration.
func Get() *Config {
	gLock.RLock()
	defer gLock.RUnlock()
	return gConfig
}

func set(c *Config) {
	gLock.Lock()
	defer gLock.Unlock()
	gConfig = c
}

// Load reads the config at path and keeps watching it until ctx is done.
// Every successful reload is stored for Get and passed to onChange, which may
// be nil. A file that fails to parse is logged and ignored.
func Load(ctx context.Context, path string, onChange func(*Config)) (*Config, error) {
	config, err := configFromFile(path)
	if err != nil {
		return nil, err
	}
	set(config)
	log.Infof("Loaded configuration from %v", path)

	// Watch the directory: editors often replace the file, which drops a
	// watch on the file itself.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	go watch(ctx, watcher, filepath.Clean(path), onChange)
	return config, nil
}

func watch(ctx context.Context, watcher *fsnotify.Watcher, path string, onChange func(*Config)) {
	defer watcher.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("Error watching %v: %v", path, err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(settle)
		case <-pending:
			pending = nil
			config, err := configFromFile(path)
			if err != nil {
				log.Errorf("Failed to load new config: %v", err)
				continue
			}
			set(config)
			log.Infof("Reloaded configuration from %v", path)
			if onChange != nil {
				onChange(config)
			}
		}
	}
}
