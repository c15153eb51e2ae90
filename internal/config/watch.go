package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher reloads and validates the configuration file on change, handing
// the new value to OnChange only once it has passed Validate — a bad edit
// to the file on disk never reaches a running proxy.
type Watcher struct {
	path     string
	v        *viper.Viper
	mu       sync.Mutex
	current  *Config
	OnChange func(*Config)
	OnError  func(error)
}

// NewWatcher wraps an already-loaded configuration for change-watching.
func NewWatcher(path string, initial *Config) *Watcher {
	v := viper.New()
	v.SetConfigFile(path)
	defaults(v)

	return &Watcher{path: path, v: v, current: initial}
}

// Start begins watching the underlying file for writes, per the teacher's
// watch-config flag / fsnotify.Event handling shape. Structural changes
// (switching mode, changing listen_addr) are reported via OnChange same as
// any other change; the caller decides which fields it can apply live.
func (w *Watcher) Start() {
	w.v.OnConfigChange(func(_ fsnotify.Event) {
		hasMongo, hasRedis, err := sectionsInFile(w.path)
		if err != nil {
			if w.OnError != nil {
				w.OnError(err)
			}
			return
		}

		if err := w.v.ReadInConfig(); err != nil {
			if w.OnError != nil {
				w.OnError(err)
			}
			return
		}

		cfg, err := decodeAndValidate(w.v, hasMongo, hasRedis)
		if err != nil {
			if w.OnError != nil {
				w.OnError(err)
			}
			return
		}

		w.mu.Lock()
		w.current = cfg
		w.mu.Unlock()

		if w.OnChange != nil {
			w.OnChange(cfg)
		}
	})
	go w.v.WatchConfig()
}

// Current returns the most recently applied configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}
