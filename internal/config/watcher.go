package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/lem-app/lem/internal/logging"
)

// Watcher monitors the .env file and applies the one setting that is safe
// to flip on a running service: the log level.
type Watcher struct {
	envPath  string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
}

// NewWatcher creates a watcher for the given .env path. An empty path (no
// .env present at startup) returns a nil watcher, which is safe to Stop.
func NewWatcher(envPath string) (*Watcher, error) {
	if envPath == "" {
		return nil, nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		envPath:  envPath,
		watcher:  fsw,
		stopChan: make(chan struct{}),
	}
	return w, nil
}

// Start begins watching the directory holding the .env file.
func (w *Watcher) Start() error {
	if w == nil {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.envPath)); err != nil {
		return err
	}
	go w.watchForChanges()
	log.Info().Str("env_path", w.envPath).Msg("Watching .env for log level changes")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
	w.watcher.Close()
}

func (w *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce: editors often truncate then write.
			time.Sleep(100 * time.Millisecond)
			w.applyLogLevel()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) applyLogLevel() {
	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		log.Warn().Err(err).Str("file", w.envPath).Msg("Failed to re-read .env")
		return
	}
	level, ok := envMap["LEM_LOG_LEVEL"]
	if !ok {
		return
	}
	logging.SetLevel(level)
	log.Info().Str("level", level).Msg("Applied log level from .env")
}
