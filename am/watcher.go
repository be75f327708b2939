package am

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/sensorium/worldmodel/logger"
)

// CredentialsWatcher watches the resolved credential file for rotation and
// triggers callbacks so live connections can be re-established with fresh
// material.
type CredentialsWatcher struct {
	path           string
	watcher        *fsnotify.Watcher
	callbacks      []RotationCallback
	mu             sync.RWMutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	logger         *zap.SugaredLogger
	done           chan struct{}
	closeOnce      sync.Once
}

// RotationCallback is called after the credential file changes.
type RotationCallback func(path string)

// NewCredentialsWatcher creates a watcher over the resolved credential file.
func NewCredentialsWatcher(path string, logger *zap.SugaredLogger) (*CredentialsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch credentials file %s: %w", path, err)
	}

	cw := &CredentialsWatcher{
		path:           path,
		watcher:        watcher,
		debouncePeriod: 500 * time.Millisecond, // rotation tools write in bursts
		logger:         logger,
		done:           make(chan struct{}),
	}
	go cw.loop()
	return cw, nil
}

// OnRotation registers a callback to run after the file changes.
func (cw *CredentialsWatcher) OnRotation(callback RotationCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *CredentialsWatcher) loop() {
	for {
		select {
		case <-cw.done:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cw.mu.Lock()
			if cw.debounceTimer != nil {
				cw.debounceTimer.Stop()
			}
			cw.debounceTimer = time.AfterFunc(cw.debouncePeriod, cw.fire)
			cw.mu.Unlock()
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warnw("Credentials watcher error", logger.FieldError, err)
		}
	}
}

func (cw *CredentialsWatcher) fire() {
	cw.mu.RLock()
	callbacks := append([]RotationCallback(nil), cw.callbacks...)
	cw.mu.RUnlock()

	cw.logger.Infow("Credentials file changed", "path", cw.path)
	for _, cb := range callbacks {
		cb(cw.path)
	}
}

// Close stops watching.
func (cw *CredentialsWatcher) Close() error {
	var err error
	cw.closeOnce.Do(func() {
		close(cw.done)
		err = cw.watcher.Close()
	})
	return err
}
