package status

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// MarkerWatcher hot-reloads a marker table file into a Classifier. Editors
// fire several write events per save, so reloads are debounced; a table
// that fails to parse or compile is rejected and the previous one stays in
// effect.
type MarkerWatcher struct {
	classifier *Classifier
	path       string
	watcher    *fsnotify.Watcher
	log        *zap.Logger
	debounce   time.Duration

	mu      sync.Mutex
	pending *time.Timer

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// WatchMarkers watches path and pushes each valid new table into the
// classifier. The directory is watched rather than the file so atomic
// rename-over saves keep working.
func WatchMarkers(path string, classifier *Classifier, logger *zap.Logger) (*MarkerWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	mw := &MarkerWatcher{
		classifier: classifier,
		path:       filepath.Clean(path),
		watcher:    fw,
		log:        logger,
		debounce:   300 * time.Millisecond,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go mw.run()
	return mw, nil
}

func (mw *MarkerWatcher) run() {
	defer close(mw.doneCh)
	for {
		select {
		case <-mw.stopCh:
			return
		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != mw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mw.scheduleReload()
		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			mw.log.Warn("marker watcher error", zap.Error(err))
		}
	}
}

func (mw *MarkerWatcher) scheduleReload() {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.pending != nil {
		mw.pending.Stop()
	}
	mw.pending = time.AfterFunc(mw.debounce, mw.reload)
}

func (mw *MarkerWatcher) reload() {
	markers, err := LoadMarkers(mw.path)
	if err != nil {
		mw.log.Warn("keeping previous marker table", zap.String("path", mw.path), zap.Error(err))
		return
	}
	if err := mw.classifier.SetMarkers(markers); err != nil {
		mw.log.Warn("keeping previous marker table", zap.String("path", mw.path), zap.Error(err))
		return
	}
	mw.log.Info("reloaded marker table", zap.String("path", mw.path))
}

// Close stops watching. Pending debounced reloads are cancelled.
func (mw *MarkerWatcher) Close() error {
	var err error
	mw.stopOnce.Do(func() {
		close(mw.stopCh)
		err = mw.watcher.Close()
		<-mw.doneCh
		mw.mu.Lock()
		if mw.pending != nil {
			mw.pending.Stop()
		}
		mw.mu.Unlock()
	})
	return err
}
