package files

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// treeWatcher watches a directory and every directory below it. fsnotify
// watches are not recursive, new directories are added as they appear.
type treeWatcher struct {
	watcher *fsnotify.Watcher
}

func newTreeWatcher(root string) (*treeWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	tw := &treeWatcher{watcher: w}
	if err := tw.addTree(root); err != nil {
		_ = w.Close()
		return nil, err
	}
	return tw, nil
}

func (tw *treeWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := tw.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (tw *treeWatcher) addIfDir(path string) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		_ = tw.addTree(path)
	}
}

func (tw *treeWatcher) Events() <-chan fsnotify.Event { return tw.watcher.Events }
func (tw *treeWatcher) Errors() <-chan error          { return tw.watcher.Errors }

func (tw *treeWatcher) Close() error {
	return tw.watcher.Close()
}
