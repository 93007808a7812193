// Package file is a config.Source backed by a single file on disk,
// watched for changes with fsnotify.
//
// Grounded on contrib/config/provider/remote/remote.go's Source shape
// (url-backed Load/Watch); this package swaps the HTTP round trip for a
// local os.ReadFile and wires github.com/fsnotify/fsnotify (a teacher
// go.mod dependency no other package in this tree yet exercises) for the
// Watch half, instead of remote.go's unimplemented panic.
package file

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/omalloc/injector/contrib/config"
)

var _ config.Source = (*fileSource)(nil)

type fileSource struct {
	path string
}

// NewSource returns a config.Source reading path, whose extension selects
// the decode format ("yaml"/"yml"/"json"; anything else defaults to json
// via config.toUnmarshal's own fallback).
func NewSource(path string) config.Source {
	return &fileSource{path: path}
}

func (f *fileSource) Load() ([]*config.KeyValue, error) {
	buf, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("config/file: read %s: %w", f.path, err)
	}
	return []*config.KeyValue{{
		Key:    filepath.Base(f.path),
		Value:  buf,
		Format: format(f.path),
	}}, nil
}

func (f *fileSource) Watch() (config.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config/file: new watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config/file: watch %s: %w", f.path, err)
	}
	return &fileWatcher{source: f, watcher: watcher}, nil
}

func format(path string) string {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "json"
	}
}

type fileWatcher struct {
	source  *fileSource
	watcher *fsnotify.Watcher
}

func (w *fileWatcher) Next() ([]*config.KeyValue, error) {
	name := filepath.Base(w.source.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil, fmt.Errorf("config/file: watcher closed")
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			return w.source.Load()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil, fmt.Errorf("config/file: watcher closed")
			}
			return nil, err
		}
	}
}

func (w *fileWatcher) Stop() error {
	return w.watcher.Close()
}
