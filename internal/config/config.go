// Package config implements SPEC_FULL.md §10.5's optional YAML bootstrap
// file (range overrides) and its fsnotify hot reload. It reads no
// environment variables and offers no functional options: cmd/autotuned
// reads spec §6's environment variables itself, falls back to built-in
// defaults, and passes `TUNER_CONFIG_FILE`'s path here. This is strictly separate from the JSON state snapshot C8
// persists — this package never touches TuningState.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/vectune/autotune/params"
)

// RangeOverride is the YAML-friendly mirror of params.Range.
type RangeOverride struct {
	Lo float64 `yaml:"lo"`
	Hi float64 `yaml:"hi"`
}

// Bootstrap is the optional YAML file's top-level shape. Only range
// overrides are hot-reloadable; per-policy step-size coefficients are a
// property of the resolved policy.Policy value, not a runtime-tunable table,
// so there is no policy section here (see DESIGN.md).
type Bootstrap struct {
	Ranges map[string]RangeOverride `yaml:"ranges"`
}

// Load parses a bootstrap YAML file. A missing path is not an error (the
// file is optional); the caller decides whether to look for one at all by
// checking TUNER_CONFIG_FILE itself.
func Load(path string) (Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Bootstrap{}, nil
		}
		return Bootstrap{}, fmt.Errorf("read config file: %w", err)
	}
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Bootstrap{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return b, nil
}

// RangesFromBootstrap applies any declared range overrides onto a base
// params.Ranges, leaving knobs the file doesn't mention untouched.
func RangesFromBootstrap(base params.Ranges, b Bootstrap) params.Ranges {
	out := make(params.Ranges, len(base))
	for k, v := range base {
		out[k] = v
	}
	for name, r := range b.Ranges {
		if k, ok := params.KnobByName(name); ok {
			out[k] = params.Range{Lo: r.Lo, Hi: r.Hi}
		}
	}
	return out
}

// Watcher hot-reloads a bootstrap file on write, publishing the newly
// parsed Bootstrap to onChange: a single fsnotify.Watcher on the file's
// containing directory, filtering events down to the exact path and the
// Write op, with parse errors reported rather than applied.
type Watcher struct {
	path      string
	watcher   *fsnotify.Watcher
	mu        sync.Mutex
	isWatching bool
}

// NewWatcher constructs a Watcher over the directory containing path.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{path: path, watcher: fw}, nil
}

// Watch starts watching, delivering each successfully reloaded Bootstrap to
// onChange and parse/watch errors to onError, until ctx is cancelled or
// Stop is called. Safe to call once per Watcher.
func (w *Watcher) Watch(ctx context.Context, onChange func(Bootstrap), onError func(error)) error {
	w.mu.Lock()
	if w.isWatching {
		w.mu.Unlock()
		return fmt.Errorf("watcher already started")
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}
	w.isWatching = true
	w.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Name != w.path || ev.Op&fsnotify.Write != fsnotify.Write {
					continue
				}
				b, err := Load(w.path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				if onChange != nil {
					onChange(b)
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
