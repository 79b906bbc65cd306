// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	cfgapi "github.com/containers/hsa-runtime/pkg/apis/config/v1alpha1"
)

// UpdateFn is called with every successfully reloaded configuration.
type UpdateFn func(*cfgapi.RuntimeConfig)

// Watcher reloads a configuration file when it changes.
type Watcher struct {
	dir      string
	file     string
	fn       UpdateFn
	fsw      *fsnotify.Watcher
	last     []byte
	stopOnce sync.Once
	stopC    chan struct{}
	doneC    chan struct{}
}

// Watch starts watching the given configuration file. The directory of
// the file is watched so that the file can be replaced atomically. Every
// change which parses into a valid configuration is passed to fn.
// Invalid updates are logged and ignored.
func Watch(path string, fn UpdateFn) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err = fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		dir:   filepath.Dir(absPath),
		file:  filepath.Base(absPath),
		fn:    fn,
		fsw:   fsw,
		stopC: make(chan struct{}),
		doneC: make(chan struct{}),
	}

	// unchanged rewrites are not reported
	w.last, _ = os.ReadFile(absPath)

	go w.run()

	return w, nil
}

// Stop stops the watch.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopC)
		<-w.doneC
	})
}

func (w *Watcher) run() {
	defer close(w.doneC)

	for {
		select {
		case <-w.stopC:
			if err := w.fsw.Close(); err != nil {
				log.Warn("%s failed to close fsnotify watcher: %v", w.name(), err)
			}
			return

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("%s got error: %v", w.name(), err)

		case e, ok := <-w.fsw.Events:
			if !ok {
				log.Error("%s failed to receive fsnotify event", w.name())
				return
			}

			log.Debug("%s got event %+v", w.name(), e)

			if filepath.Base(e.Name) != w.file {
				continue
			}

			switch {
			case e.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.reload()
			case e.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				log.Warn("%s removed, keeping current configuration", w.name())
				w.last = nil
			}
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(filepath.Join(w.dir, w.file))
	if err != nil {
		log.Debug("%s failed to read: %v", w.name(), err)
		return
	}
	if len(data) == 0 {
		// truncated, the new content is yet to be written
		return
	}

	if w.last != nil && string(data) == string(w.last) {
		return
	}

	cfg, err := Parse(data)
	if err != nil {
		log.Error("%s ignoring invalid update: %v", w.name(), err)
		return
	}

	w.last = data
	log.Info("%s configuration updated", w.name())

	w.fn(cfg)
}

func (w *Watcher) name() string {
	return "config-watch:" + filepath.Join(w.dir, w.file)
}
