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
package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goplugin "plugin"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/hsa-runtime/pkg/core"
)

// Kind tells whether failing to load a plugin is fatal.
type Kind int

const (
	// Extension plugins are mandatory.
	Extension Kind = iota
	// Tool plugins are optional.
	Tool
)

// String returns a string representation of the plugin kind.
func (k Kind) String() string {
	switch k {
	case Extension:
		return "extension"
	case Tool:
		return "tool"
	}
	return fmt.Sprintf("%%!(plugin:Bad-Kind %d)", int(k))
}

var (
	// ErrNotFound is returned for plugins which can't be resolved.
	ErrNotFound = errors.New("plugin not found")
)

// Loader loads and unloads plugins of a single kind.
type Loader struct {
	sync.Mutex
	kind       Kind
	searchPath []string
	loaded     []Plugin
}

// NewLoader creates a loader for plugins of the given kind.
func NewLoader(kind Kind, searchPath []string) *Loader {
	return &Loader{
		kind:       kind,
		searchPath: searchPath,
	}
}

// Load resolves and loads the named plugins in order. For extensions the
// first failure aborts loading and is returned; the plugins loaded so far
// stay loaded until Unload. For tools failures are logged and skipped.
func (l *Loader) Load(host Host, names []string) error {
	l.Lock()
	defer l.Unlock()

	for _, name := range names {
		if err := l.load(host, name); err != nil {
			if l.kind == Extension {
				log.Error("failed to load extension %s: %v", name, err)
				return fmt.Errorf("failed to load extension %s: %w", name, err)
			}
			log.Warn("skipping tool %s: %v", name, err)
			continue
		}
	}

	return nil
}

func (l *Loader) load(host Host, name string) error {
	p, err := l.resolve(name)
	if err != nil {
		return err
	}

	if err := checkVersion(p); err != nil {
		return err
	}

	if err := p.OnLoad(host); err != nil {
		return fmt.Errorf("%s %s: OnLoad failed: %w", l.kind, p.Name(), err)
	}

	l.loaded = append(l.loaded, p)
	log.Info("loaded %s %s (API %s)", l.kind, p.Name(), p.Version())

	return nil
}

// resolve looks up a statically registered plugin, then a shared object
// along the search path.
func (l *Loader) resolve(name string) (Plugin, error) {
	if factory, ok := lookupFactory(name); ok {
		p := factory()
		if p == nil {
			return nil, fmt.Errorf("%w: factory of %s returned no plugin", core.ErrInvalidArgument, name)
		}
		return p, nil
	}

	path, err := l.find(name)
	if err != nil {
		return nil, err
	}

	return open(path)
}

func (l *Loader) find(name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrNotFound, name, err)
		}
		return name, nil
	}

	file := name
	if filepath.Ext(file) != ".so" {
		file += ".so"
	}
	for _, dir := range l.searchPath {
		path := filepath.Join(dir, file)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w: %s (search path %q)", ErrNotFound, name, l.searchPath)
}

func open(path string) (Plugin, error) {
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin %s: %w", path, err)
	}

	sym, err := so.Lookup(Symbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", path, err)
	}

	switch entry := sym.(type) {
	case func() Plugin:
		return entry(), nil
	case *Factory:
		return (*entry)(), nil
	case *Plugin:
		return *entry, nil
	}

	return nil, fmt.Errorf("%w: plugin %s: symbol %s has unexpected type %T",
		core.ErrInvalidArgument, path, Symbol, sym)
}

// Loaded returns the names of the loaded plugins in load order.
func (l *Loader) Loaded() []string {
	l.Lock()
	defer l.Unlock()

	names := make([]string, 0, len(l.loaded))
	for _, p := range l.loaded {
		names = append(names, p.Name())
	}
	return names
}

// Unload unloads all loaded plugins in reverse load order. Failures are
// collected and do not stop unloading the remaining plugins.
func (l *Loader) Unload() error {
	l.Lock()
	defer l.Unlock()

	var result *multierror.Error
	for i := len(l.loaded) - 1; i >= 0; i-- {
		p := l.loaded[i]
		if err := unload(p); err != nil {
			log.Error("failed to unload %s %s: %v", l.kind, p.Name(), err)
			result = multierror.Append(result, fmt.Errorf("%s %s: %w", l.kind, p.Name(), err))
			continue
		}
		log.Info("unloaded %s %s", l.kind, p.Name())
	}
	l.loaded = nil

	return result.ErrorOrNil()
}

func unload(p Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("OnUnload panicked: %v", r)
		}
	}()
	return p.OnUnload()
}
