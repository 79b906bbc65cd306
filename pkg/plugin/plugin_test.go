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
package plugin_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/hsa-runtime/pkg/core"
	. "github.com/containers/hsa-runtime/pkg/plugin"
)

type host struct{}

func (host) Agents() []core.Agent   { return nil }
func (host) Regions() []core.Region { return nil }

type testPlugin struct {
	name     string
	version  string
	loadErr  error
	unload   func() error
	journal  *[]string
	loadedBy Host
}

func (p *testPlugin) Name() string    { return p.name }
func (p *testPlugin) Version() string { return p.version }

func (p *testPlugin) OnLoad(h Host) error {
	if p.loadErr != nil {
		return p.loadErr
	}
	p.loadedBy = h
	*p.journal = append(*p.journal, "load "+p.name)
	return nil
}

func (p *testPlugin) OnUnload() error {
	*p.journal = append(*p.journal, "unload "+p.name)
	if p.unload != nil {
		return p.unload()
	}
	return nil
}

func register(t *testing.T, journal *[]string, name, version string, loadErr error, unload func() error) {
	Register(name, func() Plugin {
		return &testPlugin{
			name:    name,
			version: version,
			loadErr: loadErr,
			unload:  unload,
			journal: journal,
		}
	})
	t.Cleanup(func() { Unregister(name) })
}

func TestLoadUnloadOrder(t *testing.T) {
	journal := []string{}
	register(t, &journal, "ext-a", "1.0.0", nil, nil)
	register(t, &journal, "ext-b", "1.1.0", nil, func() error { return errors.New("busy") })
	register(t, &journal, "ext-c", "1.0.3", nil, func() error { panic("boom") })

	l := NewLoader(Extension, nil)
	require.NoError(t, l.Load(host{}, []string{"ext-a", "ext-b", "ext-c"}))
	require.Equal(t, []string{"ext-a", "ext-b", "ext-c"}, l.Loaded())
	require.Contains(t, Registered(), "ext-b")

	err := l.Unload()
	require.Error(t, err)
	require.Contains(t, err.Error(), "busy")
	require.Contains(t, err.Error(), "boom")
	require.Empty(t, l.Loaded())

	require.Equal(t, []string{
		"load ext-a", "load ext-b", "load ext-c",
		"unload ext-c", "unload ext-b", "unload ext-a",
	}, journal)
}

func TestMandatoryExtensionFailure(t *testing.T) {
	journal := []string{}
	register(t, &journal, "good", "1.0.0", nil, nil)
	register(t, &journal, "bad", "1.0.0", fmt.Errorf("no device"), nil)
	register(t, &journal, "never", "1.0.0", nil, nil)

	l := NewLoader(Extension, nil)
	err := l.Load(host{}, []string{"good", "bad", "never"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no device")
	require.Equal(t, []string{"good"}, l.Loaded())
	require.NoError(t, l.Unload())
}

func TestOptionalToolFailure(t *testing.T) {
	journal := []string{}
	register(t, &journal, "profiler", "1.0.0", fmt.Errorf("no counters"), nil)
	register(t, &journal, "tracer", "1.0.0", nil, nil)
	register(t, &journal, "future", "2.0.0", nil, nil)

	l := NewLoader(Tool, []string{t.TempDir()})
	require.NoError(t, l.Load(host{}, []string{"profiler", "missing", "future", "tracer"}))
	require.Equal(t, []string{"tracer"}, l.Loaded())
	require.NoError(t, l.Unload())
}

func TestIncompatibleVersion(t *testing.T) {
	journal := []string{}
	register(t, &journal, "old", "0.9.0", nil, nil)
	register(t, &journal, "garbage", "not-a-version", nil, nil)

	for _, name := range []string{"old", "garbage"} {
		l := NewLoader(Extension, nil)
		err := l.Load(host{}, []string{name})
		require.True(t, errors.Is(err, core.ErrIncompatible), "plugin %s", name)
	}
	require.Empty(t, journal)
}

func TestNotFound(t *testing.T) {
	l := NewLoader(Extension, []string{t.TempDir()})
	err := l.Load(host{}, []string{"nonexistent"})
	require.True(t, errors.Is(err, ErrNotFound))

	err = l.Load(host{}, []string{"/no/such/plugin.so"})
	require.True(t, errors.Is(err, ErrNotFound))
}
