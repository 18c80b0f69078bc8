// Package config reads the yaml configuration of a device from a file or a
// directory of files, and tells the parts of the process that registered for
// it when a reload changed something.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

// C holds the merged settings of every config file found at the load path.
type C struct {
	Settings map[string]any

	l    *logrus.Logger
	path string

	// oldSettings are the settings before the last successful reload, nil
	// until the first one.
	oldSettings map[string]any
	callbacks   []func(*C)
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads path. A file is read whatever its name, a directory is searched
// for .yaml and .yml files which are merged in lexical order: later files
// override scalars of earlier ones and lists are concatenated.
func (c *C) Load(path string) error {
	files, err := configFiles(path)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}

	settings, err := mergeFiles(files)
	if err != nil {
		return err
	}

	c.path = path
	c.Settings = settings
	return nil
}

// LoadString replaces the settings with the yaml document raw.
func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("Empty configuration")
	}

	var m map[string]any
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}

	c.Settings = m
	return nil
}

// RegisterReloadCallback adds f to the functions called after every successful
// reload. f should use HasChanged to decide whether it has anything to do and
// must not block for long.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad returns true until the first reload.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged reports whether the value under k differs between the settings
// before and after the last reload. An empty k compares everything.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	before, after := any(c.oldSettings), any(c.Settings)
	if k != "" {
		before, after = lookup(c.oldSettings, k), lookup(c.Settings, k)
	}

	return c.render(k, before) != c.render(k, after)
}

func (c *C) render(k string, v any) string {
	b, err := yaml.Marshal(v)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling config")
	}
	return string(b)
}

// CatchHUP reloads the config from the path given to Load every time the
// process receives SIGHUP, until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.WithField("config_path", c.path).Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

// ReloadConfig loads the original path again and runs the reload callbacks.
// A config that fails to load is logged and the current settings stay.
func (c *C) ReloadConfig() {
	err := c.reload(func() error { return c.Load(c.path) })
	if err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
	}
}

// ReloadConfigString is ReloadConfig for a config held in memory.
func (c *C) ReloadConfigString(raw string) error {
	return c.reload(func() error { return c.LoadString(raw) })
}

func (c *C) reload(load func() error) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := make(map[string]any, len(c.Settings))
	maps.Copy(old, c.Settings)

	if err := load(); err != nil {
		return err
	}
	c.oldSettings = old

	for _, f := range c.callbacks {
		f(c)
	}
	return nil
}

// configFiles lists the files Load reads for path, sorted.
func configFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return []string{abs}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("problem while reading directory %s: %w", p, err)
		}
		if e.IsDir() {
			return nil
		}
		if ext := filepath.Ext(p); ext != ".yaml" && ext != ".yml" {
			return nil
		}

		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		files = append(files, abs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

func mergeFiles(files []string) (map[string]any, error) {
	var merged map[string]any

	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		var m map[string]any
		if err := yaml.Unmarshal(b, &m); err != nil {
			return nil, err
		}

		if err := mergo.Merge(&m, merged, mergo.WithAppendSlice); err != nil {
			return nil, fmt.Errorf("merge %s: %w", path, err)
		}
		merged = m
	}

	return merged, nil
}
