package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	gosync "sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ErrNoConfigFile is returned by Watch when the configuration came from
// defaults and the environment only.
var ErrNoConfigFile = errors.New("no config file to watch")

// Source is a loaded configuration that can be watched for changes.
type Source struct {
	v    *viper.Viper
	file string

	mu      gosync.RWMutex
	current *Config
}

// Open loads configuration from path (or LEDGERSYNC_CONFIG, or DefaultPath
// when both are empty). An explicitly named file must exist; a missing
// default file means defaults plus environment.
func Open(path string) (*Source, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath()
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	v := newViper()
	v.SetConfigFile(path)

	s := &Source{v: v}
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		s.file = path
	}

	c, err := decode(v)
	if err != nil {
		return nil, err
	}
	s.current = c
	return s, nil
}

// Load is Open without the watcher.
func Load(path string) (*Config, error) {
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	return s.Config(), nil
}

// File returns the config file that was read, or "" when none was.
func (s *Source) File() string {
	return s.file
}

// Config returns the current configuration. Treat it as read-only.
func (s *Source) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Watch reloads the file whenever it changes on disk and calls fn with the
// new configuration. An invalid edit is reported as an error and the
// previous configuration stays current.
func (s *Source) Watch(fn func(*Config, error)) error {
	if s.file == "" {
		return ErrNoConfigFile
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		c, err := decode(s.v)
		if err != nil {
			fn(nil, fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		s.mu.Lock()
		s.current = c
		s.mu.Unlock()
		fn(c, nil)
	})
	s.v.WatchConfig()
	return nil
}

// Encode writes c as TOML. Durations are written in their string form so
// the file reads back through Load.
func Encode(w io.Writer, c Config) error {
	doc := make(map[string]map[string]any)
	for key, value := range c.settings() {
		section, name, _ := strings.Cut(key, ".")
		if doc[section] == nil {
			doc[section] = make(map[string]any)
		}
		switch value := value.(type) {
		case time.Duration:
			doc[section][name] = value.String()
		case []string:
			doc[section][name] = slices.Clone(value)
		default:
			doc[section][name] = value
		}
	}
	if err := toml.NewEncoder(w).Encode(doc); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// WriteDefault creates a config file holding the defaults. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := Encode(f, Default()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Keys lists every configuration key in sorted order.
func Keys() []string {
	return slices.Sorted(maps.Keys(Default().settings()))
}
