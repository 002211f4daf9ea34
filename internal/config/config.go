package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// EnvPath names the environment variable that selects the config file.
const EnvPath = "ORDERGATE_CONFIG"

const defaultPath = "configs/config.yaml"

var timeNow = time.Now

// Path returns the config file named by ORDERGATE_CONFIG, or the default.
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvPath)); p != "" {
		return p
	}
	return defaultPath
}

// Load reads path and every file it includes. Included files are merged
// first, so the including file wins on conflicts.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	r := includeResolver{done: make(map[string]bool), open: make(map[string]bool)}
	if err := r.walk(root); err != nil {
		return nil, err
	}

	merged := viper.New()
	merged.SetConfigType("yaml")
	for _, file := range r.order {
		if err := merged.MergeConfigMap(r.settings[file]); err != nil {
			return nil, fmt.Errorf("merge config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := merged.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	keys := make(keySet)
	for _, k := range merged.AllKeys() {
		keys.mark(k)
	}
	cfg.applyDefaults(keys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// includeResolver orders config files depth first, includes before the
// file naming them. A file reached twice is merged once.
type includeResolver struct {
	done     map[string]bool
	open     map[string]bool
	order    []string
	settings map[string]map[string]any
}

func (r *includeResolver) walk(path string) error {
	path = filepath.Clean(path)
	if r.open[path] {
		return fmt.Errorf("include cycle detected: %s", path)
	}
	if r.done[path] {
		return nil
	}
	r.open[path] = true

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var includes []string
	if raw := v.Get("include"); raw != nil {
		var err error
		if includes, err = cast.ToStringSliceE(raw); err != nil {
			return fmt.Errorf("%s: include must be a list of paths: %w", path, err)
		}
	}
	for _, inc := range includes {
		inc = strings.TrimSpace(inc)
		if inc == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := r.walk(inc); err != nil {
			return err
		}
	}

	delete(r.open, path)
	r.done[path] = true
	if r.settings == nil {
		r.settings = make(map[string]map[string]any)
	}
	settings := v.AllSettings()
	delete(settings, "include")
	r.settings[path] = settings
	r.order = append(r.order, path)
	return nil
}
