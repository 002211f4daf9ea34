package compliance

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// RuleFile is the layout of the rules file.
type RuleFile struct {
	Rules []RuleEntry `yaml:"rules"`
}

// Snapshot is one loaded version of the rules file.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Entries  []RuleEntry
}

type ChangeListener func(Snapshot)

// Registry loads rule entries from a YAML file and reloads them when the
// file changes. A reload that fails to parse or validate keeps the previous
// snapshot.
type Registry struct {
	path      string
	validator func(Schema) error
	v         *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry reads path once. validate, when set, is applied to every
// entry's schema; Builder.Validate is the usual choice.
func NewRegistry(path string, validate func(Schema) error) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("compliance registry requires path")
	}
	r := &Registry{path: path, validator: validate}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// OnChange registers fn for snapshots loaded after the call.
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Watch reloads the file on every change until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	v := viper.New()
	v.SetConfigFile(r.path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read compliance rules failed: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if err := r.reload(); err != nil {
			complianceLog.Errorf("compliance rules reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	r.mu.Lock()
	r.v = v
	r.mu.Unlock()
	<-ctx.Done()
	return nil
}

// Reload forces a reload and notifies listeners on success.
func (r *Registry) Reload() error {
	if err := r.reload(); err != nil {
		return err
	}
	r.notifyListeners()
	return nil
}

func (r *Registry) reload() error {
	file, err := readRuleFile(r.path)
	if err != nil {
		return err
	}
	seen := make(map[uint64]bool, len(file.Rules))
	for i, entry := range file.Rules {
		if entry.ID == 0 {
			return fmt.Errorf("rule %d: id is required", i)
		}
		if seen[entry.ID] {
			return fmt.Errorf("rule %d: duplicate id", entry.ID)
		}
		seen[entry.ID] = true
		entry.Directory = strings.TrimSpace(entry.Directory)
		if entry.Directory == "" {
			return fmt.Errorf("rule %d: directory is required", entry.ID)
		}
		if r.validator != nil && entry.State != StateDeleted {
			if err := r.validator(entry.Schema); err != nil {
				return fmt.Errorf("rule %d: %w", entry.ID, err)
			}
		}
		file.Rules[i] = entry
	}
	sort.Slice(file.Rules, func(i, j int) bool { return file.Rules[i].ID < file.Rules[j].ID })
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Entries:  file.Rules,
	}
	r.mu.Unlock()
	complianceLog.Infof("compliance registry loaded %d rules from %s", len(file.Rules), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		func(cb ChangeListener) {
			defer safeRecover("compliance listener")
			cb(snap)
		}(fn)
	}
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := src
	dst.Entries = append([]RuleEntry(nil), src.Entries...)
	return dst
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		complianceLog.Errorf("%s panic: %v", tag, r)
	}
}

func readRuleFile(path string) (RuleFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RuleFile{}, fmt.Errorf("read compliance rules failed: %w", err)
	}
	var file RuleFile
	if len(bytes.TrimSpace(raw)) == 0 {
		return file, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return RuleFile{}, fmt.Errorf("parse compliance rules failed: %w", err)
	}
	return file, nil
}
