// Package store persists the small set of user settings the sensor manager
// needs between runs: the last connected sensor per role and the wheel size.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/srg/blecsc/internal/csc"
	"gopkg.in/yaml.v3"
)

// Keys understood by the sensor manager.
const (
	KeySpeedSensor   = "saved_speed_sensor_uuid"
	KeyCadenceSensor = "saved_cadence_sensor_uuid"
	KeyTireSize      = "tire_size"
)

// File is a settings store backed by a YAML map on disk. Every mutation
// rewrites the file by writing a temporary sibling and renaming it over the original.
type File struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
}

// NewFile loads path. A missing file is an empty store; it is created on first write.
func NewFile(path string) (*File, error) {
	f := &File{path: path, values: map[string]string{}}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &f.values); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if f.values == nil {
		f.values = map[string]string{}
	}
	return f, nil
}

func (f *File) Path() string { return f.path }

func (f *File) Get(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[key]
	return v, ok
}

func (f *File) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, had := f.values[key]
	f.values[key] = value
	if err := f.flush(); err != nil {
		if had {
			f.values[key] = prev
		} else {
			delete(f.values, key)
		}
		return err
	}
	return nil
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, had := f.values[key]
	if !had {
		return nil
	}
	delete(f.values, key)
	if err := f.flush(); err != nil {
		f.values[key] = prev
		return err
	}
	return nil
}

func (f *File) flush() error {
	data, err := yaml.Marshal(f.values)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace settings %s: %w", f.path, err)
	}
	return nil
}

// Memory is an in-process settings store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: map[string]string{}}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Getter is the read side shared by File and Memory.
type Getter interface {
	Get(key string) (string, bool)
}

// TireSize reads the configured wheel size, falling back to the default for
// a missing or unparsable value.
func TireSize(s Getter) csc.TireSize {
	raw, ok := s.Get(KeyTireSize)
	if !ok {
		return csc.DefaultTireSize
	}
	mm, err := strconv.Atoi(raw)
	if err != nil || mm <= 0 {
		return csc.DefaultTireSize
	}
	return csc.TireSizeFromCircumference(mm)
}

// SetTireSize stores the circumference of size.
func SetTireSize(s interface{ Set(key, value string) error }, size csc.TireSize) error {
	return s.Set(KeyTireSize, strconv.Itoa(size.CircumferenceMM))
}
