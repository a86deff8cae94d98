package tenants

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Mode is a tenant's data environment.
type Mode string

const (
	ModeTest Mode = "TEST"
	ModeLive Mode = "LIVE"
)

// ParseMode accepts TEST or LIVE, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeTest:
		return ModeTest, nil
	case ModeLive:
		return ModeLive, nil
	}
	return "", fmt.Errorf("tenants: unknown mode %q", s)
}

// Directory maps tenants to their data mode. Unknown tenants get the
// default mode, which is LIVE unless configured otherwise so an unlisted
// tenant is never silently treated as a sandbox.
type Directory struct {
	mu       sync.RWMutex
	modes    map[string]Mode
	fallback Mode
}

// NewDirectory creates a directory with the given default mode.
func NewDirectory(fallback Mode) *Directory {
	if fallback == "" {
		fallback = ModeLive
	}
	return &Directory{modes: make(map[string]Mode), fallback: fallback}
}

// ModeOf returns the tenant's mode.
func (d *Directory) ModeOf(tenantID string) Mode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if m, ok := d.modes[tenantID]; ok {
		return m
	}
	return d.fallback
}

// Set assigns a tenant's mode.
func (d *Directory) Set(tenantID string, mode Mode) error {
	if err := ValidateID(tenantID); err != nil {
		return err
	}
	if mode != ModeTest && mode != ModeLive {
		return fmt.Errorf("tenants: unknown mode %q", mode)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modes[tenantID] = mode
	return nil
}

// Tenants returns a snapshot of the configured tenant modes.
func (d *Directory) Tenants() map[string]Mode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Mode, len(d.modes))
	for k, v := range d.modes {
		out[k] = v
	}
	return out
}

type directoryFile struct {
	DefaultMode string `yaml:"default_mode"`
	Tenants     []struct {
		ID   string `yaml:"id"`
		Mode string `yaml:"mode"`
	} `yaml:"tenants"`
}

// ParseDirectory reads a YAML tenants document.
//
//	default_mode: LIVE
//	tenants:
//	  - id: acme
//	    mode: LIVE
//	  - id: acme-sandbox
//	    mode: TEST
func ParseDirectory(data []byte, fallback Mode) (*Directory, error) {
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tenants: parse directory: %w", err)
	}
	if f.DefaultMode != "" {
		m, err := ParseMode(f.DefaultMode)
		if err != nil {
			return nil, err
		}
		fallback = m
	}
	d := NewDirectory(fallback)
	var errs []error
	for i, t := range f.Tenants {
		m, err := ParseMode(t.Mode)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenants[%d]: %w", i, err))
			continue
		}
		if err := d.Set(t.ID, m); err != nil {
			errs = append(errs, fmt.Errorf("tenants[%d] %q: %w", i, t.ID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadDirectory reads the YAML tenants file at path. An empty path yields an
// empty directory with the fallback mode.
func LoadDirectory(path string, fallback Mode) (*Directory, error) {
	if path == "" {
		return NewDirectory(fallback), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tenants: read %s: %w", path, err)
	}
	return ParseDirectory(data, fallback)
}
