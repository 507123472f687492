package service

import (
	"context"
	"fmt"
	"os"
	"sync"

	apperrors "github.com/devrev/cqrsengine/internal/errors"
	"github.com/devrev/cqrsengine/internal/model"
	"gopkg.in/yaml.v3"
)

// SettingsProvider looks up the stored settings of a sequence
type SettingsProvider interface {
	GetSettings(ctx context.Context, tenantCode, typeCode string) (*model.SequenceSettings, error)
}

// SequenceFile is the layout of the sequence settings file
type SequenceFile struct {
	Sequences []model.SequenceSettings `yaml:"sequences"`
}

// StaticSettingsProvider serves settings loaded at startup. A tenant code of
// "*" applies to every tenant without its own entry.
type StaticSettingsProvider struct {
	mu       sync.RWMutex
	settings map[string]model.SequenceSettings
}

// NewStaticSettingsProvider indexes settings by tenant and type code
func NewStaticSettingsProvider(settings []model.SequenceSettings) (*StaticSettingsProvider, error) {
	p := &StaticSettingsProvider{settings: make(map[string]model.SequenceSettings, len(settings))}
	for _, s := range settings {
		if err := p.Put(s); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// LoadSequenceSettings reads a YAML settings file
func LoadSequenceSettings(path string) (*StaticSettingsProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sequence settings: %w", err)
	}
	var file SequenceFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse sequence settings: %w", err)
	}
	return NewStaticSettingsProvider(file.Sequences)
}

// Put adds or replaces one entry
func (p *StaticSettingsProvider) Put(s model.SequenceSettings) error {
	if s.TypeCode == "" {
		return fmt.Errorf("sequence settings require a type_code")
	}
	if s.TenantCode == "" {
		s.TenantCode = WildcardScope
	}
	if s.RotateBy == "" {
		s.RotateBy = model.RotateNone
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings[settingsKey(s.TenantCode, s.TypeCode)] = s
	return nil
}

// GetSettings returns the tenant entry, falling back to the wildcard tenant
func (p *StaticSettingsProvider) GetSettings(ctx context.Context, tenantCode, typeCode string) (*model.SequenceSettings, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if s, ok := p.settings[settingsKey(tenantCode, typeCode)]; ok {
		s.TenantCode = tenantCode
		return &s, nil
	}
	if s, ok := p.settings[settingsKey(WildcardScope, typeCode)]; ok {
		s.TenantCode = tenantCode
		return &s, nil
	}
	return nil, apperrors.NewEngineError(apperrors.ErrCodeNotFound,
		fmt.Sprintf("no sequence settings for %s/%s", tenantCode, typeCode), nil).
		WithDetail("tenant_code", tenantCode).
		WithDetail("type_code", typeCode)
}

func settingsKey(tenantCode, typeCode string) string {
	return tenantCode + model.KeySeparator + typeCode
}
