package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/cqrsengine/internal/errors"
	"github.com/devrev/cqrsengine/internal/model"
)

const (
	// Size limits
	MaxKeySize        = 1024
	MaxTenantCodeSize = 256
	MaxAttributesSize = 400 * 1024
)

// CommandInput is the user supplied part of a command submission
type CommandInput struct {
	PK         string         `json:"pk"`
	SK         string         `json:"sk"`
	ID         string         `json:"id,omitempty"`
	Code       string         `json:"code"`
	Name       string         `json:"name"`
	TenantCode string         `json:"tenantCode"`
	Type       string         `json:"type"`
	Version    int64          `json:"version"`
	IsDeleted  bool           `json:"isDeleted,omitempty"`
	Seq        int64          `json:"seq,omitempty"`
	TTL        int64          `json:"ttl,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// PartialInput is a sparse patch applied on top of an existing version
type PartialInput struct {
	PK         string         `json:"pk"`
	SK         string         `json:"sk"`
	Version    int64          `json:"version"`
	TenantCode string         `json:"tenantCode"`
	Code       string         `json:"code,omitempty"`
	Name       string         `json:"name,omitempty"`
	IsDeleted  *bool          `json:"isDeleted,omitempty"`
	TTL        *int64         `json:"ttl,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Validator checks command inputs before they reach the store
type Validator struct {
	maxKeySize        int
	maxTenantCodeSize int
	maxAttributesSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:        MaxKeySize,
		maxTenantCodeSize: MaxTenantCodeSize,
		maxAttributesSize: MaxAttributesSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxTenantCodeSize, maxAttributesSize int) *Validator {
	return &Validator{
		maxKeySize:        maxKeySize,
		maxTenantCodeSize: maxTenantCodeSize,
		maxAttributesSize: maxAttributesSize,
	}
}

// ValidateCommand validates a full command submission
func (v *Validator) ValidateCommand(in *CommandInput) error {
	if in == nil {
		return errors.Validation("command input is required")
	}
	if err := v.ValidateTenantCode(in.TenantCode); err != nil {
		return err
	}
	if err := v.ValidateItemKey(in.PK, in.SK, in.TenantCode); err != nil {
		return err
	}
	if strings.TrimSpace(in.Type) == "" {
		return errors.InvalidField("type", "cannot be empty")
	}
	if in.Version < model.VersionLatest {
		return errors.InvalidField("version", fmt.Sprintf("must be >= %d, got %d", model.VersionLatest, in.Version))
	}
	if in.TTL < 0 {
		return errors.InvalidField("ttl", "cannot be negative")
	}
	return v.ValidateAttributes(in.Attributes)
}

// ValidatePartial validates a partial update
func (v *Validator) ValidatePartial(in *PartialInput) error {
	if in == nil {
		return errors.Validation("partial input is required")
	}
	if err := v.ValidateTenantCode(in.TenantCode); err != nil {
		return err
	}
	if err := v.ValidateItemKey(in.PK, in.SK, in.TenantCode); err != nil {
		return err
	}
	if in.Version < 1 {
		return errors.InvalidField("version", "partial updates require an existing version >= 1")
	}
	return v.ValidateAttributes(in.Attributes)
}

// ValidateTenantCode validates a tenant code
func (v *Validator) ValidateTenantCode(tenantCode string) error {
	if tenantCode == "" {
		return errors.InvalidField("tenantCode", "cannot be empty")
	}
	if len(tenantCode) > v.maxTenantCodeSize {
		return errors.InvalidField("tenantCode", fmt.Sprintf("exceeds maximum size of %d bytes", v.maxTenantCodeSize))
	}
	if strings.Contains(tenantCode, model.KeySeparator) {
		return errors.InvalidField("tenantCode", fmt.Sprintf("cannot contain %q", model.KeySeparator))
	}
	for _, r := range tenantCode {
		if unicode.IsControl(r) {
			return errors.InvalidField("tenantCode", "cannot contain control characters")
		}
	}
	return nil
}

// ValidateItemKey checks key shape and that the partition key belongs to the tenant
func (v *Validator) ValidateItemKey(pk, sk, tenantCode string) error {
	if err := v.validateKey("pk", pk); err != nil {
		return err
	}
	if err := v.validateKey("sk", sk); err != nil {
		return err
	}
	if strings.Contains(sk, model.VersionSeparator) {
		return errors.InvalidField("sk", fmt.Sprintf("cannot contain %q", model.VersionSeparator))
	}
	if model.TenantFromPK(pk) != tenantCode {
		return errors.InvalidField("pk", fmt.Sprintf("partition key %q is not scoped to tenant %q", pk, tenantCode)).
			WithDetail("tenant_code", tenantCode)
	}
	return nil
}

func (v *Validator) validateKey(field, key string) error {
	if key == "" {
		return errors.InvalidField(field, "cannot be empty")
	}
	if len(key) > v.maxKeySize {
		return errors.InvalidField(field, fmt.Sprintf("size %d exceeds maximum %d", len(key), v.maxKeySize))
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return errors.InvalidField(field, "cannot contain control characters")
		}
	}
	return nil
}

// ValidateAttributes checks the encoded attribute size
func (v *Validator) ValidateAttributes(attrs map[string]any) error {
	if len(attrs) == 0 {
		return nil
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return errors.InvalidField("attributes", fmt.Sprintf("not serializable: %v", err))
	}
	if len(encoded) > v.maxAttributesSize {
		return errors.InvalidField("attributes", fmt.Sprintf("size %d exceeds maximum %d", len(encoded), v.maxAttributesSize))
	}
	return nil
}

// SanitizeKey removes control characters and surrounding whitespace
func SanitizeKey(key string) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, key)
	return strings.TrimSpace(sanitized)
}
