package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VersionLatest asks the command service to resolve the current version itself.
// Only accepted by asynchronous publishing.
const VersionLatest int64 = -1

// VersionSeparator joins an unversioned sort key and a version number
const VersionSeparator = "@"

// KeySeparator separates the segments of partition and sort keys
const KeySeparator = "#"

// CommandStatus is the pipeline state of a single command version
type CommandStatus string

const (
	CommandStatusPending     CommandStatus = "PENDING"
	CommandStatusWaiting     CommandStatus = "WAITING_FOR_PREDECESSOR"
	CommandStatusMaterialize CommandStatus = "MATERIALIZING"
	CommandStatusNotifying   CommandStatus = "NOTIFYING"
	CommandStatusCompleted   CommandStatus = "COMPLETED"
	CommandStatusFailed      CommandStatus = "FAILED"
)

// IsTerminal reports whether no further pipeline step will run for the status
func (s CommandStatus) IsTerminal() bool {
	return s == CommandStatusCompleted || s == CommandStatusFailed
}

// ItemKey identifies an aggregate (unversioned)
type ItemKey struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

func (k ItemKey) String() string {
	return k.PK + "|" + k.SK
}

// WithVersion returns the command key for version v of the aggregate
func (k ItemKey) WithVersion(v int64) CommandKey {
	return CommandKey{PK: k.PK, SK: k.SK, Version: v}
}

// CommandKey identifies one command version of an aggregate
type CommandKey struct {
	PK      string `json:"pk"`
	SK      string `json:"sk"`
	Version int64  `json:"version"`
}

func (k CommandKey) String() string {
	return k.PK + "|" + VersionedSortKey(k.SK, k.Version)
}

// Item drops the version
func (k CommandKey) Item() ItemKey {
	return ItemKey{PK: k.PK, SK: k.SK}
}

// Predecessor returns the key of the previous version
func (k CommandKey) Predecessor() CommandKey {
	return CommandKey{PK: k.PK, SK: k.SK, Version: k.Version - 1}
}

// Successor returns the key of the next version
func (k CommandKey) Successor() CommandKey {
	return CommandKey{PK: k.PK, SK: k.SK, Version: k.Version + 1}
}

// CommandRecord is an immutable command version. Only Status, CallbackToken,
// Error and StatusUpdatedAt change after the record is written.
//
// Version 0 is the implicit empty aggregate and is never stored: the first
// command of an aggregate is submitted with expected version 0 and stored as
// version 1 (sk@1). Stored versions of an aggregate are contiguous from 1.
type CommandRecord struct {
	PK            string         `json:"pk"`
	SK            string         `json:"sk"`
	Version       int64          `json:"version"`
	ID            string         `json:"id"`
	Code          string         `json:"code"`
	Name          string         `json:"name"`
	TenantCode    string         `json:"tenantCode"`
	Type          string         `json:"type"`
	IsDeleted     bool           `json:"isDeleted"`
	Seq           int64          `json:"seq,omitempty"`
	TTL           int64          `json:"ttl,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Status        CommandStatus  `json:"status"`
	Source        string         `json:"source,omitempty"`
	RequestID     string         `json:"requestId,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	CreatedBy     string         `json:"createdBy,omitempty"`
	CreatedIP     string         `json:"createdIp,omitempty"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	UpdatedBy     string         `json:"updatedBy,omitempty"`
	UpdatedIP     string         `json:"updatedIp,omitempty"`
	CallbackToken string         `json:"callbackToken,omitempty"`
	Error         string         `json:"error,omitempty"`

	StatusUpdatedAt time.Time `json:"statusUpdatedAt"`
}

// Key returns the versioned key of the record
func (r *CommandRecord) Key() CommandKey {
	return CommandKey{PK: r.PK, SK: r.SK, Version: r.Version}
}

// VersionedSK renders the sort key with its version suffix
func (r *CommandRecord) VersionedSK() string {
	return VersionedSortKey(r.SK, r.Version)
}

// Clone returns a deep copy so stores never share attribute maps with callers
func (r *CommandRecord) Clone() *CommandRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Attributes = CloneAttributes(r.Attributes)
	return &c
}

// DataRecord is the latest materialized state of an aggregate
type DataRecord struct {
	PK         string         `json:"pk"`
	SK         string         `json:"sk"`
	Version    int64          `json:"version"`
	ID         string         `json:"id"`
	Code       string         `json:"code"`
	Name       string         `json:"name"`
	TenantCode string         `json:"tenantCode"`
	Type       string         `json:"type"`
	IsDeleted  bool           `json:"isDeleted"`
	Seq        int64          `json:"seq,omitempty"`
	TTL        int64          `json:"ttl,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Source     string         `json:"source,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	CreatedBy  string         `json:"createdBy,omitempty"`
	CreatedIP  string         `json:"createdIp,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	UpdatedBy  string         `json:"updatedBy,omitempty"`
	UpdatedIP  string         `json:"updatedIp,omitempty"`
	CommandPK  string         `json:"cpk"`
	CommandSK  string         `json:"csk"`
}

// Key returns the aggregate key of the record
func (d *DataRecord) Key() ItemKey {
	return ItemKey{PK: d.PK, SK: d.SK}
}

// Clone returns a deep copy
func (d *DataRecord) Clone() *DataRecord {
	if d == nil {
		return nil
	}
	c := *d
	c.Attributes = CloneAttributes(d.Attributes)
	return &c
}

// NewDataRecord projects a command into its data view. CreatedAt/By/IP are
// carried over from previous when the aggregate already exists.
func NewDataRecord(cmd *CommandRecord, previous *DataRecord) *DataRecord {
	d := &DataRecord{
		PK:         cmd.PK,
		SK:         cmd.SK,
		Version:    cmd.Version,
		ID:         cmd.ID,
		Code:       cmd.Code,
		Name:       cmd.Name,
		TenantCode: cmd.TenantCode,
		Type:       cmd.Type,
		IsDeleted:  cmd.IsDeleted,
		Seq:        cmd.Seq,
		TTL:        cmd.TTL,
		Attributes: CloneAttributes(cmd.Attributes),
		Source:     cmd.Source,
		RequestID:  cmd.RequestID,
		CreatedAt:  cmd.CreatedAt,
		CreatedBy:  cmd.CreatedBy,
		CreatedIP:  cmd.CreatedIP,
		UpdatedAt:  cmd.UpdatedAt,
		UpdatedBy:  cmd.UpdatedBy,
		UpdatedIP:  cmd.UpdatedIP,
		CommandPK:  cmd.PK,
		CommandSK:  cmd.VersionedSK(),
	}
	if previous != nil {
		d.CreatedAt = previous.CreatedAt
		d.CreatedBy = previous.CreatedBy
		d.CreatedIP = previous.CreatedIP
	}
	return d
}

// VersionedSortKey appends the version suffix to an unversioned sort key
func VersionedSortKey(sk string, version int64) string {
	return sk + VersionSeparator + strconv.FormatInt(version, 10)
}

// ParseVersionedSortKey splits "sk@version"
func ParseVersionedSortKey(versioned string) (string, int64, error) {
	idx := strings.LastIndex(versioned, VersionSeparator)
	if idx < 0 {
		return "", 0, fmt.Errorf("sort key %q has no version suffix", versioned)
	}
	v, err := strconv.ParseInt(versioned[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("sort key %q has invalid version: %w", versioned, err)
	}
	return versioned[:idx], v, nil
}

// GeneratePK builds a tenant scoped partition key, e.g. "ORDER#acme"
func GeneratePK(prefix, tenantCode string) string {
	return prefix + KeySeparator + tenantCode
}

// TenantFromPK returns the trailing tenant segment of a partition key
func TenantFromPK(pk string) string {
	idx := strings.LastIndex(pk, KeySeparator)
	if idx < 0 {
		return ""
	}
	return pk[idx+1:]
}

// EntityID is the stable identifier of an aggregate
func EntityID(pk, sk string) string {
	return pk + KeySeparator + sk
}

// CloneAttributes copies an attribute map one level deep; nested maps are copied recursively
func CloneAttributes(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		if nested, ok := v.(map[string]any); ok {
			dst[k] = CloneAttributes(nested)
			continue
		}
		dst[k] = v
	}
	return dst
}

// MergeAttributes overlays patch onto base and returns a new map.
// Keys absent from patch keep their base value.
func MergeAttributes(base, patch map[string]any) map[string]any {
	merged := CloneAttributes(base)
	if merged == nil {
		merged = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}
