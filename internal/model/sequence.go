package model

import "time"

// RotateBy selects the counter period bucket
type RotateBy string

const (
	RotateNone         RotateBy = "none"
	RotateDaily        RotateBy = "daily"
	RotateMonthly      RotateBy = "monthly"
	RotateYearly       RotateBy = "yearly"
	RotateFiscalYearly RotateBy = "fiscal_yearly"
)

// DefaultFiscalStartMonth is used when neither a start month nor a register date is configured
const DefaultFiscalStartMonth = 4

// SequenceSettings controls formatting and rotation of one sequence
type SequenceSettings struct {
	TenantCode   string    `yaml:"tenant_code" json:"tenantCode"`
	TypeCode     string    `yaml:"type_code" json:"typeCode"`
	Format       string    `yaml:"format" json:"format"`
	RotateBy     RotateBy  `yaml:"rotate_by" json:"rotateBy"`
	StartMonth   int       `yaml:"start_month" json:"startMonth,omitempty"`
	RegisterDate time.Time `yaml:"register_date" json:"registerDate,omitempty"`
	ScopeParams  []string  `yaml:"scope_params" json:"scopeParams,omitempty"`
}

// CounterKey addresses one counter row
type CounterKey struct {
	Scope  string `json:"scope"`
	Period string `json:"period"`
}

func (k CounterKey) String() string {
	if k.Period == "" {
		return k.Scope
	}
	return k.Scope + KeySeparator + k.Period
}

// SequenceResult is one issued number
type SequenceResult struct {
	No          int64     `json:"no"`
	FormattedNo string    `json:"formattedNo"`
	IssuedAt    time.Time `json:"issuedAt"`
	Scope       string    `json:"scope"`
	Period      string    `json:"period"`
}
