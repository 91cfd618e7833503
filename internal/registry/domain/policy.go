// Package domain defines the field protection policy table.
package domain

import (
	validation "github.com/jellydator/validation"

	"github.com/allisson/fieldvault/internal/errors"
	customValidation "github.com/allisson/fieldvault/internal/validation"
)

// Classification is the sensitivity label of a field.
type Classification string

const (
	Public       Classification = "public"
	Internal     Classification = "internal"
	Confidential Classification = "confidential"
	Restricted   Classification = "restricted"
)

// Sensitive reports whether fields with this classification are encrypted at rest.
func (c Classification) Sensitive() bool {
	return c == Confidential || c == Restricted
}

// ErrInvalidPolicy indicates the policy table failed to load or validate.
var ErrInvalidPolicy = errors.Wrap(errors.ErrInvalidInput, "invalid field policy")

// FieldRef identifies a field of an entity.
type FieldRef struct {
	Entity string
	Field  string
}

// String renders the reference as "entity.field".
func (r FieldRef) String() string {
	return r.Entity + "." + r.Field
}

// FieldPolicy is one row of the policy table.
type FieldPolicy struct {
	Entity         string         `yaml:"entity"`
	Field          string         `yaml:"field"`
	Classification Classification `yaml:"classification"`
	Context        string         `yaml:"context"`
	Required       bool           `yaml:"required"`
}

// Ref returns the (entity, field) key of the policy.
func (p FieldPolicy) Ref() FieldRef {
	return FieldRef{Entity: p.Entity, Field: p.Field}
}

// Sensitive reports whether the field is encrypted at rest.
func (p FieldPolicy) Sensitive() bool {
	return p.Classification.Sensitive()
}

// Validate checks a policy row. Sensitive rows must name a context.
func (p FieldPolicy) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Entity, validation.Required, customValidation.Identifier),
		validation.Field(&p.Field, validation.Required, customValidation.Identifier),
		validation.Field(&p.Classification,
			validation.Required,
			validation.In(Public, Internal, Confidential, Restricted),
		),
		validation.Field(&p.Context,
			validation.When(p.Sensitive(), validation.Required),
			customValidation.ContextName,
		),
	)
}

// PolicyFile is the on-disk layout of the policy table.
type PolicyFile struct {
	Fields []FieldPolicy `yaml:"fields"`
}
