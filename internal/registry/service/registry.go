// Package service loads the field policy table and answers lookups against it.
//
// The table ships embedded in the binary and can be replaced by a YAML file at startup.
// Once loaded it is never modified, so a Registry is safe for concurrent use without locks.
package service

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	registryDomain "github.com/allisson/fieldvault/internal/registry/domain"
)

//go:embed policies.yaml
var defaultPolicies []byte

// Registry maps (entity, field) pairs to protection policy.
type Registry struct {
	policies  map[registryDomain.FieldRef]registryDomain.FieldPolicy
	sensitive map[string][]registryDomain.FieldPolicy
	entities  []string
	contexts  []string
}

// NewDefaultRegistry loads the embedded policy table.
func NewDefaultRegistry() (*Registry, error) {
	return Parse(defaultPolicies)
}

// LoadRegistry loads the policy table from path, or the embedded table when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return NewDefaultRegistry()
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied policy file
	if err != nil {
		return nil, fmt.Errorf("%w: %w", registryDomain.ErrInvalidPolicy, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML policy table. Unknown keys and duplicate
// (entity, field) rows are rejected.
func Parse(data []byte) (*Registry, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var file registryDomain.PolicyFile
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: %w", registryDomain.ErrInvalidPolicy, err)
	}
	return New(file.Fields)
}

// New builds a registry from policy rows.
func New(rows []registryDomain.FieldPolicy) (*Registry, error) {
	r := &Registry{
		policies:  make(map[registryDomain.FieldRef]registryDomain.FieldPolicy, len(rows)),
		sensitive: make(map[string][]registryDomain.FieldPolicy),
	}
	entities := map[string]struct{}{}
	contexts := map[string]struct{}{}

	for i, row := range rows {
		if err := row.Validate(); err != nil {
			return nil, fmt.Errorf("%w: row %d (%s): %w", registryDomain.ErrInvalidPolicy, i, row.Ref(), err)
		}
		if _, dup := r.policies[row.Ref()]; dup {
			return nil, fmt.Errorf("%w: duplicate policy for %s", registryDomain.ErrInvalidPolicy, row.Ref())
		}
		if !row.Sensitive() {
			row.Context = ""
		}

		r.policies[row.Ref()] = row
		entities[row.Entity] = struct{}{}
		if row.Sensitive() {
			r.sensitive[row.Entity] = append(r.sensitive[row.Entity], row)
			contexts[row.Context] = struct{}{}
		}
	}

	for _, fields := range r.sensitive {
		sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	}
	r.entities = sortedKeys(entities)
	r.contexts = sortedKeys(contexts)
	return r, nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Policy returns the policy row of a field.
func (r *Registry) Policy(entity, field string) (registryDomain.FieldPolicy, bool) {
	p, ok := r.policies[registryDomain.FieldRef{Entity: entity, Field: field}]
	return p, ok
}

// IsSensitiveField reports whether a field is encrypted at rest.
func (r *Registry) IsSensitiveField(entity, field string) bool {
	p, ok := r.Policy(entity, field)
	return ok && p.Sensitive()
}

// GetContext returns the protection context of a sensitive field.
func (r *Registry) GetContext(entity, field string) (string, bool) {
	p, ok := r.Policy(entity, field)
	if !ok || !p.Sensitive() {
		return "", false
	}
	return p.Context, true
}

// GetClassification returns the classification of any registered field.
func (r *Registry) GetClassification(entity, field string) (registryDomain.Classification, bool) {
	p, ok := r.Policy(entity, field)
	if !ok {
		return "", false
	}
	return p.Classification, true
}

// SensitiveFieldsFor returns the names of an entity's sensitive fields in lexical order.
func (r *Registry) SensitiveFieldsFor(entity string) []string {
	fields := r.sensitive[entity]
	names := make([]string, 0, len(fields))
	for _, p := range fields {
		names = append(names, p.Field)
	}
	return names
}

// SensitivePolicies returns the sensitive field policies of an entity ordered by field name.
func (r *Registry) SensitivePolicies(entity string) []registryDomain.FieldPolicy {
	fields := r.sensitive[entity]
	out := make([]registryDomain.FieldPolicy, len(fields))
	copy(out, fields)
	return out
}

// Entities returns every entity with at least one registered field.
func (r *Registry) Entities() []string {
	return append([]string(nil), r.entities...)
}

// Contexts returns every context referenced by a sensitive field.
func (r *Registry) Contexts() []string {
	return append([]string(nil), r.contexts...)
}
