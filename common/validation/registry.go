package validation

import (
	"sort"
	"strings"
	"sync"
)

// Known node type names
const (
	TypeScheduleTrigger = "ScheduleTrigger"
	TypeFormTrigger     = "FormTrigger"
	TypeWebhookTrigger  = "WebhookTrigger"
	TypeDataMapper      = "DataMapper"
	TypeCalculator      = "Calculator"
	TypeConditional     = "Conditional"
	TypeLoop            = "Loop"
	TypeDatabaseWrite   = "DatabaseWrite"
	TypeAPICall         = "APICall"
	TypeERPExport       = "ERPExport"
)

// TypeRegistry holds the known node types and their required config keys.
// It is shared by the validator and the dispatcher; registrations happen at
// startup or through admin paths, reads happen on every validation and
// dispatch, hence the RWMutex.
//
// A required key may name alternatives separated by '|': presence of any one
// satisfies the requirement.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string][]string
}

// NewTypeRegistry creates a registry seeded with the built-in node types
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{types: make(map[string][]string)}

	r.Register(TypeScheduleTrigger, "cron|cron_expression")
	r.Register(TypeFormTrigger, "form_id")
	r.Register(TypeWebhookTrigger, "endpoint_path")
	r.Register(TypeDataMapper, "input_schema", "output_schema", "mapping_rules")
	r.Register(TypeCalculator, "formula", "input_fields", "output_field")
	r.Register(TypeConditional, "conditions")
	r.Register(TypeLoop, "items_source", "iteration_body")
	r.Register(TypeDatabaseWrite, "connection", "table", "operation")
	r.Register(TypeAPICall, "endpoint", "method")
	r.Register(TypeERPExport, "system_type", "connection_details", "mapping")

	return r
}

// Register adds or replaces a node type and its required config keys
func (r *TypeRegistry) Register(name string, requiredKeys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[name] = append([]string(nil), requiredKeys...)
}

// IsKnown reports whether the type name is registered
func (r *TypeRegistry) IsKnown(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// RequiredKeys returns the required config keys for a registered type
func (r *TypeRegistry) RequiredKeys(name string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys, ok := r.types[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), keys...), true
}

// Known returns all registered type names, sorted
func (r *TypeRegistry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MissingKeys returns the required keys absent from config. Alternative keys
// ('a|b') are reported as-is when none of the alternatives is present.
func (r *TypeRegistry) MissingKeys(name string, config map[string]any) []string {
	keys, ok := r.RequiredKeys(name)
	if !ok {
		return nil
	}

	var missing []string
	for _, key := range keys {
		if strings.Contains(key, "|") {
			found := false
			for _, alt := range strings.Split(key, "|") {
				if _, present := config[alt]; present {
					found = true
					break
				}
			}
			if !found {
				missing = append(missing, key)
			}
			continue
		}
		if _, present := config[key]; !present {
			missing = append(missing, key)
		}
	}
	return missing
}
