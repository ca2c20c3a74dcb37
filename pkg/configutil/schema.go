package configutil

import (
	"reflect"
	"sort"
	"strings"
)

// Schema lists the keys a provider settings map may carry.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SchemaFor builds a schema from the mapstructure tags of the struct v
// points to. Keys named in required are required, every other tag optional.
func SchemaFor(v any, required ...string) Schema {
	s := Schema{Required: required}
	need := make(map[string]bool, len(required))
	for _, k := range required {
		need[normalizeKey(k)] = true
	}
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return s
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if !need[normalizeKey(name)] {
			s.Optional = append(s.Optional, name)
		}
	}
	return s
}

// SettingsError lists the problems ValidateSettings found.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings checks input against schema. Keys match ignoring case,
// underscores and hyphens. Blank strings count as missing.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	allowed := make(map[string]bool, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
		allowed[normalizeKey(k)] = true
	}
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = true
	}

	serr := &SettingsError{}
	present := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		if !allowed[nk] && !schema.AllowUnknown {
			serr.Unknown = append(serr.Unknown, k)
		}
		if isEmptyValue(v) {
			continue
		}
		present[nk] = true
	}
	for nk, k := range required {
		if !present[nk] {
			serr.Missing = append(serr.Missing, k)
		}
	}
	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	return serr
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
