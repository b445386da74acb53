package adapter

import (
	"fmt"

	"github.com/dork-labs/relay/daemon/relay"
)

// Category groups adapter types in the catalog.
type Category string

const (
	CategoryMessaging  Category = "messaging"
	CategoryAutomation Category = "automation"
	CategoryInternal   Category = "internal"
	CategoryCustom     Category = "custom"
)

// FieldType is the input widget a config field renders as; it also
// fixes the value type validation accepts.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldPassword FieldType = "password"
	FieldURL      FieldType = "url"
	FieldNumber   FieldType = "number"
	FieldBoolean  FieldType = "boolean"
	FieldSelect   FieldType = "select"
	FieldTextarea FieldType = "textarea"
)

// ShowWhen makes a field visible (and its Required enforced) only
// when another field holds a given value.
type ShowWhen struct {
	Key    string `json:"key"`
	Equals any    `json:"equals"`
}

// Field describes one config field of an adapter type. The schema is
// data, not reflection: validation and the config UI both read it.
type Field struct {
	Key      string    `json:"key"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Default  any       `json:"default,omitempty"`
	ShowWhen *ShowWhen `json:"showWhen,omitempty"`
	Options  []string  `json:"options,omitempty"`
}

// Subjects declares the subject patterns an adapter type exchanges
// envelopes on.
type Subjects struct {
	Inbound  string `json:"inbound,omitempty"`
	Outbound string `json:"outbound,omitempty"`
}

// Manifest is the static description of an adapter type.
type Manifest struct {
	Type          string   `json:"type"`
	DisplayName   string   `json:"displayName"`
	Category      Category `json:"category"`
	Builtin       bool     `json:"builtin"`
	MultiInstance bool     `json:"multiInstance"`
	ConfigFields  []Field  `json:"configFields"`
	Subjects      Subjects `json:"subjects"`
}

// ValidateConfig checks cfg against the manifest's fields: unknown
// keys are rejected, required visible fields must be present and
// non-empty, and values must match their field type. It returns a
// CONFIG_INVALID error describing the first violation.
func (m *Manifest) ValidateConfig(cfg map[string]any) error {
	fields := make(map[string]Field, len(m.ConfigFields))
	for _, f := range m.ConfigFields {
		fields[f.Key] = f
	}
	for key := range cfg {
		if _, ok := fields[key]; !ok {
			return relay.Errorf(relay.CodeConfigInvalid, "unknown config field %q for adapter type %q", key, m.Type)
		}
	}
	for _, f := range m.ConfigFields {
		if !f.visible(cfg) {
			continue
		}
		val, present := cfg[f.Key]
		if !present || isEmpty(val) {
			if f.Required && f.Default == nil {
				return relay.Errorf(relay.CodeConfigInvalid, "config field %q is required", f.Key)
			}
			continue
		}
		if err := f.checkType(val); err != nil {
			return err
		}
	}
	return nil
}

// Normalized returns cfg with defaults filled in for absent fields.
// It does not validate; call ValidateConfig first.
func (m *Manifest) Normalized(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	for _, f := range m.ConfigFields {
		if _, ok := out[f.Key]; !ok && f.Default != nil {
			out[f.Key] = f.Default
		}
	}
	return out
}

func (f Field) visible(cfg map[string]any) bool {
	if f.ShowWhen == nil {
		return true
	}
	return fmt.Sprint(cfg[f.ShowWhen.Key]) == fmt.Sprint(f.ShowWhen.Equals)
}

func (f Field) checkType(val any) error {
	switch f.Type {
	case FieldNumber:
		switch val.(type) {
		case int, int64, float64:
		default:
			return relay.Errorf(relay.CodeConfigInvalid, "config field %q must be a number", f.Key)
		}
	case FieldBoolean:
		if _, ok := val.(bool); !ok {
			return relay.Errorf(relay.CodeConfigInvalid, "config field %q must be a boolean", f.Key)
		}
	case FieldSelect:
		s, ok := val.(string)
		if !ok {
			return relay.Errorf(relay.CodeConfigInvalid, "config field %q must be a string", f.Key)
		}
		for _, opt := range f.Options {
			if s == opt {
				return nil
			}
		}
		return relay.Errorf(relay.CodeConfigInvalid, "config field %q must be one of %v", f.Key, f.Options)
	default:
		// text, password, url, textarea
		if _, ok := val.(string); !ok {
			return relay.Errorf(relay.CodeConfigInvalid, "config field %q must be a string", f.Key)
		}
	}
	return nil
}

func isEmpty(val any) bool {
	s, ok := val.(string)
	return ok && s == ""
}
