package actions

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"pubflow/internal/expr"

	"github.com/go-playground/validator/v10"
)

// FieldKind is the native JSON type a config field accepts.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "boolean"
	KindObject FieldKind = "object"
	KindArray  FieldKind = "array"
	KindAny    FieldKind = "any"
)

// Field describes one config key. Rules is a go-playground/validator tag
// (e.g. "oneof=GET POST", "url", "email") applied after the kind check.
type Field struct {
	Name        string    `json:"name"`
	Kind        FieldKind `json:"kind"`
	Required    bool      `json:"required"`
	Rules       string    `json:"rules,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Schema is an ordered set of fields. Keys not declared by the schema are
// dropped from parsed output.
type Schema struct {
	Fields []Field `json:"fields"`
}

// FieldIssue is a field-level validation diagnostic.
type FieldIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ParseOptions widens or relaxes a schema for a single parse.
type ParseOptions struct {
	// AllowTemplates accepts any string containing a {{ }} block regardless of kind.
	AllowTemplates bool
	// Optional lists fields whose Required flag is ignored.
	Optional map[string]bool
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func fieldValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Parse validates cfg and returns the declared fields only. Issues are
// reported for every failing field, in schema order.
func (s Schema) Parse(cfg map[string]interface{}, opts ParseOptions) (map[string]interface{}, []FieldIssue) {
	out := make(map[string]interface{}, len(s.Fields))
	var issues []FieldIssue
	for _, f := range s.Fields {
		v, present := cfg[f.Name]
		if !present || v == nil {
			if f.Required && !opts.Optional[f.Name] {
				issues = append(issues, FieldIssue{Path: f.Name, Message: "required"})
			}
			continue
		}
		if str, ok := v.(string); ok && opts.AllowTemplates && expr.HasTemplate(str) {
			out[f.Name] = v
			continue
		}
		if msg := checkKind(f.Kind, v); msg != "" {
			issues = append(issues, FieldIssue{Path: f.Name, Message: msg})
			continue
		}
		if f.Rules != "" {
			if err := fieldValidator().Var(v, f.Rules); err != nil {
				issues = append(issues, FieldIssue{Path: f.Name, Message: describeRuleError(f, err)})
				continue
			}
		}
		out[f.Name] = v
	}
	return out, issues
}

// Names returns the field names in schema order.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

func checkKind(kind FieldKind, v interface{}) string {
	ok := true
	switch kind {
	case KindString:
		_, ok = v.(string)
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int64, int32:
		default:
			ok = false
		}
	case KindBool:
		_, ok = v.(bool)
	case KindObject:
		_, ok = v.(map[string]interface{})
	case KindArray:
		_, ok = v.([]interface{})
	}
	if ok {
		return ""
	}
	return fmt.Sprintf("expected %s, received %s", kind, kindOf(v))
}

func kindOf(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, float32, int, int64, int32:
		return "number"
	case bool:
		return "boolean"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}

func describeRuleError(f Field, err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "oneof":
		opts := strings.Fields(fe.Param())
		sort.Strings(opts)
		return fmt.Sprintf("must be one of [%s]", strings.Join(opts, ", "))
	case "url":
		return "must be a valid URL"
	case "email":
		return "must be a valid email address"
	case "uuid":
		return "must be a valid UUID"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	}
	return fmt.Sprintf("failed %q validation", fe.Tag())
}
