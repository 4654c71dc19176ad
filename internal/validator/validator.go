package validator

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/terminal-bench/settlementrelay/internal/ledger"
	pdec "github.com/terminal-bench/settlementrelay/pkg/decimal"
)

var ErrUnknownTemplate = errors.New("no schema for command")

// Kind is the expected shape of one argument.
type Kind int

const (
	KindText Kind = iota
	KindParty
	KindNumeric
	KindPositiveNumeric
	KindInt
	KindContractID
	KindContractIDList
	KindBool
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindParty:
		return "party"
	case KindNumeric:
		return "numeric"
	case KindPositiveNumeric:
		return "positive numeric"
	case KindInt:
		return "int"
	case KindContractID:
		return "contract id"
	case KindContractIDList:
		return "contract id list"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Field is one expected argument.
type Field struct {
	Name     string
	Kind     Kind
	Optional bool
}

// Schema is the fixed argument contract of one create or exercise.
// An empty Choice describes a create.
type Schema struct {
	Name       string
	Template   ledger.TemplateID
	Choice     string
	Fields     []Field
	AllowExtra bool
}

// ValidationError describes the first problem found in a command.
type ValidationError struct {
	Schema string
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid ")
	if e.Schema != "" {
		b.WriteString(e.Schema)
	} else {
		b.WriteString("command")
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, " (command %d)", e.Index)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": field %q", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// Validator checks outbound commands against a closed set of schemas before
// they are sent to the ledger.
type Validator struct {
	schemas []Schema
}

// New creates a validator over the given schemas.
func New(schemas ...Schema) *Validator {
	return &Validator{schemas: append([]Schema(nil), schemas...)}
}

// Register adds schemas.
func (v *Validator) Register(schemas ...Schema) {
	v.schemas = append(v.schemas, schemas...)
}

// Validate checks a single command.
func (v *Validator) Validate(cmd ledger.Command) error {
	return v.validate(cmd, -1)
}

// ValidateAll checks every command of a batch and stops at the first error.
func (v *Validator) ValidateAll(cmds []ledger.Command) error {
	if len(cmds) == 0 {
		return &ValidationError{Index: -1, Reason: "empty batch"}
	}
	for i, cmd := range cmds {
		if err := v.validate(cmd, i); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validate(cmd ledger.Command, index int) error {
	if cmd.TemplateID.IsZero() {
		return &ValidationError{Index: index, Field: "templateId", Reason: "missing template"}
	}
	if cmd.Kind == ledger.KindExercise && cmd.ContractID == "" {
		return &ValidationError{Index: index, Field: "contractId", Reason: "exercise without contract id"}
	}

	if cmd.IsArchive() {
		if !v.knownTemplate(cmd.TemplateID) {
			return fmt.Errorf("%w: archive of %s", ErrUnknownTemplate, cmd.TemplateID)
		}
		if len(cmd.Arguments) > 0 {
			return &ValidationError{Schema: "Archive", Index: index, Reason: "archive takes no arguments"}
		}
		return nil
	}

	schema, ok := v.lookup(cmd)
	if !ok {
		if cmd.Kind == ledger.KindCreate {
			return fmt.Errorf("%w: create %s", ErrUnknownTemplate, cmd.TemplateID)
		}
		return fmt.Errorf("%w: exercise %s on %s", ErrUnknownTemplate, cmd.Choice, cmd.TemplateID)
	}
	return schema.check(cmd.Arguments, index)
}

func (v *Validator) lookup(cmd ledger.Command) (Schema, bool) {
	for _, s := range v.schemas {
		if !s.Template.Matches(cmd.TemplateID) {
			continue
		}
		if cmd.Kind == ledger.KindCreate && s.Choice == "" {
			return s, true
		}
		if cmd.Kind == ledger.KindExercise && s.Choice == cmd.Choice {
			return s, true
		}
	}
	return Schema{}, false
}

func (v *Validator) knownTemplate(t ledger.TemplateID) bool {
	for _, s := range v.schemas {
		if s.Template.Matches(t) {
			return true
		}
	}
	return false
}

func (s Schema) check(args map[string]interface{}, index int) error {
	fail := func(field, reason string) error {
		return &ValidationError{Schema: s.Name, Index: index, Field: field, Reason: reason}
	}

	known := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = true
		value, present := args[f.Name]
		if !present || value == nil {
			if f.Optional {
				continue
			}
			return fail(f.Name, "missing required field")
		}
		if reason := checkKind(f.Kind, value); reason != "" {
			return fail(f.Name, reason)
		}
	}

	if !s.AllowExtra {
		var extra []string
		for name := range args {
			if !known[name] {
				extra = append(extra, name)
			}
		}
		if len(extra) > 0 {
			sort.Strings(extra)
			return fail(extra[0], "unexpected field")
		}
	}
	return nil
}

func checkKind(kind Kind, value interface{}) string {
	switch kind {
	case KindText:
		if _, ok := value.(string); !ok {
			return "expected text"
		}
	case KindParty:
		s, ok := value.(string)
		if !ok || !IsParty(s) {
			return "expected party id of the form name::fingerprint"
		}
	case KindNumeric, KindPositiveNumeric:
		d, err := pdec.FromAny(value)
		if err != nil {
			return "expected numeric: " + err.Error()
		}
		if kind == KindPositiveNumeric && !d.IsPositive() {
			return "must be positive"
		}
		if -d.Exponent() > pdec.LedgerScale {
			return fmt.Sprintf("more than %d decimal places", pdec.LedgerScale)
		}
	case KindInt:
		if !isInt(value) {
			return "expected integer"
		}
	case KindContractID:
		s, ok := value.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return "expected contract id"
		}
	case KindContractIDList:
		list, ok := toStrings(value)
		if !ok || len(list) == 0 {
			return "expected non-empty contract id list"
		}
		seen := make(map[string]bool, len(list))
		for _, id := range list {
			if strings.TrimSpace(id) == "" {
				return "empty contract id in list"
			}
			if seen[id] {
				return "duplicate contract id " + id
			}
			seen[id] = true
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return "expected bool"
		}
	case KindTimestamp:
		if s, ok := value.(string); !ok || s == "" {
			return "expected timestamp"
		}
	}
	return ""
}

// IsParty reports whether s looks like a ledger party identifier.
func IsParty(s string) bool {
	name, fingerprint, ok := strings.Cut(s, "::")
	return ok && name != "" && fingerprint != "" && !strings.ContainsAny(s, " \t\n")
}

func isInt(value interface{}) bool {
	switch t := value.(type) {
	case int, int32, int64, uint64:
		return true
	case float64:
		return t == float64(int64(t))
	case string:
		_, err := strconv.ParseInt(t, 10, 64)
		return err == nil
	default:
		if n, ok := value.(interface{ Int64() (int64, error) }); ok {
			_, err := n.Int64()
			return err == nil
		}
		return false
	}
}

func toStrings(value interface{}) ([]string, bool) {
	switch t := value.(type) {
	case []string:
		return t, true
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
