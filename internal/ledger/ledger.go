package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	pdec "github.com/terminal-bench/settlementrelay/pkg/decimal"
)

// ArchiveChoice is the standard consuming choice available on every template.
const ArchiveChoice = "Archive"

var (
	// ErrTransient marks timeouts, 5xx responses and transport failures.
	// Callers retry on their next cycle; the gateway never retries inline.
	ErrTransient   = errors.New("transient ledger error")
	ErrNoContract  = errors.New("contract not found")
	ErrBadTemplate = errors.New("invalid template id")
)

// RejectedError is returned when the ledger refused a request. It is not
// transient: resubmitting the same commands fails the same way.
type RejectedError struct {
	Status  int
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("ledger rejected request (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("ledger rejected request (%d): %s", e.Status, e.Message)
}

// IsRejected reports whether err is a ledger rejection.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// Gateway is the boundary to the contract-query/command ledger API. It is
// the only source of truth for contract state.
type Gateway interface {
	LedgerEnd(ctx context.Context) (int64, error)
	QueryActive(ctx context.Context, party string, templates []TemplateID, offset int64) ([]Contract, error)
	SubmitAtomic(ctx context.Context, sub Submission) (Result, error)
}

// TemplateID identifies a contract template as package:Module:Entity.
// PackageID may be a package-name reference starting with "#".
type TemplateID struct {
	PackageID  string `json:"packageId" yaml:"packageId"`
	ModuleName string `json:"moduleName" yaml:"moduleName"`
	EntityName string `json:"entityName" yaml:"entityName"`
}

// ParseTemplateID parses "pkg:Module.Path:Entity" or "Module.Path:Entity".
func ParseTemplateID(s string) (TemplateID, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 {
		return TemplateID{}, fmt.Errorf("%w: %q", ErrBadTemplate, s)
	}
	t := TemplateID{
		ModuleName: parts[len(parts)-2],
		EntityName: parts[len(parts)-1],
	}
	if len(parts) > 2 {
		t.PackageID = strings.Join(parts[:len(parts)-2], ":")
	}
	if t.ModuleName == "" || t.EntityName == "" {
		return TemplateID{}, fmt.Errorf("%w: %q", ErrBadTemplate, s)
	}
	return t, nil
}

// MustTemplateID is ParseTemplateID for constants and tests.
func MustTemplateID(s string) TemplateID {
	t, err := ParseTemplateID(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TemplateID) String() string {
	if t.PackageID == "" {
		return t.ModuleName + ":" + t.EntityName
	}
	return t.PackageID + ":" + t.ModuleName + ":" + t.EntityName
}

func (t TemplateID) IsZero() bool {
	return t.ModuleName == "" && t.EntityName == ""
}

// Matches compares module and entity, and the package too when both sides
// carry a concrete package hash.
func (t TemplateID) Matches(other TemplateID) bool {
	if t.ModuleName != other.ModuleName || t.EntityName != other.EntityName {
		return false
	}
	if concretePackage(t.PackageID) && concretePackage(other.PackageID) {
		return t.PackageID == other.PackageID
	}
	return true
}

func concretePackage(id string) bool {
	return id != "" && !strings.HasPrefix(id, "#")
}

// MarshalJSON renders the ledger's string form.
func (t TemplateID) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts both the string and the object form.
func (t *TemplateID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseTemplateID(s)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}
	type plain TemplateID
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %s", ErrBadTemplate, string(data))
	}
	*t = TemplateID(p)
	return nil
}

// UnmarshalText lets configuration carry template ids as strings.
func (t *TemplateID) UnmarshalText(text []byte) error {
	parsed, err := ParseTemplateID(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Contract is an active contract as seen at one ledger offset.
type Contract struct {
	ContractID  string                 `json:"contractId"`
	TemplateID  TemplateID             `json:"templateId"`
	Arguments   map[string]interface{} `json:"createArgument"`
	Signatories []string               `json:"signatories,omitempty"`
	Observers   []string               `json:"observers,omitempty"`
}

// Text returns a string argument, or "" when absent.
func (c Contract) Text(field string) string {
	switch v := c.Arguments[field].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// Numeric returns a decimal argument.
func (c Contract) Numeric(field string) (decimal.Decimal, error) {
	v, ok := c.Arguments[field]
	if !ok {
		return decimal.Zero, fmt.Errorf("contract %s: missing field %q", c.ContractID, field)
	}
	d, err := pdec.FromAny(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("contract %s: field %q: %w", c.ContractID, field, err)
	}
	return d, nil
}

// Int returns an integer argument. The ledger encodes Int fields as strings.
func (c Contract) Int(field string) (int64, error) {
	v, ok := c.Arguments[field]
	if !ok {
		return 0, fmt.Errorf("contract %s: missing field %q", c.ContractID, field)
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		return int64(t), nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case uint64:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("contract %s: field %q has type %T", c.ContractID, field, v)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("contract %s: field %q: %w", c.ContractID, field, err)
	}
	return n, nil
}

// CommandKind distinguishes create from exercise commands.
type CommandKind int

const (
	KindCreate CommandKind = iota
	KindExercise
)

func (k CommandKind) String() string {
	if k == KindCreate {
		return "create"
	}
	return "exercise"
}

// Command is one entry of an atomic submission.
type Command struct {
	Kind       CommandKind
	TemplateID TemplateID
	ContractID string
	Choice     string
	Arguments  map[string]interface{}
}

// Create builds a create command.
func Create(t TemplateID, args map[string]interface{}) Command {
	return Command{Kind: KindCreate, TemplateID: t, Arguments: args}
}

// Exercise builds an exercise command.
func Exercise(t TemplateID, contractID, choice string, args map[string]interface{}) Command {
	return Command{Kind: KindExercise, TemplateID: t, ContractID: contractID, Choice: choice, Arguments: args}
}

// Archive builds an exercise of the Archive choice.
func Archive(t TemplateID, contractID string) Command {
	return Exercise(t, contractID, ArchiveChoice, map[string]interface{}{})
}

// IsArchive reports whether c archives a contract.
func (c Command) IsArchive() bool {
	return c.Kind == KindExercise && c.Choice == ArchiveChoice
}

type createCommand struct {
	TemplateID      TemplateID             `json:"templateId"`
	CreateArguments map[string]interface{} `json:"createArguments"`
}

type exerciseCommand struct {
	TemplateID     TemplateID             `json:"templateId"`
	ContractID     string                 `json:"contractId"`
	Choice         string                 `json:"choice"`
	ChoiceArgument map[string]interface{} `json:"choiceArgument"`
}

func (c Command) MarshalJSON() ([]byte, error) {
	args := c.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	switch c.Kind {
	case KindCreate:
		return json.Marshal(map[string]createCommand{
			"CreateCommand": {TemplateID: c.TemplateID, CreateArguments: args},
		})
	case KindExercise:
		return json.Marshal(map[string]exerciseCommand{
			"ExerciseCommand": {
				TemplateID:     c.TemplateID,
				ContractID:     c.ContractID,
				Choice:         c.Choice,
				ChoiceArgument: args,
			},
		})
	default:
		return nil, fmt.Errorf("unknown command kind %d", c.Kind)
	}
}

// Submission is a batch of commands that commits or fails as a whole.
type Submission struct {
	ActAs     []string
	ReadAs    []string
	CommandID string
	Commands  []Command
}

// Result of a committed submission.
type Result struct {
	UpdateID         string `json:"updateId"`
	CompletionOffset int64  `json:"completionOffset"`
}

// Filter returns the contracts matching any of the templates. An empty
// template list matches everything.
func Filter(contracts []Contract, templates []TemplateID) []Contract {
	if len(templates) == 0 {
		return contracts
	}
	out := make([]Contract, 0, len(contracts))
	for _, c := range contracts {
		for _, t := range templates {
			if t.Matches(c.TemplateID) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
