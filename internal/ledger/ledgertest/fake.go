// Package ledgertest provides an in-memory ledger gateway with atomic
// submission semantics for tests.
package ledgertest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/terminal-bench/settlementrelay/internal/ledger"
)

// Fake is an in-memory ledger. Contracts are visible to their stakeholders;
// a submission either applies every command or none.
type Fake struct {
	mu           sync.Mutex
	contracts    map[string]ledger.Contract
	stakeholders map[string][]string
	order        []string
	offset       int64
	seq          int
	commandIDs   map[string]ledger.Result
	submissions  []ledger.Submission
	queries      int

	// SubmitErr, when set, is returned by every submission without applying it.
	SubmitErr error
	// OnSubmit runs before a submission is applied; a non-nil error aborts it.
	OnSubmit func(ledger.Submission) error
	// QueryErr, when set, is returned by QueryActive and LedgerEnd.
	QueryErr error
}

// New creates an empty fake ledger.
func New() *Fake {
	return &Fake{
		contracts:    make(map[string]ledger.Contract),
		stakeholders: make(map[string][]string),
		commandIDs:   make(map[string]ledger.Result),
	}
}

// Add activates a contract visible to the given parties and returns its id.
// An empty ContractID is assigned.
func (f *Fake) Add(c ledger.Contract, parties ...string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(c, parties)
}

func (f *Fake) addLocked(c ledger.Contract, parties []string) string {
	if c.ContractID == "" {
		f.seq++
		c.ContractID = fmt.Sprintf("00cid%04d", f.seq)
	}
	if c.Arguments == nil {
		c.Arguments = map[string]interface{}{}
	}
	if _, exists := f.contracts[c.ContractID]; !exists {
		f.order = append(f.order, c.ContractID)
	}
	f.contracts[c.ContractID] = c
	f.stakeholders[c.ContractID] = parties
	f.offset++
	return c.ContractID
}

// Active returns a snapshot of a contract.
func (f *Fake) Active(contractID string) (ledger.Contract, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[contractID]
	return c, ok
}

// ActiveOf returns the active contracts of a template, in creation order.
func (f *Fake) ActiveOf(t ledger.TemplateID) []ledger.Contract {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.Contract
	for _, id := range f.order {
		if c, ok := f.contracts[id]; ok && t.Matches(c.TemplateID) {
			out = append(out, c)
		}
	}
	return out
}

// Submissions returns the submissions that were applied.
func (f *Fake) Submissions() []ledger.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.Submission(nil), f.submissions...)
}

// Queries returns how many QueryActive calls were made.
func (f *Fake) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *Fake) LedgerEnd(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.QueryErr != nil {
		return 0, f.QueryErr
	}
	return f.offset, nil
}

func (f *Fake) QueryActive(ctx context.Context, party string, templates []ledger.TemplateID, _ int64) ([]ledger.Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.QueryErr != nil {
		return nil, f.QueryErr
	}

	var visible []ledger.Contract
	for _, id := range f.order {
		c, ok := f.contracts[id]
		if !ok || !contains(f.stakeholders[id], party) {
			continue
		}
		visible = append(visible, c)
	}
	return ledger.Filter(visible, templates), nil
}

func (f *Fake) SubmitAtomic(ctx context.Context, sub ledger.Submission) (ledger.Result, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Result{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SubmitErr != nil {
		return ledger.Result{}, f.SubmitErr
	}
	if f.OnSubmit != nil {
		if err := f.OnSubmit(sub); err != nil {
			return ledger.Result{}, err
		}
	}
	if sub.CommandID != "" {
		if _, dup := f.commandIDs[sub.CommandID]; dup {
			return ledger.Result{}, &ledger.RejectedError{
				Status:  http.StatusConflict,
				Code:    "DUPLICATE_COMMAND",
				Message: "command " + sub.CommandID + " was already submitted",
			}
		}
	}

	consumed := make(map[string]bool)
	for _, cmd := range sub.Commands {
		if cmd.Kind != ledger.KindExercise {
			continue
		}
		c, ok := f.contracts[cmd.ContractID]
		if !ok || consumed[cmd.ContractID] {
			return ledger.Result{}, &ledger.RejectedError{
				Status:  http.StatusNotFound,
				Code:    "CONTRACT_NOT_FOUND",
				Message: "contract " + cmd.ContractID + " is not active",
			}
		}
		if !cmd.TemplateID.Matches(c.TemplateID) {
			return ledger.Result{}, &ledger.RejectedError{
				Status:  http.StatusBadRequest,
				Code:    "TEMPLATE_MISMATCH",
				Message: fmt.Sprintf("contract %s is a %s", cmd.ContractID, c.TemplateID),
			}
		}
		if cmd.IsArchive() {
			consumed[cmd.ContractID] = true
		}
	}

	if len(consumed) > 0 {
		kept := f.order[:0]
		for _, id := range f.order {
			if consumed[id] {
				delete(f.contracts, id)
				delete(f.stakeholders, id)
				continue
			}
			kept = append(kept, id)
		}
		f.order = kept
	}
	for _, cmd := range sub.Commands {
		if cmd.Kind == ledger.KindCreate {
			f.addLocked(ledger.Contract{TemplateID: cmd.TemplateID, Arguments: cmd.Arguments}, partiesIn(cmd.Arguments))
		}
	}

	f.offset++
	result := ledger.Result{
		UpdateID:         fmt.Sprintf("update-%d", len(f.submissions)+1),
		CompletionOffset: f.offset,
	}
	if sub.CommandID != "" {
		f.commandIDs[sub.CommandID] = result
	}
	f.submissions = append(f.submissions, sub)
	return result, nil
}

// partiesIn treats every string argument that looks like a party id as a
// stakeholder.
func partiesIn(args map[string]interface{}) []string {
	var parties []string
	for _, v := range args {
		if s, ok := v.(string); ok && strings.Contains(s, "::") {
			parties = append(parties, s)
		}
	}
	sort.Strings(parties)
	return parties
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
