package task

import (
	"strconv"

	"rubaz/internal/account"
)

// Kind names a task type.
type Kind string

const (
	KindAccountInit   Kind = "account_init"
	KindUpdateVillage Kind = "update_village"
	KindSleep         Kind = "sleep"
)

// Task is an immutable description of one unit of work for one account.
// Village is zero for account-level tasks.
type Task struct {
	Kind    Kind              `json:"kind"`
	Account account.ID        `json:"account_id"`
	Village account.VillageID `json:"village_id,omitempty"`
}

func New(kind Kind, acc account.ID) Task { return Task{Kind: kind, Account: acc} }

func ForVillage(kind Kind, acc account.ID, v account.VillageID) Task {
	return Task{Kind: kind, Account: acc, Village: v}
}

// Key is the schedule slot identity: one pending entry per key per account.
func (t Task) Key() string {
	if t.Village == 0 {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + strconv.FormatInt(int64(t.Village), 10)
}

func (t Task) String() string {
	return t.Key() + "@" + t.Account.String()
}

// Result is the outcome of one task invocation: Ok, or Fail with ordered errors.
type Result struct {
	errs []error
}

func Ok() Result { return Result{} }

// Fail builds a failed result. nil errors are skipped; a Fail without any
// non-nil error still reports failure.
func Fail(errs ...error) Result {
	out := make([]error, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		out = append(out, errUnspecified)
	}
	return Result{errs: out}
}

func (r Result) IsOk() bool     { return len(r.errs) == 0 }
func (r Result) IsFailed() bool { return len(r.errs) > 0 }

// Errors returns a copy of the ordered failure list.
func (r Result) Errors() []error { return append([]error(nil), r.errs...) }

// Err joins the failure list into one error, or nil on Ok.
func (r Result) Err() error {
	switch len(r.errs) {
	case 0:
		return nil
	case 1:
		return r.errs[0]
	default:
		return joined(r.errs)
	}
}

func (r Result) String() string {
	if r.IsOk() {
		return "ok"
	}
	return "fail: " + r.Err().Error()
}
