package engine

import (
	"encoding/json"
	"strings"
)

const blockedPrefix = "Blocked: "

// Promise is the terminal outcome of a task: Done, or Blocked with a reason.
type Promise struct {
	blocked bool
	reason  string
}

// Done returns the successful promise.
func Done() Promise { return Promise{} }

// Blocked returns a promise blocked for reason.
func Blocked(reason string) Promise {
	return Promise{blocked: true, reason: reason}
}

// ParsePromise reads the String form back. Anything that is not "Done"
// is treated as blocked.
func ParsePromise(s string) Promise {
	s = strings.TrimSpace(s)
	if s == "Done" {
		return Done()
	}
	return Blocked(strings.TrimPrefix(s, blockedPrefix))
}

// IsDone reports whether the task completed.
func (p Promise) IsDone() bool { return !p.blocked }

// Reason returns the blocking reason, empty for Done.
func (p Promise) Reason() string { return p.reason }

// String renders "Done" or "Blocked: <reason>".
func (p Promise) String() string {
	if !p.blocked {
		return "Done"
	}
	return blockedPrefix + p.reason
}

// Marker renders the ledger form, <Promise>DONE</Promise> or
// <Promise>BLOCKED: <reason></Promise>.
func (p Promise) Marker() string {
	if !p.blocked {
		return "<Promise>DONE</Promise>"
	}
	return "<Promise>BLOCKED: " + p.reason + "</Promise>"
}

// MarshalJSON encodes the String form.
func (p Promise) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes the String form.
func (p *Promise) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = ParsePromise(s)
	return nil
}
