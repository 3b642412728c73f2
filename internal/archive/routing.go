// Package archive decides where received messages are written and owns the
// spool file backing the message currently being received.
package archive

import "strings"

// Rule maps a recipient address to a strftime-style directory pattern.
type Rule struct {
	Recipient   string
	PathPattern string
}

// Table is an immutable snapshot of archiver rules. It is safe to share
// between goroutines.
type Table struct {
	rules []Rule
}

// NewTable copies rules into a new Table. Later changes to the slice do not
// affect the table.
func NewTable(rules []Rule) *Table {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Table{rules: cp}
}

// Resolve scans the rules for recipient and returns the pattern of the last
// exact match.
func (t *Table) Resolve(recipient string) (string, bool) {
	if t == nil {
		return "", false
	}
	var (
		pattern string
		found   bool
	)
	for _, r := range t.rules {
		if r.Recipient == recipient {
			pattern = r.PathPattern
			found = true
		}
	}
	return pattern, found
}

// Len returns the number of rules.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// Rules returns a copy of the rules in scan order.
func (t *Table) Rules() []Rule {
	if t == nil {
		return nil
	}
	cp := make([]Rule, len(t.rules))
	copy(cp, t.rules)
	return cp
}

// NormalizeAddress strips surrounding spaces and angle brackets so that
// "<a@b>", " <a@b>" and "a@b" compare equal.
func NormalizeAddress(addr string) string {
	return strings.Trim(addr, " <>")
}
