package query

import (
	"strings"

	"github.com/brojonat/txscope/service/txn"
)

// Hint is a loosely structured interpretation of a query produced by an
// external natural-language service. Values are human phrases (token symbols,
// alias names) rather than identifiers.
type Hint struct {
	Token       string `json:"token,omitempty"`
	Action      string `json:"action,omitempty"`
	Type        string `json:"type,omitempty"`
	Destination string `json:"destination,omitempty"`
	Source      string `json:"source,omitempty"`
}

// ApplyHint fills the unset fields of base from h. Fields already bound by the
// parser are never overwritten, and hint values that cannot be resolved to
// identifiers are dropped.
func ApplyHint(base Criteria, h Hint, aliases *AliasTable, names TokenNames) Criteria {
	c := base

	if c.Action == "" || c.Type == "" {
		if kw, ok := keywords[strings.ToLower(strings.TrimSpace(h.Action))]; ok {
			if c.Action == "" && kw.action != "" {
				c.Action = kw.action
			}
			if c.Type == "" && kw.typ != "" {
				c.Type = kw.typ
			}
		}
	}

	if c.Type == "" {
		if typ := strings.ToUpper(strings.TrimSpace(h.Type)); txn.IsKnownType(typ) {
			c.Type = typ
		}
	}

	if c.Token == "" && h.Token != "" {
		if mint, ok := resolveToken(strings.ToLower(strings.TrimSpace(h.Token)), aliases, names); ok {
			c.Token = mint
		}
	}

	if c.Destination == "" && h.Destination != "" {
		if a, ok := aliases.Lookup(strings.TrimSpace(h.Destination)); ok {
			c.Destination = a.ID
		}
	}

	if c.Source == "" && h.Source != "" {
		if a, ok := aliases.Lookup(strings.TrimSpace(h.Source)); ok {
			c.Source = a.ID
		}
	}

	return c
}
