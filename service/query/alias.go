package query

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidAlias is returned when an alias table entry is malformed or
// collides with another entry.
var ErrInvalidAlias = errors.New("invalid alias")

// Alias kinds. The kind is informational; the parser treats all aliases alike.
const (
	KindToken   = "token"
	KindAccount = "account"
)

// Alias maps a human readable display name to a canonical identifier (a token
// mint or a well-known account).
type Alias struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`
}

// AliasTable is a read-only lookup from display name to alias. A nil
// *AliasTable is valid and matches nothing.
type AliasTable struct {
	entries []Alias
	byName  map[string]Alias
	byID    map[string]Alias
}

// NewAliasTable validates aliases and builds a table. Display names are
// compared case-insensitively and must be unique.
func NewAliasTable(aliases []Alias) (*AliasTable, error) {
	t := &AliasTable{
		entries: make([]Alias, 0, len(aliases)),
		byName:  make(map[string]Alias, len(aliases)),
		byID:    make(map[string]Alias, len(aliases)),
	}
	for i, a := range aliases {
		a.ID = strings.TrimSpace(a.ID)
		a.Name = strings.TrimSpace(a.Name)
		if a.ID == "" || a.Name == "" {
			return nil, fmt.Errorf("%w: entry %d needs both id and name", ErrInvalidAlias, i)
		}
		if strings.ContainsFunc(a.Name, isSpace) {
			return nil, fmt.Errorf("%w: name %q must be a single word", ErrInvalidAlias, a.Name)
		}
		key := strings.ToLower(a.Name)
		if prev, ok := t.byName[key]; ok {
			return nil, fmt.Errorf("%w: name %q used by %s and %s", ErrInvalidAlias, a.Name, prev.ID, a.ID)
		}
		t.byName[key] = a
		if _, ok := t.byID[a.ID]; !ok {
			t.byID[a.ID] = a
		}
		t.entries = append(t.entries, a)
	}
	return t, nil
}

// MustAliasTable is like NewAliasTable but panics on invalid input.
func MustAliasTable(aliases []Alias) *AliasTable {
	t, err := NewAliasTable(aliases)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup finds the alias whose display name equals word, ignoring case.
func (t *AliasTable) Lookup(word string) (Alias, bool) {
	if t == nil {
		return Alias{}, false
	}
	a, ok := t.byName[strings.ToLower(word)]
	return a, ok
}

// NameOf returns the display name registered for an identifier.
func (t *AliasTable) NameOf(id string) (string, bool) {
	if t == nil {
		return "", false
	}
	a, ok := t.byID[id]
	return a.Name, ok
}

// Entries returns the aliases sorted by display name.
func (t *AliasTable) Entries() []Alias {
	if t == nil {
		return nil
	}
	out := make([]Alias, len(t.entries))
	copy(out, t.entries)
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// Len returns the number of aliases.
func (t *AliasTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// aliasFile is the on-disk YAML layout:
//
//	aliases:
//	  - id: EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v
//	    name: usdc
//	    kind: token
type aliasFile struct {
	Aliases []Alias `yaml:"aliases"`
}

// ReadAliases decodes a YAML alias file.
func ReadAliases(r io.Reader) ([]Alias, error) {
	var f aliasFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode alias file: %w", err)
	}
	return f.Aliases, nil
}

// DefaultAliases is the built-in table used when no alias file is configured.
func DefaultAliases() []Alias {
	return []Alias{
		{ID: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Name: "usdc", Kind: KindToken},
		{ID: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", Name: "usdt", Kind: KindToken},
		{ID: "So11111111111111111111111111111111111111112", Name: "sol", Kind: KindToken},
		{ID: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", Name: "bonk", Kind: KindToken},
		{ID: "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN", Name: "jup", Kind: KindToken},
		{ID: "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4", Name: "jupiter", Kind: KindAccount},
	}
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
