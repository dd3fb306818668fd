package query

import (
	"strings"

	"github.com/brojonat/txscope/service/txn"
)

// TokenNames resolves a token display name to its mint. It is satisfied by the
// metadata cache, which knows the names of every mint resolved so far.
type TokenNames interface {
	MintByName(name string) (string, bool)
}

// keyword is the binding produced by an action word.
type keyword struct {
	action string
	typ    string
}

// keywords maps action words to the field they bind. Swap and mint words bind
// the transaction type only; send and receive words bind the action only.
var keywords = map[string]keyword{
	"send":     {action: ActionSend},
	"sent":     {action: ActionSend},
	"receive":  {action: ActionReceive},
	"received": {action: ActionReceive},
	"swap":     {typ: txn.TypeSwap},
	"swapped":  {typ: txn.TypeSwap},
	"mint":     {typ: txn.TypeTokenMint},
	"minted":   {typ: txn.TypeTokenMint},
}

// Parse turns a free-text search into Criteria. It never fails: words it
// cannot interpret are dropped, and a query matching nothing yields the empty
// Criteria. Later matches overwrite earlier ones for the same field. aliases
// and names may be nil.
func Parse(q string, aliases *AliasTable, names TokenNames) Criteria {
	var c Criteria

	words := strings.Fields(strings.ToLower(q))
	for i := 0; i < len(words); i++ {
		word := words[i]

		if kw, ok := keywords[word]; ok {
			if kw.action != "" {
				c.Action = kw.action
			}
			if kw.typ != "" {
				c.Type = kw.typ
			}
			continue
		}

		if (word == "to" || word == "from") && i+1 < len(words) {
			if a, ok := aliases.Lookup(words[i+1]); ok {
				if word == "to" {
					c.Destination = a.ID
				} else {
					c.Source = a.ID
				}
				i++
				continue
			}
		}

		if mint, ok := resolveToken(word, aliases, names); ok {
			c.Token = mint
		}
	}

	return c
}

// resolveToken looks word up in the alias table and then among resolved
// token names.
func resolveToken(word string, aliases *AliasTable, names TokenNames) (string, bool) {
	if a, ok := aliases.Lookup(word); ok {
		return a.ID, true
	}
	if names != nil {
		return names.MintByName(word)
	}
	return "", false
}
