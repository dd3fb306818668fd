package query

// Action values bound by the parser.
const (
	ActionSend    = "send"
	ActionReceive = "receive"
)

// Criteria is a structured transaction filter. The zero value matches every
// transaction.
type Criteria struct {
	Token       string `json:"token,omitempty"`
	Action      string `json:"action,omitempty"`
	Type        string `json:"type,omitempty"`
	Destination string `json:"destination,omitempty"`
	Source      string `json:"source,omitempty"`
}

// IsEmpty reports whether no field is set.
func (c Criteria) IsEmpty() bool {
	return c == Criteria{}
}

// needsTransfer reports whether a field other than Type is set. Those fields
// can only be checked against token transfers.
func (c Criteria) needsTransfer() bool {
	return c.Token != "" || c.Action != "" || c.Destination != "" || c.Source != ""
}
