package txn

import "strings"

// TypeLabel returns a human readable label for a transaction type.
func TypeLabel(typ string) string {
	if typ == TypeUnknown || typ == "" {
		return "General Transfer"
	}
	return strings.ReplaceAll(typ, "_", " ")
}

// SourceLabel returns a human readable label for the originating program, or
// the empty string when the source is unknown.
func SourceLabel(source string) string {
	switch source {
	case "", TypeUnknown:
		return ""
	case "SYSTEM_PROGRAM":
		return "System Program"
	default:
		return strings.ReplaceAll(source, "_", " ")
	}
}

// TruncateAddress shortens an address or signature to its first and last four
// characters.
func TruncateAddress(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:4] + "..." + s[len(s)-4:]
}
