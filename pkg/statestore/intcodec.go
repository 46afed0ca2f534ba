package statestore

import "strconv"

// parseInt/formatInt give counters a stable string encoding across every
// backend (Redis hash fields, Postgres text columns, DynamoDB attribute
// values all round-trip through the same base-10 representation).
func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
