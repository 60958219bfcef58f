package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// StringSlice persists a []string as a JSON array, the way the teacher
// persists ComplianceTags/TravelRulePacket as jsonb columns. Using JSON
// rather than a Postgres-only array type keeps the same column usable
// against the sqlite test driver.
type StringSlice []string

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("model: unsupported StringSlice scan source")
	}
	if len(raw) == 0 {
		*s = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("model: scan StringSlice: %w", err)
	}
	*s = out
	return nil
}

// Contains reports whether target is present in the slice.
func (s StringSlice) Contains(target string) bool {
	for _, v := range s {
		if v == target {
			return true
		}
	}
	return false
}
