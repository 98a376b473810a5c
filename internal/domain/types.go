package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

type StringSlice []string

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

func (s *StringSlice) Scan(value interface{}) error {
	data, err := scanJSON(value)
	if err != nil || data == nil {
		*s = nil
		return err
	}
	return json.Unmarshal(data, s)
}

// CountSet is a multiset of observed labels (types, sites, participants).
// Keeping the multiplicity lets a retraction remove one observation without
// rescanning the rows that produced the set.
type CountSet map[string]int

func (c CountSet) Add(key string) {
	c[key]++
}

// Remove drops one observation of key; the key disappears at zero.
func (c CountSet) Remove(key string) {
	n, ok := c[key]
	if !ok {
		return
	}
	if n <= 1 {
		delete(c, key)
		return
	}
	c[key] = n - 1
}

// Distinct is the number of different labels with a positive count.
func (c CountSet) Distinct() int {
	return len(c)
}

// Most returns the label with the highest count. Ties go to the
// lexicographically smallest label so the choice is deterministic.
func (c CountSet) Most() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best, bestCount := "", 0
	for _, k := range keys {
		if c[k] > bestCount {
			best, bestCount = k, c[k]
		}
	}
	return best
}

func (c CountSet) Clone() CountSet {
	out := make(CountSet, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func (c CountSet) Value() (driver.Value, error) {
	if len(c) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]int(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *CountSet) Scan(value interface{}) error {
	data, err := scanJSON(value)
	if err != nil {
		return err
	}
	out := CountSet{}
	if data != nil {
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
	}
	*c = out
	return nil
}

func scanJSON(value interface{}) ([]byte, error) {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return nil, fmt.Errorf("unsupported JSON column type %T", value)
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	return data, nil
}
