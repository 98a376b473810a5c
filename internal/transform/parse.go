package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ParsedValue is the result of reading a raw value string.
type ParsedValue struct {
	// EmbeddedUnit is a unit written inside the value ("5.4 mmol/L").
	EmbeddedUnit string
	Notes        []string
	Value        float64
	Numeric      bool
}

var comparators = []struct {
	prefix string
	label  string
}{
	{"<=", "upper-bounded"},
	{">=", "lower-bounded"},
	{"≤", "upper-bounded"},
	{"≥", "lower-bounded"},
	{"<", "upper-bounded"},
	{">", "lower-bounded"},
	{"~", "approximate"},
	{"≈", "approximate"},
}

// ParseValue reads a decimal number out of a loosely formatted clinical
// value. It accepts a leading comparator, a leading or trailing unit, and
// comma decimal or thousands separators. Anything else is non-numeric,
// with a note explaining why.
func ParseValue(raw string) ParsedValue {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nonNumeric("empty value")
	}

	var notes []string
	for _, c := range comparators {
		if strings.HasPrefix(s, c.prefix) {
			notes = append(notes, fmt.Sprintf("%s value %q recorded at its bound", c.label, s))
			s = strings.TrimSpace(strings.TrimPrefix(s, c.prefix))
			break
		}
	}

	start, end, ok := numberSpan(s)
	if !ok {
		return nonNumeric(fmt.Sprintf("value %q is not a number", raw))
	}

	prefix := strings.TrimSpace(s[:start])
	suffix := strings.TrimSpace(s[end:])
	if prefix != "" && suffix != "" {
		return nonNumeric(fmt.Sprintf("value %q has text on both sides of the number", raw))
	}
	unit := prefix + suffix
	if unit != "" && !plausibleUnit(unit) {
		return nonNumeric(fmt.Sprintf("value %q is not a single number", raw))
	}

	v, sepNote, err := parseDecimal(s[start:end])
	if err != nil {
		return nonNumeric(fmt.Sprintf("value %q is not a number: %v", raw, err))
	}
	if sepNote != "" {
		notes = append(notes, sepNote)
	}
	if unit != "" {
		notes = append(notes, fmt.Sprintf("unit %q embedded in value", unit))
	}

	return ParsedValue{Value: v, Numeric: true, EmbeddedUnit: unit, Notes: notes}
}

func nonNumeric(note string) ParsedValue {
	return ParsedValue{Notes: []string{note}}
}

// numberSpan finds the first run that looks like a number: an optional
// sign, digits with '.' or ',' separators, and an optional exponent.
func numberSpan(s string) (int, int, bool) {
	start := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isDigit(c) {
			start = i
			break
		}
		if (c == '-' || c == '+' || c == '.' || c == ',') && i+1 < len(s) && isDigit(s[i+1]) {
			start = i
			break
		}
	}
	if start < 0 {
		return 0, 0, false
	}

	i := start
	if s[i] == '-' || s[i] == '+' {
		i++
	}
	for i < len(s) && (isDigit(s[i]) || s[i] == '.' || s[i] == ',') {
		i++
	}
	// Exponent, only when followed by digits.
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '-' || s[j] == '+') {
			j++
		}
		if j < len(s) && isDigit(s[j]) {
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			i = j
		}
	}
	// Trailing separators belong to the sentence, not the number ("5.").
	end := i
	for end > start && (s[end-1] == '.' || s[end-1] == ',') {
		end--
	}
	return start, end, true
}

// parseDecimal resolves '.' and ',' separators. With both present the last
// one is the decimal separator. A lone comma is a decimal separator unless
// exactly three digits follow it; repeated separators of one kind must form
// groups of three.
func parseDecimal(tok string) (float64, string, error) {
	commas := strings.Count(tok, ",")
	dots := strings.Count(tok, ".")
	note := ""

	switch {
	case commas > 0 && dots > 0:
		if strings.LastIndex(tok, ",") > strings.LastIndex(tok, ".") {
			tok = strings.ReplaceAll(tok, ".", "")
			tok = strings.Replace(tok, ",", ".", 1)
			note = "comma read as decimal separator, dots as thousands separators"
		} else {
			tok = strings.ReplaceAll(tok, ",", "")
		}
		if strings.Count(tok, ".") > 1 || strings.Contains(tok, ",") {
			return 0, "", fmt.Errorf("mixed separators")
		}
	case commas == 1:
		after := tok[strings.Index(tok, ",")+1:]
		if len(after) == 3 && !strings.ContainsAny(after, "eE") && leadingDigits(tok) > 0 {
			tok = strings.Replace(tok, ",", "", 1)
			note = "comma read as thousands separator"
		} else {
			tok = strings.Replace(tok, ",", ".", 1)
			note = "comma read as decimal separator"
		}
	case commas > 1:
		if !validGroups(tok, ',') {
			return 0, "", fmt.Errorf("malformed digit grouping")
		}
		tok = strings.ReplaceAll(tok, ",", "")
	case dots > 1:
		if !validGroups(tok, '.') {
			return 0, "", fmt.Errorf("malformed digit grouping")
		}
		tok = strings.ReplaceAll(tok, ".", "")
		note = "dots read as thousands separators"
	}

	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok {
			return 0, "", ne.Err
		}
		return 0, "", err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, "", fmt.Errorf("not a finite number")
	}
	return v, note, nil
}

func leadingDigits(tok string) int {
	n := 0
	for i := 0; i < len(tok); i++ {
		if tok[i] == '-' || tok[i] == '+' {
			continue
		}
		if !isDigit(tok[i]) {
			break
		}
		n++
	}
	return n
}

// validGroups checks "1,234,567" style grouping for separator sep.
func validGroups(tok string, sep byte) bool {
	tok = strings.TrimLeft(tok, "+-")
	parts := strings.Split(tok, string(sep))
	if len(parts[0]) == 0 || len(parts[0]) > 3 {
		return false
	}
	for _, p := range parts[1:] {
		if len(p) != 3 || strings.ContainsAny(p, ".,eE") {
			return false
		}
	}
	return true
}

// plausibleUnit accepts short unit-like text such as "mg/dL", "%", "°C" or
// "µmol/L" and rejects digits and multi-word text.
func plausibleUnit(u string) bool {
	if len(u) > 16 || strings.ContainsAny(u, " \t") {
		return false
	}
	first := []rune(u)[0]
	if !(unicode.IsLetter(first) || strings.ContainsRune("%°µμ", first)) {
		return false
	}
	for _, r := range u {
		if unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
