package namedsql

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// NamedParameter is a parameter name together with the 1-based positions of
// its markers in the normalized SQL.
type NamedParameter struct {
	Name      string
	Positions []int
}

// ParameterMap is the result of normalizing SQL with named parameters.
// It is immutable and safe to share.
type ParameterMap struct {
	original string
	sql      string
	params   []NamedParameter
	index    map[string]int
	count    int
}

// SQL returns the normalized SQL, every named parameter replaced by a positional marker.
func (pm *ParameterMap) SQL() string {
	return pm.sql
}

// Original returns the SQL as it was passed to Normalize.
func (pm *ParameterMap) Original() string {
	return pm.original
}

// Parameters returns the parameters in the order they first occur.
func (pm *ParameterMap) Parameters() []NamedParameter {
	params := make([]NamedParameter, len(pm.params))

	for i, p := range pm.params {
		params[i] = NamedParameter{Name: p.Name, Positions: slices.Clone(p.Positions)}
	}

	return params
}

// Names returns the parameter names in the order they first occur.
func (pm *ParameterMap) Names() []string {
	names := make([]string, len(pm.params))

	for i, p := range pm.params {
		names[i] = p.Name
	}

	return names
}

// Positions returns the positions of name.
func (pm *ParameterMap) Positions(name string) ([]int, bool) {
	i, ok := pm.index[name]
	if !ok {
		return nil, false
	}

	return slices.Clone(pm.params[i].Positions), true
}

// Has reports whether the SQL contains name.
func (pm *ParameterMap) Has(name string) bool {
	_, ok := pm.index[name]

	return ok
}

// Count returns the total number of markers.
func (pm *ParameterMap) Count() int {
	return pm.count
}

func (pm *ParameterMap) parameter(name string) (NamedParameter, bool) {
	i, ok := pm.index[name]
	if !ok {
		return NamedParameter{}, false
	}

	return pm.params[i], true
}

// Normalize replaces every :name in text with a positional marker. Colons
// inside single-quoted string literals are left alone; a backslash inside a
// literal escapes the next character. The marker text is produced by the
// configured placeholder, "?" by default.
func Normalize(text string, configs ...Config) (*ParameterMap, error) {
	config := Question().With(configs...)

	pm := &ParameterMap{
		original: text,
		index:    map[string]int{},
	}

	var (
		builder  strings.Builder
		inString bool
		escaped  bool
		start    = -1
	)

	builder.Grow(len(text) + 8)

	add := func(end int) error {
		name := text[start+1 : end]
		if name == "" {
			return fmt.Errorf("%w at offset %d", ErrEmptyParameterName, start)
		}

		i, ok := pm.index[name]
		if !ok {
			i = len(pm.params)
			pm.index[name] = i
			pm.params = append(pm.params, NamedParameter{Name: name})
		}

		pm.params[i].Positions = append(pm.params[i].Positions, pm.count)

		return nil
	}

	for i := 0; i < len(text); {
		r, width := utf8.DecodeRuneInString(text[i:])

		if start >= 0 {
			if isNameRune(r) {
				i += width

				continue
			}

			if err := add(i); err != nil {
				return nil, err
			}

			if r == ':' {
				return nil, fmt.Errorf("%w at offsets %d and %d", ErrAdjacentParameters, start, i)
			}

			start = -1
		}

		switch {
		case inString:
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '\'':
				inString = false
			}

			builder.WriteString(text[i : i+width])
		case r == ':':
			pm.count++

			if err := config.Placeholder(pm.count, &builder); err != nil {
				return nil, err
			}

			start = i
		default:
			if r == '\'' {
				inString = true
				escaped = false
			}

			builder.WriteString(text[i : i+width])
		}

		i += width
	}

	if start >= 0 {
		if err := add(len(text)); err != nil {
			return nil, err
		}
	}

	pm.sql = builder.String()

	return pm, nil
}

func isNameRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
