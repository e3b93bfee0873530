package namedsql

import (
	"errors"
	"slices"
	"strconv"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		sql    string
		want   string
		params []NamedParameter
	}{
		{
			name: "repeated name",
			sql:  "SELECT * FROM T WHERE a = :x AND b = :x",
			want: "SELECT * FROM T WHERE a = ? AND b = ?",
			params: []NamedParameter{
				{Name: "x", Positions: []int{1, 2}},
			},
		},
		{
			name: "first seen order",
			sql:  "UPDATE t SET b = :b, a = :a WHERE id = :id AND b <> :b",
			want: "UPDATE t SET b = ?, a = ? WHERE id = ? AND b <> ?",
			params: []NamedParameter{
				{Name: "b", Positions: []int{1, 4}},
				{Name: "a", Positions: []int{2}},
				{Name: "id", Positions: []int{3}},
			},
		},
		{
			name: "doubled quote inside literal",
			sql:  "SELECT 'it''s :notaparam' FROM t WHERE a = :a",
			want: "SELECT 'it''s :notaparam' FROM t WHERE a = ?",
			params: []NamedParameter{
				{Name: "a", Positions: []int{1}},
			},
		},
		{
			name: "backslash escaped quote",
			sql:  `SELECT 'path\':still-text' FROM t WHERE a = :a`,
			want: `SELECT 'path\':still-text' FROM t WHERE a = ?`,
			params: []NamedParameter{
				{Name: "a", Positions: []int{1}},
			},
		},
		{
			name: "escaped backslash closes literal",
			sql:  `SELECT 'x\\' = :a`,
			want: `SELECT 'x\\' = ?`,
			params: []NamedParameter{
				{Name: "a", Positions: []int{1}},
			},
		},
		{
			name: "name at end of input",
			sql:  "DELETE FROM t WHERE id=:id",
			want: "DELETE FROM t WHERE id=?",
			params: []NamedParameter{
				{Name: "id", Positions: []int{1}},
			},
		},
		{
			name: "underscores digits and unicode",
			sql:  "SELECT :first_name1, :ünïcode",
			want: "SELECT ?, ?",
			params: []NamedParameter{
				{Name: "first_name1", Positions: []int{1}},
				{Name: "ünïcode", Positions: []int{2}},
			},
		},
		{
			name: "no parameters",
			sql:  "SELECT 1",
			want: "SELECT 1",
		},
		{
			name: "parenthesized",
			sql:  "INSERT INTO t (a, b) VALUES (:a,:b)",
			want: "INSERT INTO t (a, b) VALUES (?,?)",
			params: []NamedParameter{
				{Name: "a", Positions: []int{1}},
				{Name: "b", Positions: []int{2}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm, err := Normalize(tt.sql)
			if err != nil {
				t.Fatal(err)
			}

			eq(t, pm.SQL(), tt.want)
			eq(t, pm.Original(), tt.sql)

			got := pm.Parameters()
			if len(got) != len(tt.params) {
				t.Fatalf("got %d parameters, want %d", len(got), len(tt.params))
			}

			for i := range got {
				eq(t, got[i].Name, tt.params[i].Name)

				if !slices.Equal(got[i].Positions, tt.params[i].Positions) {
					t.Fatalf("%s: got positions %v, want %v", got[i].Name, got[i].Positions, tt.params[i].Positions)
				}
			}
		})
	}
}

func TestNormalizeErrors(t *testing.T) {
	tests := []struct {
		sql  string
		want error
	}{
		{"SELECT a::int FROM t", ErrEmptyParameterName},
		{"SELECT : FROM t", ErrEmptyParameterName},
		{"SELECT :", ErrEmptyParameterName},
		{"SELECT :a:b", ErrAdjacentParameters},
		{"SELECT :a: ", ErrAdjacentParameters},
	}

	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			_, err := Normalize(tt.sql)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}

			if !errors.Is(err, ErrMalformedParameter) {
				t.Fatalf("%v does not wrap ErrMalformedParameter", err)
			}
		})
	}
}

func TestNormalizePlaceholders(t *testing.T) {
	sql := "SELECT * FROM t WHERE a = :x AND b = :y AND c = :x"

	tests := []struct {
		config Config
		want   string
	}{
		{Question(), "SELECT * FROM t WHERE a = ? AND b = ? AND c = ?"},
		{Dollar(), "SELECT * FROM t WHERE a = $1 AND b = $2 AND c = $3"},
		{Colon(), "SELECT * FROM t WHERE a = :1 AND b = :2 AND c = :3"},
		{AtP(), "SELECT * FROM t WHERE a = @p1 AND b = @p2 AND c = @p3"},
	}

	for _, tt := range tests {
		pm, err := Normalize(sql, tt.config)
		if err != nil {
			t.Fatal(err)
		}

		eq(t, pm.SQL(), tt.want)
		eq(t, pm.Count(), 3)

		positions, ok := pm.Positions("x")
		if !ok || !slices.Equal(positions, []int{1, 3}) {
			t.Fatalf("got positions %v, want [1 3]", positions)
		}
	}
}

func TestNormalizeIsPure(t *testing.T) {
	sql := "SELECT :a, ':b', :c, :a"

	first := must(Normalize(sql))(t)
	second := must(Normalize(sql))(t)

	eq(t, first.SQL(), second.SQL())

	if !slices.EqualFunc(first.Parameters(), second.Parameters(), func(a, b NamedParameter) bool {
		return a.Name == b.Name && slices.Equal(a.Positions, b.Positions)
	}) {
		t.Fatalf("parameters differ: %v, %v", first.Parameters(), second.Parameters())
	}
}

func TestParameterMapIsImmutable(t *testing.T) {
	pm := must(Normalize("SELECT :a, :a"))(t)

	positions, _ := pm.Positions("a")
	positions[0] = 42

	pm.Parameters()[0].Positions[1] = 42

	again, _ := pm.Positions("a")
	if !slices.Equal(again, []int{1, 2}) {
		t.Fatalf("positions were modified: %v", again)
	}
}

func FuzzNormalize(f *testing.F) {
	f.Add("SELECT * FROM T WHERE a = :x AND b = :x")
	f.Add("SELECT 'it''s :notaparam', :a")
	f.Add(`SELECT 'path\\:still-text', :b`)
	f.Add("SELECT :a:b")
	f.Add("SELECT ::int")

	f.Fuzz(func(t *testing.T, sql string) {
		pm, err := Normalize(sql, Dollar())
		if err != nil {
			if !errors.Is(err, ErrMalformedParameter) {
				t.Fatalf("unexpected error %v", err)
			}

			return
		}

		seen := make([]bool, pm.Count()+1)

		for _, p := range pm.Parameters() {
			for _, pos := range p.Positions {
				if pos < 1 || pos > pm.Count() || seen[pos] {
					t.Fatalf("position %d of %s is out of range or duplicated", pos, p.Name)
				}

				seen[pos] = true
			}
		}

		for pos := 1; pos <= pm.Count(); pos++ {
			if !seen[pos] {
				t.Fatalf("position %d is not covered", pos)
			}

			if !strings.Contains(pm.SQL(), "$"+strconv.Itoa(pos)) {
				t.Fatalf("marker $%d missing from %q", pos, pm.SQL())
			}
		}
	})
}
