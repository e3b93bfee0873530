package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-sqlt/namedsql"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"name=o'neil", "n:=42", "ratio:=1.5", "ok:=true", "empty=", "ids:=[1,2]", "eq=a=b"})
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]any{
		"name":  "o'neil",
		"n":     int64(42),
		"ratio": 1.5,
		"ok":    true,
		"empty": "",
		"ids":   []any{json.Number("1"), json.Number("2")},
		"eq":    "a=b",
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}

	for _, bad := range []string{"novalue", "=x", "n:=nope"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("parseParams(%q): expected error", bad)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	config, err := loadConfig(writeFile(t, dir, "ok.toml", `
driver = "postgres"
dsn = "postgres://localhost/db"
idle_timeout = "30s"
batch_size = 10
log_level = "debug"
`))
	if err != nil {
		t.Fatal(err)
	}

	if name, _ := config.driverName(); name != "pgx" {
		t.Fatalf("got driver %q", name)
	}

	if idle, _ := config.idle(); idle != 30*time.Second {
		t.Fatalf("got idle %v", idle)
	}

	placeholder, err := config.placeholder()
	if err != nil {
		t.Fatal(err)
	}

	pm, err := namedsql.Normalize("SELECT :a", placeholder)
	if err != nil {
		t.Fatal(err)
	}

	if pm.SQL() != "SELECT $1" {
		t.Fatalf("postgres must default to dollar placeholders, got %s", pm.SQL())
	}

	if config.BatchSize != 10 || config.logLevel().String() != "DEBUG" {
		t.Fatalf("got %+v", config)
	}

	if _, err := loadConfig(writeFile(t, dir, "unknown.toml", `colour = "blue"`)); err == nil {
		t.Fatal("unknown keys must be rejected")
	}

	if _, err := (Config{Driver: "oracle"}).driverName(); err == nil {
		t.Fatal("unsupported drivers must be rejected")
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()

	initPath := writeFile(t, dir, "init.sql", `
CREATE TABLE t (id INTEGER, name TEXT);
INSERT INTO t VALUES (1, 'a'), (2, 'b'), (3, 'c');
`)
	queryPath := writeFile(t, dir, "query.sql", "SELECT id, name FROM t WHERE id >= :min AND name <> :skip ORDER BY id")

	var stdout, stderr bytes.Buffer

	err := run(context.Background(), []string{"-init", initPath, "-batch", "1", queryPath, "min:=2", "skip=z"}, strings.NewReader(""), &stdout, &stderr)
	if err != nil {
		t.Fatalf("%v\n%s", err, stderr.String())
	}

	want := `{"id":2,"name":"b"}` + "\n" + `{"id":3,"name":"c"}` + "\n"
	if stdout.String() != want {
		t.Fatalf("got %q, want %q", stdout.String(), want)
	}

	stdout.Reset()

	err = run(context.Background(), []string{"-init", initPath, "-"}, strings.NewReader("SELECT name FROM t WHERE id = :id"), &stdout, &stderr)
	if !errors.Is(err, namedsql.ErrUnboundParameters) {
		t.Fatalf("got %v, want ErrUnboundParameters", err)
	}

	if err := run(context.Background(), nil, nil, &stdout, &stderr); err == nil {
		t.Fatal("missing query must fail")
	}
}
