package app

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestParseKVFile(t *testing.T) {
	path := writeTestFile(t, `
# comment
PLAIN=value
export EXPORTED=yes
DOUBLE="quoted value"
SINGLE='single quoted'
SPACED =  padded

`)
	vars, err := parseKVFile(path)
	if err != nil {
		t.Fatalf("parseKVFile: %v", err)
	}
	want := map[string]string{
		"PLAIN":    "value",
		"EXPORTED": "yes",
		"DOUBLE":   "quoted value",
		"SINGLE":   "single quoted",
		"SPACED":   "padded",
	}
	if len(vars) != len(want) {
		t.Fatalf("vars = %v", vars)
	}
	for k, v := range want {
		if vars[k] != v {
			t.Fatalf("vars[%q] = %q, want %q", k, vars[k], v)
		}
	}
}

func TestParseKVFileErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing equals", "JUSTAKEY\n"},
		{"empty key", "=value\n"},
		{"bad quoting", "K=\"unterminated\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTestFile(t, tc.content)
			if _, err := parseKVFile(path); err == nil {
				t.Fatalf("expected error for %q", tc.content)
			}
		})
	}
}

func TestParseKVFileBadQuotingAccepted(t *testing.T) {
	// A value whose quotes do not span the whole string is taken literally.
	path := writeTestFile(t, `K=pre"fix"`)
	vars, err := parseKVFile(path)
	if err != nil {
		t.Fatalf("parseKVFile: %v", err)
	}
	if vars["K"] != `pre"fix"` {
		t.Fatalf("vars[K] = %q", vars["K"])
	}
}

func TestLoadDotenvExistingWins(t *testing.T) {
	t.Setenv("TOOLHORN_DOTENV_SET", "original")
	t.Setenv("TOOLHORN_DOTENV_EMPTY", "")

	path := writeTestFile(t, "TOOLHORN_DOTENV_SET=overridden\nTOOLHORN_DOTENV_EMPTY=filled\nTOOLHORN_DOTENV_NEW=created\n")
	if err := loadDotenv(path); err != nil {
		t.Fatalf("loadDotenv: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("TOOLHORN_DOTENV_NEW") })

	if got := os.Getenv("TOOLHORN_DOTENV_SET"); got != "original" {
		t.Fatalf("existing value overridden: %q", got)
	}
	if got := os.Getenv("TOOLHORN_DOTENV_EMPTY"); got != "filled" {
		t.Fatalf("empty value not filled: %q", got)
	}
	if got := os.Getenv("TOOLHORN_DOTENV_NEW"); got != "created" {
		t.Fatalf("new value not set: %q", got)
	}
}

func TestLoadDotenvMissingFile(t *testing.T) {
	if err := loadDotenv(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatalf("missing file accepted")
	}
}
