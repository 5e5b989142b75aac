package cmd

import (
	"strings"
	"testing"
	"time"

	"github.com/airframesio/db-backup/cmd/daterange"
)

func mustRange(t *testing.T, start, end string) daterange.DateRange {
	t.Helper()
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		t.Fatalf("bad start %q: %v", start, err)
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		t.Fatalf("bad end %q: %v", end, err)
	}
	r, err := daterange.New(s, e)
	if err != nil {
		t.Fatalf("daterange.New() error = %v", err)
	}
	return r
}

func TestPathTemplatePrefix(t *testing.T) {
	r := mustRange(t, "2024-03-05T07:00:00Z", "2024-03-06T00:00:00Z")

	tests := []struct {
		name     string
		template string
		table    string
		want     string
	}{
		{"default", defaultPrefix, "orders", "backups/orders/2024-03-05/"},
		{"date parts", "{table}/{YYYY}/{MM}/{DD}/{HH}", "orders", "orders/2024/03/05/07/"},
		{"datetime", "x/{datetime}", "orders", "x/20240305_070000/"},
		{"schema qualified", "{table}/", "public.orders", "public.orders/"},
		{"hostile table", "{table}/", "a/../b", "a_._b/"},
		{"empty", "", "orders", ""},
		{"leading and doubled slashes", "/backups//{table}/", "orders", "backups/orders/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewPathTemplate(tt.template, defaultOutputPattern).Prefix(tt.table, r)
			if got != tt.want {
				t.Errorf("Prefix() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPathTemplateGenerate(t *testing.T) {
	r := mustRange(t, "2025-06-15T00:00:00Z", "2025-06-16T00:00:00Z")
	pt := NewPathTemplate(defaultPrefix, defaultOutputPattern)
	params := KeyParams{
		Table:    "transactions",
		Range:    r,
		RunToken: "3f1c",
		RunTime:  time.Date(2025, 6, 16, 1, 2, 3, 0, time.UTC),
	}

	t.Run("default layout", func(t *testing.T) {
		want := "backups/transactions/2025-06-15/transactions_20250615_000000_20250616_000000_3f1c.csv.gpg"
		if got := pt.Generate(params); got != want {
			t.Errorf("Generate() = %q, want %q", got, want)
		}
	})

	t.Run("compression extension", func(t *testing.T) {
		p := params
		p.CompressionExt = ".zst"
		if got := pt.Generate(p); !strings.HasSuffix(got, ".csv.zst.gpg") {
			t.Errorf("Generate() = %q, want .csv.zst.gpg suffix", got)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		if pt.Generate(params) != pt.Generate(params) {
			t.Error("identical params produced different keys")
		}
	})

	t.Run("different ranges differ", func(t *testing.T) {
		p := params
		p.Range = mustRange(t, "2025-06-16T00:00:00Z", "2025-06-17T00:00:00Z")
		if pt.Generate(params) == pt.Generate(p) {
			t.Error("different ranges produced the same key")
		}
	})

	t.Run("different run tokens differ", func(t *testing.T) {
		p := params
		p.RunToken = "9a9a"
		if pt.Generate(params) == pt.Generate(p) {
			t.Error("different run tokens produced the same key")
		}
	})

	t.Run("run time placeholder", func(t *testing.T) {
		got := NewPathTemplate("", "{table}-{datetime}").GenerateFilename(params)
		if got != "transactions-20250616_010203.csv.gpg" {
			t.Errorf("GenerateFilename() = %q", got)
		}
	})

	t.Run("unsafe run token", func(t *testing.T) {
		p := params
		p.RunToken = "a/b c"
		got := pt.GenerateFilename(p)
		if strings.ContainsAny(got, "/ ") {
			t.Errorf("GenerateFilename() = %q contains unsafe characters", got)
		}
	})
}

func TestSanitizeComponent(t *testing.T) {
	tests := map[string]string{
		"orders":        "orders",
		"public.orders": "public.orders",
		"a/b":           "a_b",
		"a b\tc":        "a_b_c",
		"..":            ".",
		"x...y":         "x.y",
		"ünïcode":       "_n_code",
	}
	for in, want := range tests {
		if got := sanitizeComponent(in); got != want {
			t.Errorf("sanitizeComponent(%q) = %q, want %q", in, got, want)
		}
	}
}
