package cmd

import (
	"strings"
	"testing"
	"time"
)

func TestDescribeRun(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	info := &RunInfo{
		PID:           4242,
		StartTime:     now.Add(-90 * time.Second),
		Table:         "public.orders",
		RangeStart:    "2024-02-29T00:00:00Z",
		RangeEnd:      "2024-03-01T00:00:00Z",
		RunToken:      "run-1",
		Key:           "backups/public.orders/2024-02-29/x.csv.gpg",
		State:         "uploading",
		RowTotal:      200,
		RowsExported:  200,
		BytesExported: 2048,
		BytesUploaded: 512,
		UploadTotal:   1024,
		LastUpdate:    now.Add(-2 * time.Second),
	}

	tests := []struct {
		name  string
		alive bool
		want  []string
	}{
		{
			name:  "live run",
			alive: true,
			want: []string{
				"🟢 public.orders  pid 4242  state uploading",
				"[2024-02-29T00:00:00Z, 2024-03-01T00:00:00Z)",
				"Key:     backups/public.orders/2024-02-29/x.csv.gpg",
				"run-1, started 1m30s ago",
				"Rows:    200/200 (2.0 KB)",
				"(50%)",
				"Updated: 2s ago",
			},
		},
		{
			name:  "stale run",
			alive: false,
			want:  []string{"(stale) public.orders"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := strings.Join(describeRun(info, tt.alive, now), "\n")
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Fatalf("describeRun output missing %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestDescribeRunWithoutTotals(t *testing.T) {
	now := time.Now()
	info := &RunInfo{PID: 1, StartTime: now, Table: "events", RunToken: "t", State: "exporting", RowsExported: 7}

	out := strings.Join(describeRun(info, true, now), "\n")
	if !strings.Contains(out, "Rows:    7 (") {
		t.Fatalf("expected a bare row count:\n%s", out)
	}
	if strings.Contains(out, "Upload:") || strings.Contains(out, "Range:") {
		t.Fatalf("unexpected optional lines:\n%s", out)
	}
}
