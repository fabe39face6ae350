package git

import (
	"strings"
	"testing"
	"time"
)

func TestParseLog(t *testing.T) {
	t.Parallel()

	rec := func(fields ...string) string { return strings.Join(fields, fieldSep) + recordSep }

	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{name: "empty output", input: "", want: 0},
		{
			name:  "single root record",
			input: rec("aaaa1111", "aaaa111", "", "2024-01-15T10:30:00+00:00", "first"),
			want:  1,
		},
		{
			name: "two records with newline between",
			input: rec("bbbb2222", "bbbb222", "aaaa1111", "2024-01-16T10:30:00+01:00", "second") + "\n" +
				rec("aaaa1111", "aaaa111", "", "2024-01-15T10:30:00+00:00", "first"),
			want: 2,
		},
		{
			name:  "subject containing the old pipe delimiter",
			input: rec("cccc3333", "cccc333", "", "2024-01-15T10:30:00Z", "a|b|c"),
			want:  1,
		},
		{
			name:    "missing field",
			input:   rec("aaaa1111", "aaaa111", "", "first"),
			wantErr: true,
		},
		{
			name:    "bad date",
			input:   rec("aaaa1111", "aaaa111", "", "yesterday", "first"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseLog(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLog() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("len(parseLog()) = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestParseRecord_Fields(t *testing.T) {
	t.Parallel()
	rec := strings.Join([]string{"bbbb2222", "bbbb222", "aaaa1111 dddd4444", "2024-01-16T10:30:00+01:00", "a|b"}, fieldSep)

	got, err := parseRecord(rec)
	if err != nil {
		t.Fatalf("parseRecord() error = %v", err)
	}
	if got.ID != "bbbb2222" || got.ShortID != "bbbb222" {
		t.Errorf("ids = %q/%q, want bbbb2222/bbbb222", got.ID, got.ShortID)
	}
	if got.ParentID != "aaaa1111" {
		t.Errorf("ParentID = %q, want first parent aaaa1111", got.ParentID)
	}
	if got.Message != "a|b" {
		t.Errorf("Message = %q, want %q", got.Message, "a|b")
	}
	want := time.Date(2024, 1, 16, 9, 30, 0, 0, time.UTC)
	if !got.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, want)
	}
	if got.IsRoot() {
		t.Error("IsRoot() = true for a record with parents")
	}
}
