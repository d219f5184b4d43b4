package query

import "testing"

func TestParseFormat(t *testing.T) {
	cases := []struct {
		raw  string
		want Format
	}{
		{"", FormatJSON},
		{"json", FormatJSON},
		{"ARROW", FormatArrow},
		{" csv ", FormatCSV},
		{"parquet", FormatParquet},
	}
	for _, tc := range cases {
		got, err := ParseFormat(tc.raw)
		if err != nil {
			t.Fatalf("ParseFormat(%q) error = %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseFormat(%q) = %v", tc.raw, got)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatal("ParseFormat(\"xml\") = nil, want error")
	}
}

func TestParseIsolation(t *testing.T) {
	got, err := ParseIsolation("")
	if err != nil || got != IsolationPooled {
		t.Fatalf("ParseIsolation(\"\") = %v, %v", got, err)
	}
	got, err = ParseIsolation("sandboxed")
	if err != nil || got != IsolationSandboxed {
		t.Fatalf("ParseIsolation(\"sandboxed\") = %v, %v", got, err)
	}
	if _, err := ParseIsolation("vm"); err == nil {
		t.Fatal("ParseIsolation(\"vm\") = nil, want error")
	}
}

func TestLimitWrapper(t *testing.T) {
	got := LimitWrapper("SELECT * FROM events;", 100)
	want := "SELECT * FROM (SELECT * FROM events) AS limited_query LIMIT 100"
	if got != want {
		t.Fatalf("LimitWrapper() = %q", got)
	}
	if got := LimitWrapper("SELECT 1", 0); got != "SELECT 1" {
		t.Fatalf("LimitWrapper(limit=0) = %q", got)
	}
}
