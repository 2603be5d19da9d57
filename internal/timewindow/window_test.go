package timewindow

import (
	"encoding/json"
	"testing"
	"time"
)

func mustTOD(t *testing.T, s string) TimeOfDay {
	t.Helper()
	v, err := ParseTimeOfDay(s)
	if err != nil {
		t.Fatalf("ParseTimeOfDay(%q): %v", s, err)
	}
	return v
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "07:00", want: "07:00"},
		{in: "7:05", want: "07:05"},
		{in: " 23:59 ", want: "23:59"},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "1200", wantErr: true},
		{in: "ab:cd", wantErr: true},
		{in: "12:5", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseTimeOfDay(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseTimeOfDay(%q): %v", tt.in, err)
		}
		if got.String() != tt.want {
			t.Fatalf("ParseTimeOfDay(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestOffsetsInsetScenario(t *testing.T) {
	t.Parallel()
	w := Window{Start: mustTOD(t, "07:00"), End: mustTOD(t, "22:00")}
	got := Offsets(w, 3, PolicyInset)
	want := []string{"08:00", "14:30", "21:00"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Fatalf("offset[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestOffsetsFullSpan(t *testing.T) {
	t.Parallel()
	w := Window{Start: Clock(8, 0), End: Clock(20, 0)}
	got := Offsets(w, 4, PolicyFullSpan)
	want := []string{"08:00", "12:00", "16:00", "20:00"}
	for i := range want {
		if got[i].String() != want[i] {
			t.Fatalf("offset[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if one := Offsets(w, 1, PolicyFullSpan); len(one) != 1 || one[0] != w.Start {
		t.Fatalf("count=1 full span = %v, want [%s]", one, w.Start)
	}
}

func TestOffsetsInsetNarrowWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		w     Window
		count int
		want  TimeOfDay
	}{
		{name: "negative reduced span", w: Window{Start: Clock(10, 0), End: Clock(11, 30)}, count: 5, want: Clock(10, 30)},
		{name: "zero reduced span", w: Window{Start: Clock(10, 0), End: Clock(12, 0)}, count: 3, want: Clock(11, 0)},
		{name: "shorter than buffer", w: Window{Start: Clock(10, 0), End: Clock(10, 30)}, count: 2, want: Clock(10, 0)},
		{name: "single reminder", w: Window{Start: Clock(6, 0), End: Clock(22, 0)}, count: 1, want: Clock(7, 0)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Offsets(tt.w, tt.count, PolicyInset)
			if len(got) != 1 || got[0] != tt.want {
				t.Fatalf("Offsets = %v, want [%s]", got, tt.want)
			}
		})
	}
}

func TestOffsetsProperties(t *testing.T) {
	t.Parallel()
	for _, policy := range []ReminderPolicy{PolicyFullSpan, PolicyInset} {
		for start := 0; start < 24*60; start += 97 {
			for end := start + 1; end < 24*60; end += 131 {
				w := Window{Start: Clock(0, start), End: Clock(0, end)}
				for count := 2; count <= 10; count++ {
					got := Offsets(w, count, policy)
					if len(got) == 0 {
						t.Fatalf("%s %s count=%d: empty", policy, w, count)
					}
					wantN := count
					if policy == PolicyInset && w.Span() <= 2*time.Hour {
						wantN = 1
					}
					if len(got) != wantN {
						t.Fatalf("%s %s count=%d: got %d points, want %d", policy, w, count, len(got), wantN)
					}
					for i, o := range got {
						if o < w.Start || o > w.End {
							t.Fatalf("%s %s count=%d: point %s outside window", policy, w, count, o)
						}
						if i > 0 && o <= got[i-1] {
							t.Fatalf("%s %s count=%d: not strictly increasing %v", policy, w, count, got)
						}
					}
				}
			}
		}
	}
}

func TestInstantsUseLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+3", 3*3600)
	d := Date{Year: 2026, Month: time.March, Day: 14}
	w := Window{Start: Clock(7, 0), End: Clock(22, 0)}
	got := Instants(d, loc, w, 3, PolicyInset)
	want := time.Date(2026, time.March, 14, 8, 0, 0, 0, loc)
	if !got[0].Equal(want) {
		t.Fatalf("first instant = %s, want %s", got[0], want)
	}
	if got[0].UTC().Hour() != 5 {
		t.Fatalf("UTC hour = %d, want 5", got[0].UTC().Hour())
	}
}

func TestWindowValidate(t *testing.T) {
	t.Parallel()
	if err := (Window{Start: Clock(9, 0), End: Clock(9, 0)}).Validate(); err == nil {
		t.Fatal("equal bounds must be rejected")
	}
	if err := (Window{Start: Clock(22, 0), End: Clock(7, 0)}).Validate(); err == nil {
		t.Fatal("inverted window must be rejected")
	}
	if err := (Window{Start: Clock(7, 0), End: Clock(22, 0)}).Validate(); err != nil {
		t.Fatalf("valid window rejected: %v", err)
	}
}

func TestDateArithmetic(t *testing.T) {
	t.Parallel()
	d := Date{Year: 2026, Month: time.December, Day: 31}
	if got := d.AddDays(1).String(); got != "2027-01-01" {
		t.Fatalf("AddDays(1) = %s", got)
	}
	if got := d.AddDays(-365).String(); got != "2025-12-31" {
		t.Fatalf("AddDays(-365) = %s", got)
	}
	if n := d.DaysUntil(d.AddDays(10)); n != 10 {
		t.Fatalf("DaysUntil = %d", n)
	}
	if !d.Before(d.AddDays(1)) || !d.AddDays(1).After(d) || d.Before(d) {
		t.Fatal("ordering broken")
	}

	loc := time.FixedZone("UTC-5", -5*3600)
	ts := time.Date(2026, time.January, 2, 3, 0, 0, 0, time.UTC)
	if got := DateOf(ts, loc).String(); got != "2026-01-01" {
		t.Fatalf("DateOf in UTC-5 = %s", got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()
	type rec struct {
		D Date      `json:"d"`
		T TimeOfDay `json:"t"`
	}
	in := rec{D: Date{Year: 2026, Month: time.May, Day: 1}, T: Clock(6, 45)}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"d":"2026-05-01","t":"06:45"}` {
		t.Fatalf("json = %s", b)
	}
	var out rec
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}
