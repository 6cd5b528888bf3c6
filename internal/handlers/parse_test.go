package handlers

import (
	"testing"
	"time"
)

var parseNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) // a Monday

func TestFoldText(t *testing.T) {
	if got := foldText("MaÑana CAFÉ"); got != "manana cafe" {
		t.Fatalf("foldText = %q", got)
	}
}

func TestParseWhen_Relative(t *testing.T) {
	w, ok := parseWhen("en 10 minutos", parseNow)
	if !ok {
		t.Fatal("expected a match")
	}
	if want := parseNow.Add(10 * time.Minute); !w.At.Equal(want) {
		t.Fatalf("at = %v, want %v", w.At, want)
	}
	if w.Repeat != "" {
		t.Fatalf("unexpected repeat %q", w.Repeat)
	}
}

func TestParseWhen_TomorrowWithClock(t *testing.T) {
	w, ok := parseWhen("manana a las 9", parseNow)
	if !ok {
		t.Fatal("expected a match")
	}
	want := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	if !w.At.Equal(want) {
		t.Fatalf("at = %v, want %v", w.At, want)
	}
}

func TestParseWhen_ClockOnlyRollsForward(t *testing.T) {
	// 10:00 is already past noon, so it lands tomorrow.
	w, ok := parseWhen("a las 10", parseNow)
	if !ok {
		t.Fatal("expected a match")
	}
	want := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	if !w.At.Equal(want) {
		t.Fatalf("at = %v, want %v", w.At, want)
	}
}

func TestParseWhen_Weekday(t *testing.T) {
	w, ok := parseWhen("el viernes a las 18:30", parseNow)
	if !ok {
		t.Fatal("expected a match")
	}
	want := time.Date(2026, 8, 28, 18, 30, 0, 0, time.UTC)
	if !w.At.Equal(want) {
		t.Fatalf("at = %v, want %v", w.At, want)
	}
}

func TestParseWhen_DailyIsRecurring(t *testing.T) {
	w, ok := parseWhen("cada dia a las 8", parseNow)
	if !ok {
		t.Fatal("expected a match")
	}
	if w.Repeat != "0 8 * * *" {
		t.Fatalf("repeat = %q", w.Repeat)
	}
	want := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	if !w.At.Equal(want) {
		t.Fatalf("at = %v, want %v", w.At, want)
	}
}

func TestParseWhen_WeeklyIsRecurring(t *testing.T) {
	w, ok := parseWhen("cada lunes a las 7", parseNow)
	if !ok {
		t.Fatal("expected a match")
	}
	if w.Repeat != "0 7 * * 1" {
		t.Fatalf("repeat = %q", w.Repeat)
	}
	// Today is Monday but 07:00 already passed, so next Monday.
	want := time.Date(2026, 8, 31, 7, 0, 0, 0, time.UTC)
	if !w.At.Equal(want) {
		t.Fatalf("at = %v, want %v", w.At, want)
	}
}

func TestParseWhen_NoTemporal(t *testing.T) {
	if _, ok := parseWhen("lista mis tareas", parseNow); ok {
		t.Fatal("should not match without a temporal expression")
	}
}

func TestQuotedSpans(t *testing.T) {
	got := quotedSpans(`pon "informe mensual" y luego 'borrador'`)
	if len(got) != 2 || got[0] != "informe mensual" || got[1] != "borrador" {
		t.Fatalf("quotedSpans = %v", got)
	}
}
