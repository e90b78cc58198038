package tracker

import (
	"os"
	"testing"
	"time"

	"github.com/prxssh/metabit/internal/config"
)

func TestMain(m *testing.M) {
	if err := config.Init(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func TestParseTrackerURL(t *testing.T) {
	cases := []struct {
		raw string
		ok  bool
	}{
		{"http://tracker.example.com/announce", true},
		{"udp://tracker.example.com:80/announce", true},
		{"https://tracker.example.com/announce", true},
		{"ftp://tracker.example.com/announce", false},
		{"::not a url::", false},
	}

	for _, c := range cases {
		_, ok := parseTrackerURL(c.raw)
		if ok != c.ok {
			t.Errorf("parseTrackerURL(%q) ok = %v, want %v", c.raw, ok, c.ok)
		}
	}
}

func TestBuildAnnounceURLs(t *testing.T) {
	tiers, err := buildAnnounceURLs("http://a.example.com/announce", [][]string{
		{"http://b.example.com/announce", "udp://c.example.com:80/announce"},
		{"http://d.example.com/announce"},
	})
	if err != nil {
		t.Fatalf("buildAnnounceURLs error: %v", err)
	}
	if len(tiers) != 3 {
		t.Fatalf("len(tiers) = %d, want 3", len(tiers))
	}
	if len(tiers[1]) != 2 {
		t.Fatalf("len(tiers[1]) = %d, want 2", len(tiers[1]))
	}
}

func TestBuildAnnounceURLsRejectsEmpty(t *testing.T) {
	if _, err := buildAnnounceURLs("", nil); err == nil {
		t.Fatal("expected error when no announce urls are given")
	}
}

func TestBuildAnnounceURLsSkipsInvalidEntries(t *testing.T) {
	tiers, err := buildAnnounceURLs("", [][]string{{"not-a-url-scheme", "http://ok.example.com/announce"}})
	if err != nil {
		t.Fatalf("buildAnnounceURLs error: %v", err)
	}
	if len(tiers) != 1 || len(tiers[0]) != 1 {
		t.Fatalf("tiers = %+v, want a single tier with one url", tiers)
	}
}

func TestCalculateBackoffClampsToMax(t *testing.T) {
	max := config.Load().MaxAnnounceBackoff

	for _, failures := range []int{1, 3, 8, 20} {
		d := calculateBackoff(failures, maxBackoffShift)
		if d > max {
			t.Errorf("calculateBackoff(%d) = %v, exceeds max %v", failures, d, max)
		}
		if d <= 0 {
			t.Errorf("calculateBackoff(%d) = %v, want positive", failures, d)
		}
	}
}

func TestCalculateBackoffGrowsWithFailures(t *testing.T) {
	// jitter makes exact comparisons unreliable; just assert the base grows
	// monotonically before hitting the max-shift clamp.
	small := calculateBackoff(1, maxBackoffShift)
	large := calculateBackoff(4, maxBackoffShift)
	if large < small {
		t.Errorf("calculateBackoff did not grow: failures=1 -> %v, failures=4 -> %v", small, large)
	}
}

func TestGetNextAnnounceIntervalUsesTrackerValue(t *testing.T) {
	got := getNextAnnounceInterval(&AnnounceResponse{Interval: 30 * time.Minute})
	if got != 30*time.Minute {
		t.Fatalf("getNextAnnounceInterval = %v, want 30m", got)
	}
}

func TestGetNextAnnounceIntervalHonorsMinInterval(t *testing.T) {
	got := getNextAnnounceInterval(&AnnounceResponse{
		Interval:    25 * time.Minute,
		MinInterval: 40 * time.Minute,
	})
	if got != 40*time.Minute {
		t.Fatalf("getNextAnnounceInterval = %v, want 40m", got)
	}
}

func TestGetNextAnnounceIntervalFallsBackToDefault(t *testing.T) {
	got := getNextAnnounceInterval(&AnnounceResponse{})
	if got < config.Load().MinAnnounceInterval {
		t.Fatalf("getNextAnnounceInterval = %v, want at least configured minimum", got)
	}
}
