package dj

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := NewStore(db, zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestLoadEmptyDatabase(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	snap, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.State.SongsPlayed != 0 || len(snap.History) != 0 || len(snap.Backlog) != 0 {
		t.Fatalf("fresh database should load empty, got %+v", snap)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	in := Snapshot{
		State: BrainState{
			SongsSinceTalk: 4,
			LastTalkAt:     base.Add(-30 * time.Minute),
			LastIntroAt:    base.Add(-5 * time.Minute),
			LastOutroAt:    base.Add(-9 * time.Minute),
			LastSlotCheck:  base.Add(-time.Minute),
			SongsPlayed:    42,
			TalkBreaks:     5,
			IntrosPlayed:   7,
			OutrosPlayed:   3,
		},
		History: []PlayHistoryEntry{
			{ID: uuid.NewString(), Path: "/m/c.mp3", Title: "Gamma", Artist: "Three", Slug: "three_gamma", PlayedAt: base},
			{ID: uuid.NewString(), Path: "/m/b.mp3", Title: "Beta", Artist: "Two", Slug: "two_beta", PlayedAt: base.Add(-4 * time.Minute)},
			{ID: uuid.NewString(), Path: "/m/a.mp3", Title: "Alpha", Artist: "One", Slug: "one_alpha", PlayedAt: base.Add(-8 * time.Minute)},
		},
		Backlog: []Tickler{
			{ID: uuid.NewString(), Kind: TicklerGenerateIntro, Slug: "two_beta", Title: "Beta", Artist: "Two", Attempts: 1},
			{ID: uuid.NewString(), Kind: TicklerPrepTalkSlot, Slug: "talk_top_of_the_hour", Slot: "Top of the Hour", Script: "It is the top of the hour."},
		},
	}

	if err := s.Save(context.Background(), in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if out.State.SongsSinceTalk != in.State.SongsSinceTalk ||
		out.State.SongsPlayed != in.State.SongsPlayed ||
		out.State.TalkBreaks != in.State.TalkBreaks ||
		out.State.IntrosPlayed != in.State.IntrosPlayed ||
		out.State.OutrosPlayed != in.State.OutrosPlayed {
		t.Fatalf("counters did not round-trip: %+v", out.State)
	}
	for _, tc := range []struct {
		name string
		in   time.Time
		out  time.Time
	}{
		{"LastTalkAt", in.State.LastTalkAt, out.State.LastTalkAt},
		{"LastIntroAt", in.State.LastIntroAt, out.State.LastIntroAt},
		{"LastOutroAt", in.State.LastOutroAt, out.State.LastOutroAt},
		{"LastSlotCheck", in.State.LastSlotCheck, out.State.LastSlotCheck},
	} {
		if !tc.in.Equal(tc.out) {
			t.Errorf("%s: %v != %v", tc.name, tc.out, tc.in)
		}
	}

	if len(out.History) != len(in.History) {
		t.Fatalf("history length %d, want %d", len(out.History), len(in.History))
	}
	for i := range in.History {
		w, g := in.History[i], out.History[i]
		if g.ID != w.ID || g.Path != w.Path || g.Title != w.Title || g.Artist != w.Artist || g.Slug != w.Slug {
			t.Errorf("history[%d] = %+v, want %+v", i, g, w)
		}
		if !g.PlayedAt.Equal(w.PlayedAt) {
			t.Errorf("history[%d].PlayedAt = %v, want %v", i, g.PlayedAt, w.PlayedAt)
		}
	}

	if len(out.Backlog) != len(in.Backlog) {
		t.Fatalf("backlog length %d, want %d", len(out.Backlog), len(in.Backlog))
	}
	for i := range in.Backlog {
		if out.Backlog[i] != in.Backlog[i] {
			t.Errorf("backlog[%d] = %+v, want %+v", i, out.Backlog[i], in.Backlog[i])
		}
	}
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	first := Snapshot{
		Backlog: []Tickler{
			{ID: uuid.NewString(), Kind: TicklerRefillGenericIntros},
			{ID: uuid.NewString(), Kind: TicklerGenerateIntro, Slug: "x"},
		},
	}
	if err := s.Save(context.Background(), first); err != nil {
		t.Fatal(err)
	}

	second := Snapshot{
		State:   BrainState{SongsPlayed: 1},
		Backlog: []Tickler{{ID: uuid.NewString(), Kind: TicklerGenerateOutros, Slug: "y"}},
	}
	if err := s.Save(context.Background(), second); err != nil {
		t.Fatal(err)
	}

	out, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Backlog) != 1 || out.Backlog[0].Slug != "y" {
		t.Fatalf("save must replace, got backlog %+v", out.Backlog)
	}
	if out.State.SongsPlayed != 1 {
		t.Fatalf("state not replaced: %+v", out.State)
	}
}
