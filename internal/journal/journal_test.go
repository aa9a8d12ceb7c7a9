package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"VoiceRelay/internal/timing"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := Entry{
		ID:          "req-1",
		Endpoint:    "/api/v1/chat",
		Mode:        "text",
		Status:      200,
		Fingerprint: "abc123",
		StartedAt:   base,
		TotalMs:     42.5,
		Stages:      []timing.Step{{Name: "chat", Ms: 40.1}},
	}
	second := Entry{
		Endpoint:  "/api/v1/chat-tts",
		Mode:      "audio",
		Status:    502,
		StartedAt: base.Add(time.Second),
		TotalMs:   120,
		Stages:    []timing.Step{{Name: "chat", Ms: 50}, {Name: "speech", Ms: 69.9}},
	}
	for _, e := range []Entry{first, second} {
		if err := j.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}

	if got[0].Endpoint != "/api/v1/chat-tts" || got[0].ID == "" {
		t.Errorf("newest entry = %+v", got[0])
	}
	if len(got[0].Stages) != 2 || got[0].Stages[1].Name != "speech" || got[0].Stages[1].Ms != 69.9 {
		t.Errorf("stages = %+v", got[0].Stages)
	}

	old := got[1]
	if old.ID != "req-1" || old.Mode != "text" || old.Status != 200 || old.Fingerprint != "abc123" {
		t.Errorf("oldest entry = %+v", old)
	}
	if !old.StartedAt.Equal(base) {
		t.Errorf("StartedAt = %v, want %v", old.StartedAt, base)
	}
}

func TestRecentLimit(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e := Entry{Endpoint: "/api/v1/tts", Status: 200, StartedAt: time.Now().Add(time.Duration(i) * time.Second)}
		if err := j.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := j.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d entries, want 3", len(got))
	}
}

func TestRecordAsync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	j.RecordAsync(Entry{ID: "async", Endpoint: "/api/v1/stt", Status: 200, StartedAt: time.Now()})
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()

	got, err := j.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].ID != "async" {
		t.Errorf("entries = %+v", got)
	}
}
