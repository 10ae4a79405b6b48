package store

import (
	"context"
	"errors"
	"testing"

	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

func seedSession(t *testing.T, m *MemoryStore, id, status string) {
	t.Helper()
	err := m.CreateSession(context.Background(), research.Session{
		ID: id, Query: "q", Status: research.StatusPending, Options: research.DefaultOptions(),
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if status != research.StatusPending {
		if err := m.UpdateSessionStatus(context.Background(), id, status, ""); err != nil {
			t.Fatalf("UpdateSessionStatus: %v", err)
		}
	}
}

func TestMemoryStoreTerminalGuard(t *testing.T) {
	m := NewMemoryStore()
	seedSession(t, m, "research-1", research.StatusCompleted)
	err := m.UpdateSessionStatus(context.Background(), "research-1", research.StatusStopped, "")
	if !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("err = %v, want ErrSessionTerminal", err)
	}
}

func TestMemoryStoreDeleteRunning(t *testing.T) {
	m := NewMemoryStore()
	seedSession(t, m, "research-2", research.StatusRunning)
	if err := m.DeleteSession(context.Background(), "research-2"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}
	if err := m.UpdateSessionStatus(context.Background(), "research-2", research.StatusStopped, ""); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.DeleteSession(context.Background(), "research-2"); err != nil {
		t.Fatalf("delete stopped: %v", err)
	}
	if _, err := m.GetSession(context.Background(), "research-2"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryStoreSaveReportDocuments(t *testing.T) {
	m := NewMemoryStore()
	seedSession(t, m, "research-3", research.StatusRunning)
	report := research.Report{Title: "T", WordCount: 3}
	if err := m.SaveReportDocuments(context.Background(), "research-3", report, "# T"); err != nil {
		t.Fatalf("SaveReportDocuments: %v", err)
	}
	sess, err := m.GetSession(context.Background(), "research-3")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != research.StatusCompleted {
		t.Fatalf("status = %s, want completed", sess.Status)
	}
	docs, _ := m.ListDocuments(context.Background(), "research-3")
	if len(docs) != 2 {
		t.Fatalf("documents = %d, want 2", len(docs))
	}
	doc, err := m.GetDocument(context.Background(), "research-3", "research-3-markdown")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Content != "# T" {
		t.Fatalf("content = %q", doc.Content)
	}
}

func TestMemoryStoreEventLog(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		seq, err := m.AppendEvent(ctx, "research-4", research.EventHeartbeat, nil)
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if seq != int64(i+1) {
			t.Fatalf("seq = %d, want %d", seq, i+1)
		}
	}
	evs, err := m.ListEvents(ctx, "research-4", 1)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(evs) != 2 || evs[0].Sequence != 2 {
		t.Fatalf("unexpected events: %+v", evs)
	}
}
