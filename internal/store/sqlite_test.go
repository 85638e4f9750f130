package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/CalebKiragu/coinmeadow-agent/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSaveAndGetConversation(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	msgs := []domain.Message{
		{ID: "m1", SenderAddress: "0xaa", RecipientAddress: "0xbb", SentAt: time.Unix(100, 0).UTC(), Content: "hi"},
		{ID: "m2", SenderAddress: "0xbb", RecipientAddress: "0xaa", SentAt: time.Unix(200, 0).UTC(), Content: "hello"},
	}

	if err := repo.SaveConversation(ctx, "0xagent", msgs); err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}

	got, err := repo.GetConversation(ctx, "0xagent")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Errorf("unexpected ids: %q, %q", got[0].ID, got[1].ID)
	}
}

func TestGetConversationMissingPeerIsEmpty(t *testing.T) {
	repo := newTestStore(t)

	got, err := repo.GetConversation(context.Background(), "0xnobody")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty cache, got %d messages", len(got))
	}
}

func TestSaveConversationOverwritesWholesale(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	first := []domain.Message{{ID: "old", SentAt: time.Unix(1, 0)}}
	second := []domain.Message{{ID: "new", SentAt: time.Unix(2, 0)}}

	if err := repo.SaveConversation(ctx, "0xagent", first); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := repo.SaveConversation(ctx, "0xagent", second); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	got, err := repo.GetConversation(ctx, "0xagent")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("expected wholesale overwrite, got %+v", got)
	}
}

func TestCorruptCacheTreatedAsEmpty(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	s := repo.(*SQLiteStore)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_cache (peer_address, messages_json, created_at, updated_at) VALUES (?, ?, 0, 0)`,
		"0xagent", "{not json")
	if err != nil {
		t.Fatalf("failed to insert corrupt row: %v", err)
	}

	got, err := repo.GetConversation(ctx, "0xagent")
	if err != nil {
		t.Fatalf("GetConversation should not fail on corrupt cache: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result for corrupt cache, got %+v", got)
	}

	// The corrupt row must have been cleared.
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_cache`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected corrupt row to be deleted, %d rows remain", count)
	}
}

func TestDeleteConversation(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.SaveConversation(ctx, "0xagent", []domain.Message{{ID: "m"}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := repo.DeleteConversation(ctx, "0xagent"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	got, err := repo.GetConversation(ctx, "0xagent")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty after delete, got %+v", got)
	}
}
