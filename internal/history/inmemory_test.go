package history

import (
	"context"
	"testing"
)

func TestInMemoryStoreSaveAndRecent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	turns := []ConversationTurn{
		{SessionID: "s1", UserID: "u1", Role: "user", Text: "hello"},
		{SessionID: "s1", UserID: "u1", Role: "assistant", Text: "hi there", Emotion: "warm"},
		{SessionID: "s1", UserID: "u1", Role: "user", Text: "how are you"},
	}
	for _, turn := range turns {
		if err := s.SaveTurn(ctx, turn); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}

	got, err := s.RecentBySession(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("RecentBySession() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(got))
	}
	if got[0].Text != "hi there" || got[1].Text != "how are you" {
		t.Fatalf("unexpected order: %q then %q", got[0].Text, got[1].Text)
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("SaveTurn did not fill defaults: %+v", got[0])
	}
}

func TestInMemoryStoreUnknownSession(t *testing.T) {
	s := NewInMemoryStore()
	got, err := s.RecentBySession(context.Background(), "missing", 5)
	if err != nil {
		t.Fatalf("RecentBySession() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len(turns) = %d, want 0", len(got))
	}
}
