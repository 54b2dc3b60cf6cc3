package conversation_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/siftd/sift/internal/conversation"
	"github.com/siftd/sift/internal/testutil"
)

func setup(t *testing.T) *conversation.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := testutil.SetupTestDB(t)
	return conversation.New(db.Pool, testutil.DiscardLogger())
}

func TestStoreAppendAndHistory(t *testing.T) {
	store := setup(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := store.Append(ctx, "alice", "sess-1", fmt.Sprintf("req-%d", i),
			fmt.Sprintf("question %d", i), fmt.Sprintf("answer %d", i))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	// Another user's turn must never leak into alice's history.
	if _, err := store.Append(ctx, "bob", "sess-1", "req-b", "bob question", "bob answer"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	turns, err := store.History(ctx, "alice", "sess-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("History() returned %d turns, want 3", len(turns))
	}
	for i, turn := range turns {
		want := fmt.Sprintf("question %d", i+1)
		if turn.UserInput != want {
			t.Errorf("turn %d input = %q, want %q (oldest first)", i, turn.UserInput, want)
		}
		if turn.Liked != nil {
			t.Errorf("turn %d liked = %v, want nil before rating", i, *turn.Liked)
		}
	}

	t.Run("window keeps most recent", func(t *testing.T) {
		turns, err := store.History(ctx, "alice", "sess-1", 2)
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if len(turns) != 2 {
			t.Fatalf("History() returned %d turns, want 2", len(turns))
		}
		if turns[0].UserInput != "question 2" || turns[1].UserInput != "question 3" {
			t.Errorf("windowed history = [%q, %q], want the two newest oldest-first",
				turns[0].UserInput, turns[1].UserInput)
		}
	})
}

func TestStoreSessions(t *testing.T) {
	store := setup(t)
	ctx := context.Background()

	longFirst := strings.Repeat("very long first message ", 10)
	if _, err := store.Append(ctx, "alice", "sess-a", "r1", longFirst, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(ctx, "alice", "sess-a", "r2", "followup", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(ctx, "alice", "sess-b", "r3", "second session start", "a"); err != nil {
		t.Fatal(err)
	}

	sessions, err := store.Sessions(ctx, "alice")
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Sessions() returned %d sessions, want 2", len(sessions))
	}

	// Most recently active first.
	if sessions[0].SessionID != "sess-b" {
		t.Errorf("first session = %s, want sess-b", sessions[0].SessionID)
	}

	var sessA *conversation.Session
	for _, s := range sessions {
		if s.SessionID == "sess-a" {
			sessA = s
		}
	}
	if sessA == nil {
		t.Fatal("sess-a missing from listing")
	}
	if sessA.Turns != 2 {
		t.Errorf("sess-a turns = %d, want 2", sessA.Turns)
	}
	if !strings.HasPrefix(sessA.Title, "very long first message") {
		t.Errorf("title = %q, want derived from first message", sessA.Title)
	}
	if len([]rune(sessA.Title)) > 80 {
		t.Errorf("title length = %d, want <= 80", len([]rune(sessA.Title)))
	}
}

func TestStoreSetLiked(t *testing.T) {
	store := setup(t)
	ctx := context.Background()

	if _, err := store.Append(ctx, "alice", "sess-1", "req-1", "q", "a"); err != nil {
		t.Fatal(err)
	}

	rated, err := store.SetLiked(ctx, "alice", "req-1", true)
	if err != nil {
		t.Fatalf("SetLiked() error = %v", err)
	}
	if rated.Liked == nil || !*rated.Liked {
		t.Error("returned turn not marked liked")
	}

	turns, err := store.History(ctx, "alice", "sess-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if turns[0].Liked == nil || !*turns[0].Liked {
		t.Error("turn not marked liked")
	}

	if _, err := store.SetLiked(ctx, "alice", "missing-req", true); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("SetLiked(missing) error = %v, want ErrNotFound", err)
	}
	// Another user cannot rate alice's turn.
	if _, err := store.SetLiked(ctx, "bob", "req-1", false); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("SetLiked(wrong user) error = %v, want ErrNotFound", err)
	}
}

func TestStoreDeleteSession(t *testing.T) {
	store := setup(t)
	ctx := context.Background()

	if _, err := store.Append(ctx, "alice", "sess-1", "req-1", "q", "a"); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteSession(ctx, "alice", "sess-1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}

	turns, err := store.History(ctx, "alice", "sess-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 0 {
		t.Errorf("History() after delete returned %d turns, want 0", len(turns))
	}

	sessions, err := store.Sessions(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("Sessions() after delete returned %d sessions, want 0", len(sessions))
	}

	if err := store.DeleteSession(ctx, "alice", "sess-1"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("second DeleteSession() error = %v, want ErrNotFound", err)
	}
}
