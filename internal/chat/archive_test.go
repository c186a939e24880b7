package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
)

func seedArchive(t *testing.T, repo *MemoryRepository, chatID string, stamps ...int64) map[int64]string {
	t.Helper()
	ids := make(map[int64]string)
	for _, ts := range stamps {
		id := fmt.Sprintf("m%d", ts)
		err := repo.InsertMessage(context.Background(), &Message{
			ID: id, ChatID: chatID, From: "alice", Body: &MessageBody{Text: id}, Timestamp: ts,
		})
		if err != nil {
			t.Fatal(err)
		}
		ids[ts] = id
	}
	return ids
}

func stampsOf(msgs []Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Timestamp)
	}
	return out
}

func TestArchivePagination(t *testing.T) {
	dir, repo := newTestDirectory(t)
	ctx := context.Background()
	c, _ := dir.Create(ctx, MUC, "alice", nil)
	ids := seedArchive(t, repo, c.ID, 10, 20, 30, 40)
	archive := NewArchive(repo, 0)

	tests := []struct {
		name  string
		after string
		want  []int64
	}{
		{"newest", "", []int64{40, 30}},
		{"after 40", ids[40], []int64{30, 20}},
		{"after 20", ids[20], []int64{10}},
		{"after 10", ids[10], []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := archive.Load(ctx, c.ID, 2, tt.after)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if !slices.Equal(stampsOf(got), tt.want) {
				t.Fatalf("Load() = %v, want %v", stampsOf(got), tt.want)
			}
		})
	}
}

func TestArchiveEqualTimestampsAreGapless(t *testing.T) {
	dir, repo := newTestDirectory(t)
	ctx := context.Background()
	c, _ := dir.Create(ctx, MUC, "alice", nil)
	for _, id := range []string{"a", "b", "c"} {
		_ = repo.InsertMessage(ctx, &Message{ID: id, ChatID: c.ID, Timestamp: 50})
	}
	archive := NewArchive(repo, 0)

	var seen []string
	after := ""
	for range 5 {
		page, err := archive.Load(ctx, c.ID, 1, after)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if len(page) == 0 {
			break
		}
		seen = append(seen, page[0].ID)
		after = page[0].ID
	}
	if !slices.Equal(seen, []string{"c", "b", "a"}) {
		t.Fatalf("pages = %v, want [c b a]", seen)
	}
}

func TestArchiveNewerInsertsDoNotShiftPages(t *testing.T) {
	dir, repo := newTestDirectory(t)
	ctx := context.Background()
	c, _ := dir.Create(ctx, MUC, "alice", nil)
	ids := seedArchive(t, repo, c.ID, 10, 20, 30)
	archive := NewArchive(repo, 0)

	seedArchive(t, repo, c.ID, 50, 60)
	got, err := archive.Load(ctx, c.ID, 5, ids[30])
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !slices.Equal(stampsOf(got), []int64{20, 10}) {
		t.Fatalf("Load() = %v, want [20 10]", stampsOf(got))
	}
}

func TestArchiveErrors(t *testing.T) {
	dir, repo := newTestDirectory(t)
	ctx := context.Background()
	c, _ := dir.Create(ctx, MUC, "alice", nil)
	other, _ := dir.Create(ctx, MUC, "alice", nil)
	ids := seedArchive(t, repo, other.ID, 10)
	archive := NewArchive(repo, 0)

	tests := []struct {
		name    string
		chatID  string
		limit   int
		after   string
		wantErr error
	}{
		{"missing chat", "nope", 10, "", ErrChatNotFound},
		{"zero limit", c.ID, 0, "", ErrMissingParameters},
		{"no chat id", "", 10, "", ErrMissingParameters},
		{"unknown anchor", c.ID, 10, "ghost", ErrMessageNotFound},
		{"anchor from other chat", c.ID, 10, ids[10], ErrMessageNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := archive.Load(ctx, tt.chatID, tt.limit, tt.after); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Load() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestArchiveCapsLimit(t *testing.T) {
	dir, repo := newTestDirectory(t)
	ctx := context.Background()
	c, _ := dir.Create(ctx, MUC, "alice", nil)
	seedArchive(t, repo, c.ID, 1, 2, 3, 4, 5)

	got, err := NewArchive(repo, 3).Load(ctx, c.ID, 100, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
}
