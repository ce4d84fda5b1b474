package chat

import (
	"sync"
	"testing"
	"time"

	"companionchat/internal/models"
)

func msgAt(id string, sec int) models.ChatMessage {
	return models.ChatMessage{
		ID:          id,
		CharacterID: "luna",
		Sender:      models.SenderUser,
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, sec, 0, time.UTC),
	}
}

func ids(msgs []models.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMergeIsIdempotent(t *testing.T) {
	base := []models.ChatMessage{msgAt("a", 1), msgAt("c", 3)}
	merged, n := Merge(base, msgAt("b", 2))
	if n != 1 {
		t.Fatalf("expected one insert, got %d", n)
	}
	again, n := Merge(merged, msgAt("b", 2))
	if n != 0 || !equalIDs(ids(again), ids(merged)) {
		t.Fatalf("re-merging must be a no-op: %v (%d)", ids(again), n)
	}
	if want := []string{"a", "b", "c"}; !equalIDs(ids(merged), want) {
		t.Fatalf("expected %v, got %v", want, ids(merged))
	}
	if len(base) != 2 {
		t.Fatalf("input slice modified")
	}
}

func TestMergeOrderIndependent(t *testing.T) {
	// same second, so the id breaks the tie
	candidates := []models.ChatMessage{msgAt("m2", 5), msgAt("m1", 5), msgAt("m0", 4), msgAt("m1", 5)}
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}
	var want []string
	for _, order := range orders {
		var tl Timeline
		for _, i := range order {
			tl.Insert(candidates[i])
		}
		got := ids(tl.Snapshot())
		if want == nil {
			want = got
			continue
		}
		if !equalIDs(got, want) {
			t.Fatalf("order %v produced %v, want %v", order, got, want)
		}
	}
	if expected := []string{"m0", "m1", "m2"}; !equalIDs(want, expected) {
		t.Fatalf("expected %v, got %v", expected, want)
	}
}

func TestTimelineConcurrentInsert(t *testing.T) {
	var tl Timeline
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				tl.Insert(msgAt(string(rune('A'+i%26))+string(rune('a'+i/26)), i))
			}
		}()
	}
	wg.Wait()
	if tl.Len() != 50 {
		t.Fatalf("expected 50 unique entries, got %d", tl.Len())
	}
}

func TestTimelineTail(t *testing.T) {
	var tl Timeline
	tl.Insert(msgAt("a", 1), msgAt("b", 2), msgAt("c", 3))
	if got := ids(tl.Tail(2)); !equalIDs(got, []string{"b", "c"}) {
		t.Fatalf("unexpected tail %v", got)
	}
	if got := ids(tl.Tail(10)); len(got) != 3 {
		t.Fatalf("expected whole timeline, got %v", got)
	}
}
