package idgen

import (
	"strings"
	"testing"
)

func TestSyncID(t *testing.T) {
	a, b := SyncID(), SyncID()
	if a == b {
		t.Fatal("expected unique ids")
	}
	if !strings.HasPrefix(a, "sync_") || !IsSyncID(a) {
		t.Errorf("unexpected sync id %q", a)
	}
	if IsSyncID("sync_not-a-uuid") || IsSyncID(EventID()) {
		t.Error("IsSyncID accepted a foreign id")
	}
}

func TestWithPrefix_TimeOrdered(t *testing.T) {
	prev := WithPrefix("x_")
	for i := 0; i < 50; i++ {
		next := WithPrefix("x_")
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}
