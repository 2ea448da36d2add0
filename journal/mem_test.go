package journal

import (
	"context"
	"testing"
)

func TestMemJournal_AppendList(t *testing.T) {
	j := NewMemJournal()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		j.Append(ctx, makeEntry("FooForA", i))
		j.Append(ctx, makeEntry("FooForB", i))
	}

	all, err := j.List(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("got %d entries, want 6", len(all))
	}
	for i, e := range all {
		if e.Seq != uint64(i+1) {
			t.Errorf("entry %d Seq = %d", i, e.Seq)
		}
	}

	a, _ := j.List(ctx, "FooForA", 0, 0)
	if len(a) != 3 {
		t.Errorf("got %d FooForA entries, want 3", len(a))
	}

	page, _ := j.List(ctx, "", 2, 3)
	if len(page) != 3 || page[0].Seq != 3 {
		t.Errorf("afterSeq/limit returned %+v", page)
	}

	names, _ := j.Executors(ctx)
	if len(names) != 2 || names[0] != "FooForA" || names[1] != "FooForB" {
		t.Errorf("Executors = %v", names)
	}
	if err := j.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
