package graph

import "testing"

func TestIndexInsertFindRemove(t *testing.T) {
	ix := NewIndex(0)
	ix.Insert(1, 2, 40)
	ix.Insert(2, 1, 41)

	if slot, ok := ix.Find(1, 2); !ok || slot != 40 {
		t.Fatalf("Find(1,2) = %d,%t want 40,true", slot, ok)
	}
	if slot, ok := ix.Find(2, 1); !ok || slot != 41 {
		t.Fatalf("Find(2,1) = %d,%t want 41,true", slot, ok)
	}
	if _, ok := ix.Find(1, 3); ok {
		t.Fatal("Find(1,3) should miss")
	}
	if ix.Len() != 2 {
		t.Fatalf("Len = %d want 2", ix.Len())
	}

	if !ix.Remove(1, 2) {
		t.Fatal("Remove(1,2) missed")
	}
	if _, ok := ix.Find(1, 2); ok {
		t.Fatal("Find(1,2) after remove should miss")
	}
	if slot, ok := ix.Find(2, 1); !ok || slot != 41 {
		t.Fatalf("Find(2,1) after unrelated remove = %d,%t", slot, ok)
	}
	if ix.Remove(1, 2) {
		t.Fatal("double Remove should report false")
	}
}

func TestIndexReplaceExisting(t *testing.T) {
	ix := NewIndex(16)
	ix.Insert(5, 6, 10)
	ix.Insert(5, 6, 99)
	if slot, _ := ix.Find(5, 6); slot != 99 {
		t.Fatalf("replaced slot = %d want 99", slot)
	}
	if ix.Len() != 1 {
		t.Fatalf("Len after replace = %d want 1", ix.Len())
	}
}

// All pairs (i, 0) share the low hash bits in a 16-slot table, which forces
// one long probe chain and exercises tombstone skipping on removal. This
// also covers slot 0 as a valid endpoint, including the (0, 0) self pair.
func TestIndexCollisionChain(t *testing.T) {
	ix := NewIndex(16)
	for i := uint32(0); i < 6; i++ {
		ix.Insert(i, 0, 100+i)
	}
	for i := uint32(0); i < 6; i++ {
		slot, ok := ix.Find(i, 0)
		if !ok || slot != 100+i {
			t.Fatalf("Find(%d,0) = %d,%t want %d,true", i, slot, ok, 100+i)
		}
	}

	if !ix.Remove(2, 0) {
		t.Fatal("Remove(2,0) missed")
	}
	for i := uint32(3); i < 6; i++ {
		if slot, ok := ix.Find(i, 0); !ok || slot != 100+i {
			t.Fatalf("Find(%d,0) after tombstone = %d,%t", i, slot, ok)
		}
	}
	if _, ok := ix.Find(2, 0); ok {
		t.Fatal("removed pair still found")
	}

	// Re-insert reclaims the tombstone slot.
	ix.Insert(2, 0, 222)
	if slot, ok := ix.Find(2, 0); !ok || slot != 222 {
		t.Fatalf("reinserted pair = %d,%t", slot, ok)
	}
}

func TestIndexGrowthKeepsEntries(t *testing.T) {
	ix := NewIndex(8)
	for i := uint32(0); i < 40; i++ {
		ix.Insert(i, i+1, i)
	}
	if ix.Cap() <= 8 {
		t.Fatalf("table did not grow: cap=%d", ix.Cap())
	}
	if ix.Len() != 40 {
		t.Fatalf("Len after growth = %d want 40", ix.Len())
	}
	for i := uint32(0); i < 40; i++ {
		if slot, ok := ix.Find(i, i+1); !ok || slot != i {
			t.Fatalf("Find(%d,%d) after growth = %d,%t", i, i+1, slot, ok)
		}
	}
}

func TestIndexReset(t *testing.T) {
	ix := NewIndex(8)
	ix.Insert(1, 2, 3)
	ix.Reset(32)
	if ix.Len() != 0 {
		t.Fatalf("Len after reset = %d", ix.Len())
	}
	if _, ok := ix.Find(1, 2); ok {
		t.Fatal("entry survived reset")
	}
	if ix.Cap() != 32 {
		t.Fatalf("cap after reset = %d want 32", ix.Cap())
	}
}
