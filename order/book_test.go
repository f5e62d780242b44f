package order

import (
	"testing"
	"time"
)

func TestBookPutGetList(t *testing.T) {
	b := NewBook()
	now := time.Now()
	if !b.Put(&Order{ID: "2", Symbol: "ETHUSDC", Status: StatusCreated, CreatedAt: now.Add(time.Second)}) {
		t.Fatalf("first put should succeed")
	}
	b.Put(&Order{ID: "1", Symbol: "BTCUSDT", Status: StatusCreated, CreatedAt: now})
	if b.Put(&Order{ID: "1"}) {
		t.Fatalf("duplicate put should be refused")
	}
	got, ok := b.Get("1")
	if !ok || got.Symbol != "BTCUSDT" {
		t.Fatalf("get failed: %+v %v", got, ok)
	}
	list := b.List()
	if len(list) != 2 || list[0].ID != "1" {
		t.Fatalf("expected creation order, got %+v", list)
	}
	b.Delete("1")
	if b.Has("1") || b.Len() != 1 {
		t.Fatalf("delete failed")
	}
}

func TestBookListReturnsCopies(t *testing.T) {
	b := NewBook()
	b.Put(&Order{ID: "a", Dependents: []string{"b"}})
	list := b.List()
	list[0].Dependents[0] = "mutated"
	o, _ := b.Get("a")
	if o.Dependents[0] != "b" {
		t.Fatalf("list leaked internal slice")
	}
}
