package database

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryDurableStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.SaveDurable(ctx, &DurableSubscription{ClientID: "c1", Name: "a", Topic: "news"})
	_ = store.SaveDurable(ctx, &DurableSubscription{ClientID: "c1", Name: "b", Topic: "sport"})
	_ = store.SaveDurable(ctx, &DurableSubscription{ClientID: "c2", Name: "a", Topic: "news"})

	sub, err := store.GetDurable(ctx, "c1", "b")
	if err != nil {
		t.Fatalf("Except durable c1/b, but got error %v", err)
	}
	if sub.Topic != "sport" {
		t.Fatalf("Except topic sport, but got %s", sub.Topic)
	}

	if err := store.DeleteDurable(ctx, "c1", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetDurable(ctx, "c1", "a"); !errors.Is(err, ErrDurableNotFound) {
		t.Fatalf("Except not found error, but got %v", err)
	}

	all, _ := store.ListDurables(ctx)
	if len(all) != 2 || all[0].Key() != "c1/b" || all[1].Key() != "c2/a" {
		t.Fatalf("unexpected durable list %+v", all)
	}

	if err := store.SaveDurable(ctx, &DurableSubscription{Name: "x"}); !errors.Is(err, ErrClientIDEmpty) {
		t.Fatalf("Except client id error, but got %v", err)
	}
}
