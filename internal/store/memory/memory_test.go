package memory_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tokenbay/marketd/internal/clock"
	"github.com/tokenbay/marketd/internal/event"
	"github.com/tokenbay/marketd/internal/store"
	"github.com/tokenbay/marketd/internal/store/memory"
)

var testClock = clock.Mock{T: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}

func TestCollectionRepo(t *testing.T) {
	repo := memory.NewCollectionRepo(testClock)
	ctx := context.Background()

	c := &store.Collection{Address: "0xabc", Name: "Ducks", Symbol: "DCK", Creator: "alice", RoyaltyRate: 150}
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, c); err == nil {
		t.Error("Create() of duplicate address expected error")
	}

	got, err := repo.GetByAddress(ctx, "0xabc")
	if err != nil {
		t.Fatalf("GetByAddress() error = %v", err)
	}
	if got.RoyaltyRate != 150 || !got.CreatedAt.Equal(testClock.T) {
		t.Errorf("GetByAddress() = %+v, want royalty 150 at %v", got, testClock.T)
	}

	if _, err := repo.GetByAddress(ctx, "0xmissing"); err == nil {
		t.Error("GetByAddress() of missing collection expected error")
	}

	list, err := repo.List(ctx)
	if err != nil || len(list) != 1 {
		t.Errorf("List() = %d collections, %v, want 1, nil", len(list), err)
	}
}

func TestItemRepo(t *testing.T) {
	repo := memory.NewItemRepo(testClock)
	ctx := context.Background()

	it := &store.Item{Collection: "0xc", TokenID: 1, Owner: "bob"}
	if err := repo.Upsert(ctx, it); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	it.OnSale = true
	it.Seller = "bob"
	if err := repo.Upsert(ctx, it); err != nil {
		t.Fatalf("Upsert() update error = %v", err)
	}

	got, err := repo.Get(ctx, "0xc", 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.OnSale || got.Seller != "bob" {
		t.Errorf("Get() = %+v, want updated on-sale listing", got)
	}

	all, _ := repo.List(ctx)
	if len(all) != 1 {
		t.Errorf("List() = %d items, want 1 (upsert must not duplicate)", len(all))
	}

	onSale, _ := repo.ListOnSale(ctx)
	if len(onSale) != 1 {
		t.Errorf("ListOnSale() = %d items, want 1", len(onSale))
	}
}

func TestEventStore(t *testing.T) {
	s := memory.NewEventStore(testClock)
	ctx := context.Background()

	agg := event.ItemAggregateID("0xc", 1)
	err := s.Append(ctx,
		event.Event{AggregateID: agg, Type: event.ItemCreated, Data: json.RawMessage(`{}`), Version: 1},
		event.Event{AggregateID: agg, Type: event.AuctionListed, Data: json.RawMessage(`{}`), Version: 2},
		event.Event{AggregateID: "other", Type: event.ItemCreated, Data: json.RawMessage(`{}`), Version: 1},
	)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.Load(ctx, agg)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Load() returned %d events, want 2", len(got))
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Error("Append() did not assign id and timestamp")
	}

	created, err := s.LoadByType(ctx, event.ItemCreated)
	if err != nil || len(created) != 2 {
		t.Errorf("LoadByType() = %d events, %v, want 2, nil", len(created), err)
	}
}
