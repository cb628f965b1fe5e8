package postgres_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/tokenbay/marketd/internal/event"
	"github.com/tokenbay/marketd/internal/store/postgres"
)

func TestEventStore_AppendAndLoad(t *testing.T) {
	db := newTestDB(t)
	s := postgres.NewEventStore(db)
	ctx := context.Background()

	agg := event.ItemAggregateID("0xc", 1)
	for i, typ := range []event.Type{event.ItemCreated, event.AuctionListed, event.AuctionBidPlaced} {
		e := event.Event{
			AggregateID: agg,
			Type:        typ,
			Data:        json.RawMessage(`{}`),
			Version:     i + 1,
		}
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append(%s) error = %v", typ, err)
		}
	}

	got, err := s.Load(ctx, agg)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Load() returned %d events, want 3", len(got))
	}
	for i, e := range got {
		if e.Version != i+1 {
			t.Errorf("event %d version = %d, want %d", i, e.Version, i+1)
		}
	}

	bids, err := s.LoadByType(ctx, event.AuctionBidPlaced)
	if err != nil {
		t.Fatalf("LoadByType() error = %v", err)
	}
	if len(bids) != 1 {
		t.Errorf("LoadByType() returned %d events, want 1", len(bids))
	}
}
