package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tokenbay/marketd/internal/bank"
	"github.com/tokenbay/marketd/internal/clock"
	"github.com/tokenbay/marketd/internal/config"
	"github.com/tokenbay/marketd/internal/event"
	"github.com/tokenbay/marketd/internal/store"
	"github.com/tokenbay/marketd/internal/token"
)

// configAggregateID groups the runtime admin-setting events.
const configAggregateID = "config"

// Engine coordinates the registry, item lifecycle, bidding and settlement.
type Engine struct {
	cfg config.MarketConfig

	mu          sync.RWMutex
	collections map[string]Collection
	items       map[ItemKey]Item
	// listed is the append-only enumeration of every item ever created.
	listed          []ItemKey
	versions        map[string]int
	collectionCount uint64
	itemCount       uint64
	feeRate         uint16
	templateHash    string

	// inFlight rejects re-entry while an operation with outbound
	// transfers is still running. Combined with the host serializing
	// mutations, it closes the reentrancy window custody and payout
	// operations would otherwise open.
	inFlight atomic.Bool

	recovered atomic.Bool

	tokens  token.Directory
	factory token.Factory
	funds   bank.Bank
	repos   *store.Repositories
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   clock.Clock
}

// New creates an Engine with the initial fee settings from cfg.
func New(cfg config.MarketConfig, tokens token.Directory, factory token.Factory, funds bank.Bank, repos *store.Repositories, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Engine {
	return &Engine{
		cfg:          cfg,
		collections:  make(map[string]Collection),
		items:        make(map[ItemKey]Item),
		versions:     make(map[string]int),
		feeRate:      cfg.FeeRate,
		templateHash: cfg.TemplateHash,
		tokens:       tokens,
		factory:      factory,
		funds:        funds,
		repos:        repos,
		logger:       logger,
		tracer:       tp.Tracer("github.com/tokenbay/marketd/internal/market"),
		clock:        clk,
	}
}

// enter sets the call-in-progress guard, rejecting nested re-entry.
func (e *Engine) enter() error {
	if !e.inFlight.CompareAndSwap(false, true) {
		return ErrCallInProgress
	}
	return nil
}

func (e *Engine) exit() { e.inFlight.Store(false) }

// Recover rebuilds the in-memory state from the store. It is called once at
// startup, before the engine serves any operation.
func (e *Engine) Recover(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "Engine.Recover")
	defer span.End()

	cols, err := e.repos.Collections.List(ctx)
	if err != nil {
		return fmt.Errorf("loading collections: %w", err)
	}
	items, err := e.repos.Items.List(ctx)
	if err != nil {
		return fmt.Errorf("loading items: %w", err)
	}

	e.mu.Lock()
	for _, c := range cols {
		e.collections[c.Address] = Collection{
			Name:        c.Name,
			Symbol:      c.Symbol,
			MetadataURI: c.MetadataURI,
			Creator:     c.Creator,
			RoyaltyRate: c.RoyaltyRate,
		}
	}
	e.collectionCount = uint64(len(cols))
	for _, it := range items {
		key := ItemKey{Collection: it.Collection, TokenID: it.TokenID}
		rec := Item{
			Owner:         it.Owner,
			BuyPrice:      it.BuyPrice,
			Seller:        it.Seller,
			HighestBid:    it.HighestBid,
			HighestBidder: it.HighestBidder,
			MinBid:        it.MinBid,
			NextMinBid:    it.NextMinBid,
			OnSale:        it.OnSale,
			Direct:        it.Direct,
		}
		if it.BidEndTime != nil {
			rec.BidEndTime = *it.BidEndTime
		}
		e.items[key] = rec
		e.listed = append(e.listed, key)
	}
	e.itemCount = uint64(len(items))
	e.mu.Unlock()

	// Version counters continue from the stored history, so an aggregate
	// never reuses a version number after a failover.
	aggregates := make([]string, 0, len(cols)+len(items)+1)
	for _, c := range cols {
		aggregates = append(aggregates, c.Address)
	}
	for _, it := range items {
		aggregates = append(aggregates, event.ItemAggregateID(it.Collection, it.TokenID))
	}
	aggregates = append(aggregates, configAggregateID)
	for _, agg := range aggregates {
		evts, err := e.repos.Events.Load(ctx, agg)
		if err != nil {
			return fmt.Errorf("loading events for %s: %w", agg, err)
		}
		if len(evts) == 0 {
			continue
		}
		e.mu.Lock()
		e.versions[agg] = evts[len(evts)-1].Version
		e.mu.Unlock()
	}

	// Admin settings changed at runtime live in the event log only.
	if fees, err := e.repos.Events.LoadByType(ctx, event.FeeUpdated); err == nil && len(fees) > 0 {
		var data event.FeeUpdatedData
		if err := json.Unmarshal(fees[len(fees)-1].Data, &data); err == nil {
			e.mu.Lock()
			e.feeRate = data.Rate
			e.mu.Unlock()
		}
	}
	if tpl, err := e.repos.Events.LoadByType(ctx, event.TemplateUpdated); err == nil && len(tpl) > 0 {
		var data event.TemplateUpdatedData
		if err := json.Unmarshal(tpl[len(tpl)-1].Data, &data); err == nil {
			e.mu.Lock()
			e.templateHash = data.Hash
			e.mu.Unlock()
		}
	}

	e.recovered.Store(true)
	e.logger.InfoContext(ctx, "engine state recovered",
		slog.Int("collections", len(cols)),
		slog.Int("items", len(items)),
	)
	return nil
}

// Ready reports whether the engine has recovered its state. It serves as a
// readiness check alongside the database ping.
func (e *Engine) Ready(context.Context) error {
	if !e.recovered.Load() {
		return errors.New("engine state not recovered")
	}
	return nil
}

// record appends a domain event; failures are logged, never surfaced, so a
// flaky event sink cannot fail an already committed operation.
func (e *Engine) record(ctx context.Context, aggregateID string, typ event.Type, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to encode event payload",
			slog.String("type", string(typ)), slog.Any("error", err))
		return
	}

	e.mu.Lock()
	e.versions[aggregateID]++
	version := e.versions[aggregateID]
	e.mu.Unlock()

	evt := event.Event{
		AggregateID: aggregateID,
		Type:        typ,
		Data:        data,
		Version:     version,
		CreatedAt:   e.clock.Now().UTC(),
	}
	if err := e.repos.Events.Append(ctx, evt); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist event",
			slog.String("aggregate_id", aggregateID),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}

// persistItem mirrors an item to the store; failures are logged, the
// in-memory state remains authoritative for the running process.
func (e *Engine) persistItem(ctx context.Context, key ItemKey, it Item) {
	rec := store.Item{
		Collection:    key.Collection,
		TokenID:       key.TokenID,
		Owner:         it.Owner,
		Seller:        it.Seller,
		BuyPrice:      it.BuyPrice,
		MinBid:        it.MinBid,
		NextMinBid:    it.NextMinBid,
		HighestBid:    it.HighestBid,
		HighestBidder: it.HighestBidder,
		OnSale:        it.OnSale,
		Direct:        it.Direct,
	}
	if !it.BidEndTime.IsZero() {
		end := it.BidEndTime
		rec.BidEndTime = &end
	}
	if err := e.repos.Items.Upsert(ctx, &rec); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist item",
			slog.String("collection", key.Collection),
			slog.Uint64("token_id", key.TokenID),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) persistCollection(ctx context.Context, address string, col Collection) {
	rec := store.Collection{
		Address:     address,
		Name:        col.Name,
		Symbol:      col.Symbol,
		MetadataURI: col.MetadataURI,
		Creator:     col.Creator,
		RoyaltyRate: col.RoyaltyRate,
	}
	if err := e.repos.Collections.Create(ctx, &rec); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist collection",
			slog.String("collection", address),
			slog.Any("error", err),
		)
	}
}

// Collection returns a registered collection record.
func (e *Engine) Collection(address string) (Collection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	col, ok := e.collections[address]
	if !ok {
		return Collection{}, ErrCollectionNotRegistered
	}
	return col, nil
}

// CollectionCount returns the number of registered collections.
func (e *Engine) CollectionCount() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collectionCount
}

// Item returns the current state of a market item.
func (e *Engine) Item(collection string, tokenID uint64) (Item, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	it, ok := e.items[ItemKey{Collection: collection, TokenID: tokenID}]
	if !ok {
		return Item{}, ErrTokenDoesNotExist
	}
	return it, nil
}

// AllMarketItems returns every item ever created, in creation order.
func (e *Engine) AllMarketItems() []ItemKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ItemKey, len(e.listed))
	copy(out, e.listed)
	return out
}

// ItemCount returns the number of market items ever created.
func (e *Engine) ItemCount() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.itemCount
}

// MarketplaceFee returns the current fee rate in parts-per-10000.
func (e *Engine) MarketplaceFee() uint16 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.feeRate
}

// FeeRecipient returns the identity receiving the marketplace cut.
func (e *Engine) FeeRecipient() string { return e.cfg.FeeRecipient }

// DeploymentTemplate returns the configured code template reference.
func (e *Engine) DeploymentTemplate() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.templateHash
}

// Timestamp returns the engine's current time.
func (e *Engine) Timestamp() time.Time { return e.clock.Now() }

// BlockHeight returns the externally supplied height.
func (e *Engine) BlockHeight() uint64 { return e.clock.Height() }
