package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tokenbay/marketd/internal/market"
)

type collectionRequest struct {
	Address     string `json:"address,omitempty"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	MetadataURI string `json:"metadata_uri"`
	RoyaltyRate uint16 `json:"royalty_rate"`
}

type collectionResponse struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	MetadataURI string `json:"metadata_uri"`
	Creator     string `json:"creator"`
	RoyaltyRate uint16 `json:"royalty_rate"`
}

type itemResponse struct {
	Collection    string `json:"collection"`
	TokenID       uint64 `json:"token_id"`
	Owner         string `json:"owner"`
	Seller        string `json:"seller,omitempty"`
	BuyPrice      uint64 `json:"buy_price,omitempty"`
	MinBid        uint64 `json:"min_bid,omitempty"`
	NextMinBid    uint64 `json:"next_min_bid,omitempty"`
	HighestBid    uint64 `json:"highest_bid,omitempty"`
	HighestBidder string `json:"highest_bidder,omitempty"`
	BidEndTime    string `json:"bid_end_time,omitempty"`
	OnSale        bool   `json:"on_sale"`
	Direct        bool   `json:"direct,omitempty"`
}

type breakdownResponse struct {
	SellerShare uint64 `json:"seller_share"`
	Royalty     uint64 `json:"royalty"`
	MarketFee   uint64 `json:"market_fee"`
	Creator     string `json:"creator"`
}

func toItemResponse(key market.ItemKey, it market.Item) itemResponse {
	resp := itemResponse{
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
		resp.BidEndTime = it.BidEndTime.UTC().Format(time.RFC3339)
	}
	return resp
}

func toBreakdownResponse(bd market.Breakdown) breakdownResponse {
	return breakdownResponse{
		SellerShare: bd.SellerShare,
		Royalty:     bd.Royalty,
		MarketFee:   bd.MarketFee,
		Creator:     bd.Creator,
	}
}

// itemKey extracts the (collection, token id) pair from the route.
func itemKey(r *http.Request) (market.ItemKey, error) {
	vars := mux.Vars(r)
	tokenID, err := strconv.ParseUint(vars["tokenID"], 10, 64)
	if err != nil {
		return market.ItemKey{}, fmt.Errorf("invalid token id: %w", err)
	}
	return market.ItemKey{Collection: vars["address"], TokenID: tokenID}, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func (s *Server) handleRegisterCollection(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if id == "" {
		s.writeError(w, r, errMissingIdentity)
		return
	}
	var req collectionRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.RegisterCollection(r.Context(), id, req.Address, req.Name, req.Symbol, req.MetadataURI, req.RoyaltyRate); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"address": req.Address})
}

func (s *Server) handleDeployCollection(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if id == "" {
		s.writeError(w, r, errMissingIdentity)
		return
	}
	var req collectionRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	address, err := s.engine.DeployCollection(r.Context(), id, req.Name, req.Symbol, req.MetadataURI, req.RoyaltyRate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"address": address})
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	col, err := s.engine.Collection(address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, collectionResponse{
		Address:     address,
		Name:        col.Name,
		Symbol:      col.Symbol,
		MetadataURI: col.MetadataURI,
		Creator:     col.Creator,
		RoyaltyRate: col.RoyaltyRate,
	})
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if id == "" {
		s.writeError(w, r, errMissingIdentity)
		return
	}
	var req struct {
		Collection string `json:"collection"`
		TokenID    uint64 `json:"token_id"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.CreateMarketItem(r.Context(), id, req.Collection, req.TokenID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"collection": req.Collection, "token_id": req.TokenID})
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	keys := s.engine.AllMarketItems()
	items := make([]itemResponse, 0, len(keys))
	for _, key := range keys {
		it, err := s.engine.Item(key.Collection, key.TokenID)
		if err != nil {
			continue
		}
		items = append(items, toItemResponse(key, it))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	key, err := itemKey(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	it, err := s.engine.Item(key.Collection, key.TokenID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(key, it))
}

func (s *Server) handleCreateDirectSale(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if id == "" {
		s.writeError(w, r, errMissingIdentity)
		return
	}
	key, err := itemKey(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req struct {
		Price uint64 `json:"price"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.CreateDirectSale(r.Context(), id, key.Collection, key.TokenID, req.Price); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "listed"})
}

func (s *Server) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if id == "" {
		s.writeError(w, r, errMissingIdentity)
		return
	}
	key, err := itemKey(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req struct {
		Price    uint64 `json:"price"`
		MinBid   uint64 `json:"min_bid"`
		Duration string `json:"duration"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	duration, err := time.ParseDuration(req.Duration)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid duration: %v", err)})
		return
	}
	if err := s.engine.CreateAuction(r.Context(), id, key.Collection, key.TokenID, req.Price, req.MinBid, duration); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "listed"})
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if id == "" {
		s.writeError(w, r, errMissingIdentity)
		return
	}
	key, err := itemKey(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req struct {
		Payment uint64 `json:"payment"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	bd, err := s.engine.CloseDirectSale(r.Context(), id, key.Collection, key.TokenID, req.Payment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBreakdownResponse(bd))
}

func (s *Server) handleBid(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if id == "" {
		s.writeError(w, r, errMissingIdentity)
		return
	}
	key, err := itemKey(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.MakeBid(r.Context(), id, key.Collection, key.TokenID, req.Amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	it, err := s.engine.Item(key.Collection, key.TokenID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(key, it))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if id == "" {
		s.writeError(w, r, errMissingIdentity)
		return
	}
	key, err := itemKey(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.Withdraw(r.Context(), id, key.Collection, key.TokenID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if id == "" {
		s.writeError(w, r, errMissingIdentity)
		return
	}
	key, err := itemKey(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	bd, err := s.engine.SettleAuction(r.Context(), id, key.Collection, key.TokenID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBreakdownResponse(bd))
}

func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if id == "" {
		s.writeError(w, r, errMissingIdentity)
		return
	}
	var req struct {
		Rate uint16 `json:"rate"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.SetMarketplaceFee(r.Context(), id, req.Rate); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint16{"rate": req.Rate})
}

func (s *Server) handleGetFee(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"rate":      s.engine.MarketplaceFee(),
		"recipient": s.engine.FeeRecipient(),
	})
}

func (s *Server) handleSetTemplate(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if id == "" {
		s.writeError(w, r, errMissingIdentity)
		return
	}
	var req struct {
		Hash string `json:"hash"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.SetDeploymentTemplate(r.Context(), id, req.Hash); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": req.Hash})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":        s.engine.Timestamp().UTC().Format(time.RFC3339),
		"block_height":     s.engine.BlockHeight(),
		"collection_count": s.engine.CollectionCount(),
		"item_count":       s.engine.ItemCount(),
	})
}
