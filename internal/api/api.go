// Package api exposes the trading engine over HTTP. Callers identify
// themselves through the X-Market-Identity header; the engine enforces all
// authorization beyond that.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokenbay/marketd/internal/market"
	"github.com/tokenbay/marketd/internal/telemetry"
)

const identityHeader = "X-Market-Identity"

// Server routes HTTP requests to the market engine.
type Server struct {
	engine *market.Engine
	logger *slog.Logger
	tracer trace.Tracer
	router *mux.Router
}

// New creates a Server with all routes registered.
func New(eng *market.Engine, logger *slog.Logger, tp trace.TracerProvider) *Server {
	s := &Server{
		engine: eng,
		logger: logger,
		tracer: tp.Tracer("github.com/tokenbay/marketd/internal/api"),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.requestID)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/collections", s.handleRegisterCollection).Methods(http.MethodPost)
	v1.HandleFunc("/collections/deploy", s.handleDeployCollection).Methods(http.MethodPost)
	v1.HandleFunc("/collections/{address}", s.handleGetCollection).Methods(http.MethodGet)

	v1.HandleFunc("/items", s.handleCreateItem).Methods(http.MethodPost)
	v1.HandleFunc("/items", s.handleListItems).Methods(http.MethodGet)
	v1.HandleFunc("/items/{address}/{tokenID:[0-9]+}", s.handleGetItem).Methods(http.MethodGet)
	v1.HandleFunc("/items/{address}/{tokenID:[0-9]+}/direct-sale", s.handleCreateDirectSale).Methods(http.MethodPost)
	v1.HandleFunc("/items/{address}/{tokenID:[0-9]+}/auction", s.handleCreateAuction).Methods(http.MethodPost)
	v1.HandleFunc("/items/{address}/{tokenID:[0-9]+}/buy", s.handleBuy).Methods(http.MethodPost)
	v1.HandleFunc("/items/{address}/{tokenID:[0-9]+}/bids", s.handleBid).Methods(http.MethodPost)
	v1.HandleFunc("/items/{address}/{tokenID:[0-9]+}/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	v1.HandleFunc("/items/{address}/{tokenID:[0-9]+}/settle", s.handleSettle).Methods(http.MethodPost)

	v1.HandleFunc("/admin/fee", s.handleSetFee).Methods(http.MethodPut)
	v1.HandleFunc("/admin/fee", s.handleGetFee).Methods(http.MethodGet)
	v1.HandleFunc("/admin/template", s.handleSetTemplate).Methods(http.MethodPut)

	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.router = r
}

// requestID tags every request with an id for log correlation.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		ctx, span := s.tracer.Start(r.Context(), "api "+r.Method+" "+r.URL.Path)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// caller returns the identity the request acts as, or "" if absent.
func caller(r *http.Request) string {
	return r.Header.Get(identityHeader)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		telemetry.LogWithTrace(r.Context(), s.logger).ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

var errMissingIdentity = errors.New("missing " + identityHeader + " header")

// httpStatus maps engine errors onto status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errMissingIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, market.ErrNotAdmin),
		errors.Is(err, market.ErrNotTheOwner),
		errors.Is(err, market.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, market.ErrTokenDoesNotExist),
		errors.Is(err, market.ErrCollectionNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, market.ErrIneligibleBuyPrice),
		errors.Is(err, market.ErrIneligibleBidDuration),
		errors.Is(err, market.ErrMinimumBidNotMet),
		errors.Is(err, market.ErrIneligibleFeeRate),
		errors.Is(err, market.ErrIneligibleRoyaltyRate),
		errors.Is(err, market.ErrContractHashNotSet):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrTokenAlreadyExists),
		errors.Is(err, market.ErrTokenAlreadyOnSale),
		errors.Is(err, market.ErrTokenNotForSale),
		errors.Is(err, market.ErrTokenNotForDirectSale),
		errors.Is(err, market.ErrTokenOnlyForDirectSale),
		errors.Is(err, market.ErrCollectionAlreadyExists),
		errors.Is(err, market.ErrAuctionExpired),
		errors.Is(err, market.ErrAuctionOngoing),
		errors.Is(err, market.ErrMinimumBidAlreadyMet),
		errors.Is(err, market.ErrNoValidBids),
		errors.Is(err, market.ErrCallInProgress):
		return http.StatusConflict
	case errors.Is(err, market.ErrTransferToBidderFailed),
		errors.Is(err, market.ErrTransferToOwnerFailed),
		errors.Is(err, market.ErrTransferToContractFailed),
		errors.Is(err, market.ErrMarketplaceFeeTransferFailed),
		errors.Is(err, market.ErrRoyaltiesTransferFailed),
		errors.Is(err, market.ErrTokenInstantiationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
