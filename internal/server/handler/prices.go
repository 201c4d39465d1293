package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// Books returns a book from the cache, fetching it over REST on a miss.
type Books interface {
	Book(ctx context.Context, exchange, symbol string, it domain.InstrumentType) (domain.TopOfBook, error)
}

// maxBatch caps POST /prices/batch.
const maxBatch = 50

// PriceHandler serves book lookups.
type PriceHandler struct {
	books  Books
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(books Books, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{books: books, logger: logger}
}

func instrumentParam(v string) (domain.InstrumentType, error) {
	if v == "" {
		return domain.InstrumentSpot, nil
	}
	it := domain.InstrumentType(strings.ToLower(v))
	if !it.Valid() {
		return "", domain.NewValidationError("type", "must be spot or linear")
	}
	return it, nil
}

// GetPrice returns the top of book for one symbol.
// GET /prices/{exchange}/{symbol}?type=spot|linear
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	it, err := instrumentParam(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	exchange := strings.ToLower(r.PathValue("exchange"))
	symbol := strings.ToUpper(r.PathValue("symbol"))
	snap, err := h.books.Book(r.Context(), exchange, symbol, it)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, domain.ViewOf(snap))
}

type batchItem struct {
	Exchange       string `json:"exchange"`
	Symbol         string `json:"symbol"`
	InstrumentType string `json:"type,omitempty"`
}

type batchResult struct {
	Exchange string           `json:"exchange"`
	Symbol   string           `json:"symbol"`
	Book     *domain.BookView `json:"book,omitempty"`
	Error    *apiError        `json:"error,omitempty"`
}

// BatchPrices fetches several books concurrently. A failed item carries its
// own error and does not fail the request.
// POST /prices/batch
func (h *PriceHandler) BatchPrices(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []batchItem `json:"items"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if len(req.Items) == 0 {
		writeFail(w, domain.CodeValidation, "items: is required")
		return
	}
	if len(req.Items) > maxBatch {
		writeFail(w, domain.CodeValidation, "items: at most 50 per request")
		return
	}

	out := make([]batchResult, len(req.Items))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(8)
	for i, item := range req.Items {
		res := &out[i]
		res.Exchange = strings.ToLower(item.Exchange)
		res.Symbol = strings.ToUpper(item.Symbol)
		g.Go(func() error {
			it, err := instrumentParam(item.InstrumentType)
			if err == nil {
				var snap domain.TopOfBook
				snap, err = h.books.Book(ctx, res.Exchange, res.Symbol, it)
				if err == nil {
					view := domain.ViewOf(snap)
					res.Book = &view
					return nil
				}
			}
			res.Error = &apiError{Code: domain.CodeOf(err), Message: err.Error()}
			return nil
		})
	}
	_ = g.Wait()
	writeData(w, http.StatusOK, out)
}
