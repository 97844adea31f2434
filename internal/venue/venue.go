// Package venue is the boundary to the prediction-market venue.
//
// Market discovery and order transport proper live outside this engine;
// the strategy layer only consumes the TradingVenue interface. The
// package ships a REST client for books and order submission plus a
// WebSocket price feed, both shaped like the venue's public API, but any
// implementation of the interface will do (the dry-run path and the tests
// use fakes).
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"weatheredge/pkg/types"
)

// Order is a limit order request.
type Order struct {
	MarketID   string     `json:"market_id"`
	Side       types.Side `json:"side"`
	SizeUSD    float64    `json:"size_usd"`
	PriceLimit float64    `json:"price_limit"`
}

// OrderResult is the venue's acknowledgement.
type OrderResult struct {
	OrderID   string  `json:"order_id"`
	Status    string  `json:"status"` // "accepted", "rejected", "filled"
	FillPrice float64 `json:"fill_price"`
	FilledUSD float64 `json:"filled_usd"`
}

// TradingVenue is everything the strategy layer needs from the venue.
type TradingVenue interface {
	// MarketBook fetches a point-in-time order book for the market's YES token.
	MarketBook(ctx context.Context, marketID string) (types.MarketBook, error)
	// SubmitOrder places a limit order. At-most-once: a transport error
	// after submission is reported as an error, never retried here.
	SubmitOrder(ctx context.Context, order Order) (OrderResult, error)
}

// Client is the REST implementation of TradingVenue.
type Client struct {
	http          *resty.Client
	submitTimeout time.Duration
	logger        *slog.Logger
}

// NewClient builds a venue REST client.
func NewClient(baseURL, apiKey string, submitTimeoutMs int, logger *slog.Logger) *Client {
	submitTimeout := time.Duration(submitTimeoutMs) * time.Millisecond
	if submitTimeout <= 0 {
		submitTimeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(submitTimeout).
		SetRetryCount(2).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry reads only; SubmitOrder opts out per request.
			return err == nil && r.StatusCode() >= 500 && r.Request.Method == http.MethodGet
		})
	if apiKey != "" {
		httpClient.SetHeader("Authorization", "Bearer "+apiKey)
	}

	return &Client{
		http:          httpClient,
		submitTimeout: submitTimeout,
		logger:        logger.With("component", "venue"),
	}
}

// MarketBook fetches the current order book.
func (c *Client) MarketBook(ctx context.Context, marketID string) (types.MarketBook, error) {
	var book types.MarketBook
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&book).
		Get("/markets/" + marketID + "/book")
	if err != nil {
		return types.MarketBook{}, fmt.Errorf("market book %s: %w", marketID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.MarketBook{}, fmt.Errorf("market book %s: status %d", marketID, resp.StatusCode())
	}
	book.MarketID = marketID
	return book, nil
}

// SubmitOrder places a limit order with the venue submit timeout.
func (c *Client) SubmitOrder(ctx context.Context, order Order) (OrderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	var result OrderResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(order).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return OrderResult{}, fmt.Errorf("submit order %s: %w", order.MarketID, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return OrderResult{}, fmt.Errorf("submit order %s: status %d: %s",
			order.MarketID, resp.StatusCode(), resp.String())
	}

	c.logger.Info("order submitted",
		"market", order.MarketID, "side", order.Side,
		"size_usd", order.SizeUSD, "limit", order.PriceLimit,
		"status", result.Status)
	return result, nil
}
