// ws.go implements the WebSocket price feed for real-time venue data.
//
// The feed subscribes by market ID and receives "price_update" ticks and
// "book" snapshots for the YES token. It auto-reconnects with exponential
// backoff (1s → 30s max) and re-subscribes to all tracked market IDs on
// reconnection. A read deadline (90s) ensures silent server failures are
// detected within ~2 missed pings.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"weatheredge/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	priceBufferSize  = 256
	bookBufferSize   = 64
)

// wsSubscribeMsg is the initial subscription frame.
type wsSubscribeMsg struct {
	Type      string   `json:"type"`
	MarketIDs []string `json:"market_ids"`
}

// wsUpdateMsg adds or removes market IDs on a live connection.
type wsUpdateMsg struct {
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
	MarketIDs []string `json:"market_ids"`
}

// wsPriceUpdate is the venue's price tick frame.
type wsPriceUpdate struct {
	EventType string  `json:"event_type"`
	MarketID  string  `json:"market_id"`
	YesPrice  float64 `json:"yes_price,string"`
	NoPrice   float64 `json:"no_price,string"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

// wsBookEvent is a full book snapshot for a market's YES token.
type wsBookEvent struct {
	EventType string            `json:"event_type"`
	MarketID  string            `json:"market_id"`
	Bids      []types.BookLevel `json:"bids"`
	Asks      []types.BookLevel `json:"asks"`
	Timestamp int64             `json:"timestamp"`
}

// PriceFeed manages the venue WebSocket connection. It handles connection
// lifecycle, subscription tracking, message routing, and automatic
// reconnection with exponential backoff.
type PriceFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // market IDs

	priceCh chan types.PriceUpdate
	bookCh  chan types.MarketBook

	logger *slog.Logger
}

// NewPriceFeed creates a WebSocket feed for the venue's public price channel.
func NewPriceFeed(wsURL string, logger *slog.Logger) *PriceFeed {
	return &PriceFeed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		priceCh:    make(chan types.PriceUpdate, priceBufferSize),
		bookCh:     make(chan types.MarketBook, bookBufferSize),
		logger:     logger.With("component", "ws_venue"),
	}
}

// PriceUpdates returns a read-only channel of price ticks.
func (f *PriceFeed) PriceUpdates() <-chan types.PriceUpdate { return f.priceCh }

// BookEvents returns a read-only channel of book snapshots.
func (f *PriceFeed) BookEvents() <-chan types.MarketBook { return f.bookCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *PriceFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds market IDs to the live subscription.
func (f *PriceFeed) Subscribe(ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(wsUpdateMsg{Operation: "subscribe", MarketIDs: ids})
}

// Unsubscribe removes market IDs from the subscription.
func (f *PriceFeed) Unsubscribe(ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(wsUpdateMsg{Operation: "unsubscribe", MarketIDs: ids})
}

// Close gracefully closes the connection.
func (f *PriceFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *PriceFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Send initial subscription
	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "url", f.url)

	// Start ping goroutine
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *PriceFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	return f.writeJSON(wsSubscribeMsg{Type: "prices", MarketIDs: ids})
}

func (f *PriceFeed) dispatchMessage(data []byte) {
	// Peek at event_type to route
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "price_update":
		var evt wsPriceUpdate
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal price_update event", "error", err)
			return
		}
		update := types.PriceUpdate{
			MarketID: evt.MarketID,
			YesPrice: evt.YesPrice,
			NoPrice:  evt.NoPrice,
			At:       time.UnixMilli(evt.Timestamp).UTC(),
		}
		select {
		case f.priceCh <- update:
		default:
			f.logger.Warn("price channel full, dropping tick", "market", evt.MarketID)
		}

	case "book":
		var evt wsBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		book := types.MarketBook{
			MarketID:  evt.MarketID,
			Bids:      evt.Bids,
			Asks:      evt.Asks,
			Timestamp: time.UnixMilli(evt.Timestamp).UTC(),
		}
		select {
		case f.bookCh <- book:
		default:
			f.logger.Warn("book channel full, dropping snapshot", "market", evt.MarketID)
		}

	case "market_resolved", "trading_halted", "new_market":
		// Informational events we don't need to process
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *PriceFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *PriceFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *PriceFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
