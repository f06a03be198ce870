package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rooneydude/kalshibot/internal/domain"
)

const (
	wsWriteWait         = 10 * time.Second
	wsPongWait          = 30 * time.Second
	wsPingPeriod        = (wsPongWait * 9) / 10
	wsReconnectDelay    = 2 * time.Second
	wsMaxReconnectDelay = 60 * time.Second
)

// TickerHandler receives top-of-book deltas between full REST scans.
type TickerHandler func(ticker string, quote domain.Quote, at time.Time)

// WSFeed streams market-data deltas from the Kalshi WebSocket API into the
// ingestion worker. It reconnects with exponential backoff and restores
// subscriptions after a drop.
type WSFeed struct {
	wsURL  string
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	tickers []string
	cmdID   int64

	handler TickerHandler
}

// NewWSFeed creates a feed delivering updates for the given tickers.
func NewWSFeed(wsURL string, tickers []string, handler TickerHandler, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		wsURL:   wsURL,
		tickers: tickers,
		handler: handler,
		logger:  logger.With(slog.String("component", "kalshi_ws")),
	}
}

// Run connects and consumes messages until ctx is cancelled, reconnecting
// on failures.
func (w *WSFeed) Run(ctx context.Context) error {
	delay := wsReconnectDelay
	for {
		if err := w.connect(ctx); err != nil {
			w.logger.WarnContext(ctx, "connect failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > wsMaxReconnectDelay {
				delay = wsMaxReconnectDelay
			}
			continue
		}
		delay = wsReconnectDelay

		if err := w.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.WarnContext(ctx, "connection dropped", slog.String("error", err.Error()))
		}
	}
}

func (w *WSFeed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("kalshi/ws: dial: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	w.mu.Lock()
	w.conn = conn
	w.cmdID++
	cmd := WSSubscribeCmd{
		ID:  w.cmdID,
		Cmd: "subscribe",
		Params: WSSubscribeParams{
			Channels:      []string{"ticker"},
			MarketTickers: w.tickers,
		},
	}
	w.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(cmd); err != nil {
		conn.Close()
		return fmt.Errorf("kalshi/ws: subscribe: %w", err)
	}
	return nil
}

func (w *WSFeed) consume(ctx context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	defer conn.Close()

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("kalshi/ws: read: %w", err)
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			w.logger.Debug("unparseable message", slog.String("error", err.Error()))
			continue
		}
		if msg.Type != "ticker" {
			continue
		}

		var tick WSTicker
		if err := json.Unmarshal(msg.Msg, &tick); err != nil {
			continue
		}
		at := time.Unix(tick.Ts, 0).UTC()
		if tick.Ts == 0 {
			at = time.Now().UTC()
		}
		w.handler(tick.Ticker, domain.Quote{
			YesBid: tick.YesBid,
			YesAsk: tick.YesAsk,
			NoBid:  100 - tick.YesAsk,
			NoAsk:  100 - tick.YesBid,
		}, at)
	}
}
