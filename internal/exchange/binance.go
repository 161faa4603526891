package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"arbiter/internal/config"
	"arbiter/internal/model"
)

const (
	binanceRESTHost = "https://api.binance.com"
	binanceWSHost   = "wss://stream.binance.com:9443"
)

// BinanceClient implements the Client interface for Binance.
type BinanceClient struct {
	logger *slog.Logger
	cfg    config.ExchangeConfig
	http   *http.Client
}

// NewBinanceClient creates a new BinanceClient.
func NewBinanceClient(logger *slog.Logger, cfg config.ExchangeConfig) *BinanceClient {
	return &BinanceClient{
		logger: logger.With(slog.String("venue", "binance")),
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *BinanceClient) Name() string {
	return "binance"
}

// Init checks REST connectivity.
func (b *BinanceClient) Init(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, binanceRESTHost+"/api/v3/ping", nil)
	if err != nil {
		return err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("binance: ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("binance: ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func binanceSymbol(pair model.TradingPair) string {
	return pair.Base + pair.Quote
}

// binanceDepth is the REST depth and ws depth-stream payload shape.
type binanceDepth struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
}

func parseBinanceLevels(raw [][2]string) ([]model.PriceLevel, error) {
	levels := make([]model.PriceLevel, 0, len(raw))
	for _, lv := range raw {
		price, err := decimal.NewFromString(lv[0])
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", lv[0], err)
		}
		qty, err := decimal.NewFromString(lv[1])
		if err != nil {
			return nil, fmt.Errorf("parse quantity %q: %w", lv[1], err)
		}
		levels = append(levels, model.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// GetOrderBook fetches a depth snapshot. Binance returns bids sorted
// descending and asks ascending, matching the store's invariant.
func (b *BinanceClient) GetOrderBook(ctx context.Context, pair model.TradingPair, depth int) (model.OrderBook, bool, error) {
	endpoint := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d", binanceRESTHost, binanceSymbol(pair), depth)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.OrderBook{}, false, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return model.OrderBook{}, false, fmt.Errorf("binance: depth: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusBadRequest {
		// Unknown symbol: no data, not a failure.
		return model.OrderBook{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return model.OrderBook{}, false, fmt.Errorf("binance: depth: unexpected status %d", resp.StatusCode)
	}
	var body binanceDepth
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.OrderBook{}, false, fmt.Errorf("binance: depth: %w", err)
	}
	bids, err := parseBinanceLevels(body.Bids)
	if err != nil {
		return model.OrderBook{}, false, fmt.Errorf("binance: depth: %w", err)
	}
	asks, err := parseBinanceLevels(body.Asks)
	if err != nil {
		return model.OrderBook{}, false, fmt.Errorf("binance: depth: %w", err)
	}
	return model.OrderBook{
		Venue:      "binance",
		Pair:       pair,
		Bids:       bids,
		Asks:       asks,
		ObservedAt: time.Now(),
	}, true, nil
}

// StreamOrderBooks connects to the combined depth stream and pushes
// full-book updates until ctx is cancelled, reconnecting with backoff.
func (b *BinanceClient) StreamOrderBooks(ctx context.Context, pairs []model.TradingPair, updates chan<- model.BookUpdate) error {
	streams := make([]string, 0, len(pairs))
	bySymbol := make(map[string]model.TradingPair, len(pairs))
	for _, pair := range pairs {
		symbol := strings.ToLower(binanceSymbol(pair))
		streams = append(streams, symbol+"@depth20@100ms")
		bySymbol[symbol] = pair
	}
	wsURL := binanceWSHost + "/stream?streams=" + strings.Join(streams, "/")

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("stream shutting down")
			return nil
		default:
		}

		b.logger.Info("connecting to depth stream", slog.String("url", wsURL))
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			b.logger.Error("websocket connection failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				backoff *= 2
				if backoff > 16*time.Second {
					backoff = 16 * time.Second
				}
			}
			continue
		}
		backoff = time.Second

		b.readStream(ctx, conn, bySymbol, updates)
		conn.Close()
	}
}

func (b *BinanceClient) readStream(ctx context.Context, conn *websocket.Conn, bySymbol map[string]model.TradingPair, updates chan<- model.BookUpdate) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Error("failed to read message", slog.String("error", err.Error()))
			}
			return
		}
		var envelope struct {
			Stream string       `json:"stream"`
			Data   binanceDepth `json:"data"`
		}
		if err := json.Unmarshal(message, &envelope); err != nil {
			b.logger.Warn("failed to parse message", slog.String("error", err.Error()))
			continue
		}
		symbol, _, _ := strings.Cut(envelope.Stream, "@")
		pair, ok := bySymbol[symbol]
		if !ok {
			continue
		}
		bids, err := parseBinanceLevels(envelope.Data.Bids)
		if err != nil {
			b.logger.Warn("failed to parse bids", slog.String("error", err.Error()))
			continue
		}
		asks, err := parseBinanceLevels(envelope.Data.Asks)
		if err != nil {
			b.logger.Warn("failed to parse asks", slog.String("error", err.Error()))
			continue
		}
		update := model.BookUpdate{
			Venue: "binance",
			Book: model.OrderBook{
				Venue:      "binance",
				Pair:       pair,
				Bids:       bids,
				Asks:       asks,
				ObservedAt: time.Now(),
			},
		}
		select {
		case updates <- update:
		case <-ctx.Done():
			return
		}
	}
}

// signedRequest performs an authenticated call; Binance signs the query
// string with HMAC-SHA256 of the API secret.
func (b *BinanceClient) signedRequest(ctx context.Context, method, path string, params url.Values, out any) error {
	if b.cfg.APIKey == "" || b.cfg.APISecret == "" {
		return fmt.Errorf("binance: API credentials not configured")
	}
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	mac := hmac.New(sha256.New, []byte(b.cfg.APISecret))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	req, err := http.NewRequestWithContext(ctx, method, binanceRESTHost+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", b.cfg.APIKey)
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("binance: %s %s: status %d: %s", method, path, resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}

type binanceOrderResponse struct {
	ExecutedQty        string `json:"executedQty"`
	CumulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

func (r binanceOrderResponse) toResult() (model.MarketOrderResult, error) {
	qty, err := decimal.NewFromString(r.ExecutedQty)
	if err != nil {
		return model.MarketOrderResult{}, fmt.Errorf("parse executedQty: %w", err)
	}
	quote, err := decimal.NewFromString(r.CumulativeQuoteQty)
	if err != nil {
		return model.MarketOrderResult{}, fmt.Errorf("parse cummulativeQuoteQty: %w", err)
	}
	if qty.Sign() <= 0 {
		return model.MarketOrderResult{}, fmt.Errorf("order executed nothing")
	}
	return model.MarketOrderResult{
		ExecutedQty: qty,
		AvgPrice:    quote.Div(qty),
	}, nil
}

// MarketBuy spends quoteAmount of quote currency at market.
func (b *BinanceClient) MarketBuy(ctx context.Context, pair model.TradingPair, quoteAmount decimal.Decimal) (model.MarketOrderResult, error) {
	params := url.Values{}
	params.Set("symbol", binanceSymbol(pair))
	params.Set("side", "BUY")
	params.Set("type", "MARKET")
	params.Set("quoteOrderQty", quoteAmount.String())
	var resp binanceOrderResponse
	if err := b.signedRequest(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return model.MarketOrderResult{}, fmt.Errorf("binance: market buy: %w", err)
	}
	return resp.toResult()
}

// MarketSell sells baseAmount of the base asset at market.
func (b *BinanceClient) MarketSell(ctx context.Context, pair model.TradingPair, baseAmount decimal.Decimal) (model.MarketOrderResult, error) {
	params := url.Values{}
	params.Set("symbol", binanceSymbol(pair))
	params.Set("side", "SELL")
	params.Set("type", "MARKET")
	params.Set("quantity", baseAmount.String())
	var resp binanceOrderResponse
	if err := b.signedRequest(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return model.MarketOrderResult{}, fmt.Errorf("binance: market sell: %w", err)
	}
	return resp.toResult()
}

// GetBalances returns free and locked amounts for every asset with a
// non-zero balance.
func (b *BinanceClient) GetBalances(ctx context.Context) (map[string]model.Balance, error) {
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := b.signedRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &resp); err != nil {
		return nil, fmt.Errorf("binance: balances: %w", err)
	}
	out := make(map[string]model.Balance, len(resp.Balances))
	for _, bal := range resp.Balances {
		free, err := decimal.NewFromString(bal.Free)
		if err != nil {
			continue
		}
		locked, err := decimal.NewFromString(bal.Locked)
		if err != nil {
			continue
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out[bal.Asset] = model.Balance{Available: free, OnOrder: locked}
	}
	return out, nil
}

func (b *BinanceClient) Close() error {
	return nil
}
