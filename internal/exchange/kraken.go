package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"arbiter/internal/config"
	"arbiter/internal/model"
)

const (
	krakenRESTHost = "https://api.kraken.com"
	krakenWSHost   = "wss://ws.kraken.com"
)

// KrakenClient implements the Client interface for Kraken.
type KrakenClient struct {
	logger *slog.Logger
	cfg    config.ExchangeConfig
	http   *http.Client
}

// NewKrakenClient creates a new KrakenClient.
func NewKrakenClient(logger *slog.Logger, cfg config.ExchangeConfig) *KrakenClient {
	return &KrakenClient{
		logger: logger.With(slog.String("venue", "kraken")),
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (k *KrakenClient) Name() string {
	return "kraken"
}

// krakenAsset maps common symbols to Kraken's naming.
func krakenAsset(symbol string) string {
	if symbol == "BTC" {
		return "XBT"
	}
	return symbol
}

func krakenPair(pair model.TradingPair) string {
	return krakenAsset(pair.Base) + pair.Quote
}

func krakenWSPair(pair model.TradingPair) string {
	return krakenAsset(pair.Base) + "/" + pair.Quote
}

// Init checks the venue's system status.
func (k *KrakenClient) Init(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, krakenRESTHost+"/0/public/SystemStatus", nil)
	if err != nil {
		return err
	}
	resp, err := k.http.Do(req)
	if err != nil {
		return fmt.Errorf("kraken: system status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kraken: system status: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func parseKrakenLevels(raw [][]json.RawMessage) ([]model.PriceLevel, error) {
	levels := make([]model.PriceLevel, 0, len(raw))
	for _, lv := range raw {
		if len(lv) < 2 {
			continue
		}
		var priceStr, qtyStr string
		if err := json.Unmarshal(lv[0], &priceStr); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(lv[1], &qtyStr); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", priceStr, err)
		}
		qty, err := decimal.NewFromString(qtyStr)
		if err != nil {
			return nil, fmt.Errorf("parse quantity %q: %w", qtyStr, err)
		}
		levels = append(levels, model.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// GetOrderBook fetches a depth snapshot. Kraken returns bids descending
// and asks ascending, matching the store's invariant.
func (k *KrakenClient) GetOrderBook(ctx context.Context, pair model.TradingPair, depth int) (model.OrderBook, bool, error) {
	endpoint := fmt.Sprintf("%s/0/public/Depth?pair=%s&count=%d", krakenRESTHost, krakenPair(pair), depth)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.OrderBook{}, false, err
	}
	resp, err := k.http.Do(req)
	if err != nil {
		return model.OrderBook{}, false, fmt.Errorf("kraken: depth: %w", err)
	}
	defer resp.Body.Close()
	var body struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			Bids [][]json.RawMessage `json:"bids"`
			Asks [][]json.RawMessage `json:"asks"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.OrderBook{}, false, fmt.Errorf("kraken: depth: %w", err)
	}
	if len(body.Error) > 0 {
		// Unknown pair is absence, not failure.
		return model.OrderBook{}, false, nil
	}
	for _, book := range body.Result {
		bids, err := parseKrakenLevels(book.Bids)
		if err != nil {
			return model.OrderBook{}, false, fmt.Errorf("kraken: depth: %w", err)
		}
		asks, err := parseKrakenLevels(book.Asks)
		if err != nil {
			return model.OrderBook{}, false, fmt.Errorf("kraken: depth: %w", err)
		}
		return model.OrderBook{
			Venue:      "kraken",
			Pair:       pair,
			Bids:       bids,
			Asks:       asks,
			ObservedAt: time.Now(),
		}, true, nil
	}
	return model.OrderBook{}, false, nil
}

// krakenBook maintains one pair's book from the ws snapshot plus
// incremental level updates.
type krakenBook struct {
	pair model.TradingPair
	bids map[string]model.PriceLevel
	asks map[string]model.PriceLevel
}

func newKrakenBook(pair model.TradingPair) *krakenBook {
	return &krakenBook{
		pair: pair,
		bids: make(map[string]model.PriceLevel),
		asks: make(map[string]model.PriceLevel),
	}
}

func (b *krakenBook) applySide(side map[string]model.PriceLevel, levels []model.PriceLevel, snapshot bool) {
	if snapshot {
		for key := range side {
			delete(side, key)
		}
	}
	for _, lv := range levels {
		key := lv.Price.String()
		if lv.Quantity.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = lv
	}
}

func (b *krakenBook) snapshot() model.OrderBook {
	bids := make([]model.PriceLevel, 0, len(b.bids))
	for _, lv := range b.bids {
		bids = append(bids, lv)
	}
	asks := make([]model.PriceLevel, 0, len(b.asks))
	for _, lv := range b.asks {
		asks = append(asks, lv)
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
	return model.OrderBook{
		Venue:      "kraken",
		Pair:       b.pair,
		Bids:       bids,
		Asks:       asks,
		ObservedAt: time.Now(),
	}
}

// StreamOrderBooks subscribes to the book channel for every pair and
// pushes rebuilt snapshots on each change, reconnecting with backoff.
func (k *KrakenClient) StreamOrderBooks(ctx context.Context, pairs []model.TradingPair, updates chan<- model.BookUpdate) error {
	books := make(map[string]*krakenBook, len(pairs))
	wsPairs := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		name := krakenWSPair(pair)
		books[name] = newKrakenBook(pair)
		wsPairs = append(wsPairs, name)
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("stream shutting down")
			return nil
		default:
		}

		k.logger.Info("connecting to book stream", slog.String("url", krakenWSHost))
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, krakenWSHost, nil)
		if err != nil {
			k.logger.Error("websocket connection failed", slog.String("error", err.Error()))
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

		subscription := map[string]any{
			"event": "subscribe",
			"pair":  wsPairs,
			"subscription": map[string]any{
				"name":  "book",
				"depth": 25,
			},
		}
		if err := conn.WriteJSON(subscription); err != nil {
			k.logger.Error("failed to send subscription", slog.String("error", err.Error()))
			conn.Close()
			continue
		}

		k.readStream(ctx, conn, books, updates)
		conn.Close()
	}
}

func (k *KrakenClient) readStream(ctx context.Context, conn *websocket.Conn, books map[string]*krakenBook, updates chan<- model.BookUpdate) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				k.logger.Error("failed to read message", slog.String("error", err.Error()))
			}
			return
		}

		// Events arrive as JSON objects, book data as arrays:
		// [channelID, payload, ..., channelName, pair]
		if len(message) == 0 || message[0] != '[' {
			var event struct {
				Event  string `json:"event"`
				Status string `json:"status"`
			}
			if err := json.Unmarshal(message, &event); err == nil && event.Event == "subscriptionStatus" {
				k.logger.Info("subscription status", slog.String("status", event.Status))
			}
			continue
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(message, &frame); err != nil || len(frame) < 4 {
			continue
		}
		var pairName string
		if err := json.Unmarshal(frame[len(frame)-1], &pairName); err != nil {
			continue
		}
		book, ok := books[pairName]
		if !ok {
			continue
		}

		changed := false
		for _, raw := range frame[1 : len(frame)-2] {
			var payload struct {
				As [][]json.RawMessage `json:"as"`
				Bs [][]json.RawMessage `json:"bs"`
				A  [][]json.RawMessage `json:"a"`
				B  [][]json.RawMessage `json:"b"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				continue
			}
			if len(payload.As) > 0 || len(payload.Bs) > 0 {
				asks, err := parseKrakenLevels(payload.As)
				if err != nil {
					k.logger.Warn("failed to parse snapshot asks", slog.String("error", err.Error()))
					continue
				}
				bids, err := parseKrakenLevels(payload.Bs)
				if err != nil {
					k.logger.Warn("failed to parse snapshot bids", slog.String("error", err.Error()))
					continue
				}
				book.applySide(book.asks, asks, true)
				book.applySide(book.bids, bids, true)
				changed = true
			}
			if len(payload.A) > 0 {
				asks, err := parseKrakenLevels(payload.A)
				if err != nil {
					k.logger.Warn("failed to parse ask update", slog.String("error", err.Error()))
					continue
				}
				book.applySide(book.asks, asks, false)
				changed = true
			}
			if len(payload.B) > 0 {
				bids, err := parseKrakenLevels(payload.B)
				if err != nil {
					k.logger.Warn("failed to parse bid update", slog.String("error", err.Error()))
					continue
				}
				book.applySide(book.bids, bids, false)
				changed = true
			}
		}
		if !changed {
			continue
		}

		select {
		case updates <- model.BookUpdate{Venue: "kraken", Book: book.snapshot()}:
		case <-ctx.Done():
			return
		}
	}
}

// privateRequest performs an authenticated call. Kraken signs
// path + SHA256(nonce + postdata) with HMAC-SHA512 of the decoded
// secret.
func (k *KrakenClient) privateRequest(ctx context.Context, path string, params url.Values, out any) error {
	if k.cfg.APIKey == "" || k.cfg.APISecret == "" {
		return fmt.Errorf("kraken: API credentials not configured")
	}
	secret, err := base64.StdEncoding.DecodeString(k.cfg.APISecret)
	if err != nil {
		return fmt.Errorf("kraken: decode secret: %w", err)
	}
	nonce := strconv.FormatInt(time.Now().UnixNano(), 10)
	params.Set("nonce", nonce)
	postData := params.Encode()

	inner := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, krakenRESTHost+path, strings.NewReader(postData))
	if err != nil {
		return err
	}
	req.Header.Set("API-Key", k.cfg.APIKey)
	req.Header.Set("API-Sign", signature)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := k.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var envelope struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("kraken: %s: %w", path, err)
	}
	if len(envelope.Error) > 0 {
		return fmt.Errorf("kraken: %s: %v", path, envelope.Error)
	}
	return json.Unmarshal(envelope.Result, out)
}

// addOrder places a market order and returns the venue-reported fill
// from QueryOrders.
func (k *KrakenClient) addOrder(ctx context.Context, pair model.TradingPair, side, volume string, viqc bool) (model.MarketOrderResult, error) {
	params := url.Values{}
	params.Set("pair", krakenPair(pair))
	params.Set("type", side)
	params.Set("ordertype", "market")
	params.Set("volume", volume)
	if viqc {
		params.Set("oflags", "viqc")
	}
	var placed struct {
		Txid []string `json:"txid"`
	}
	if err := k.privateRequest(ctx, "/0/private/AddOrder", params, &placed); err != nil {
		return model.MarketOrderResult{}, err
	}
	if len(placed.Txid) == 0 {
		return model.MarketOrderResult{}, fmt.Errorf("kraken: add order returned no txid")
	}

	query := url.Values{}
	query.Set("txid", placed.Txid[0])
	var orders map[string]struct {
		VolExec string `json:"vol_exec"`
		Price   string `json:"price"`
	}
	if err := k.privateRequest(ctx, "/0/private/QueryOrders", query, &orders); err != nil {
		return model.MarketOrderResult{}, err
	}
	order, ok := orders[placed.Txid[0]]
	if !ok {
		return model.MarketOrderResult{}, fmt.Errorf("kraken: order %s not found after placement", placed.Txid[0])
	}
	qty, err := decimal.NewFromString(order.VolExec)
	if err != nil {
		return model.MarketOrderResult{}, fmt.Errorf("kraken: parse vol_exec: %w", err)
	}
	price, err := decimal.NewFromString(order.Price)
	if err != nil {
		return model.MarketOrderResult{}, fmt.Errorf("kraken: parse price: %w", err)
	}
	if qty.Sign() <= 0 {
		return model.MarketOrderResult{}, fmt.Errorf("kraken: order executed nothing")
	}
	return model.MarketOrderResult{ExecutedQty: qty, AvgPrice: price}, nil
}

// MarketBuy spends quoteAmount of quote currency at market (volume in
// quote currency via the viqc flag).
func (k *KrakenClient) MarketBuy(ctx context.Context, pair model.TradingPair, quoteAmount decimal.Decimal) (model.MarketOrderResult, error) {
	res, err := k.addOrder(ctx, pair, "buy", quoteAmount.String(), true)
	if err != nil {
		return model.MarketOrderResult{}, fmt.Errorf("kraken: market buy: %w", err)
	}
	return res, nil
}

// MarketSell sells baseAmount of the base asset at market.
func (k *KrakenClient) MarketSell(ctx context.Context, pair model.TradingPair, baseAmount decimal.Decimal) (model.MarketOrderResult, error) {
	res, err := k.addOrder(ctx, pair, "sell", baseAmount.String(), false)
	if err != nil {
		return model.MarketOrderResult{}, fmt.Errorf("kraken: market sell: %w", err)
	}
	return res, nil
}

// GetBalances returns the account balance per asset. Kraken reports a
// single figure per asset; it is exposed as available.
func (k *KrakenClient) GetBalances(ctx context.Context) (map[string]model.Balance, error) {
	var raw map[string]string
	if err := k.privateRequest(ctx, "/0/private/Balance", url.Values{}, &raw); err != nil {
		return nil, fmt.Errorf("kraken: balances: %w", err)
	}
	out := make(map[string]model.Balance, len(raw))
	for asset, amountStr := range raw {
		amount, err := decimal.NewFromString(amountStr)
		if err != nil || amount.IsZero() {
			continue
		}
		out[asset] = model.Balance{Available: amount}
	}
	return out, nil
}

func (k *KrakenClient) Close() error {
	return nil
}
