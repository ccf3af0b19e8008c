// Package brokerage wraps the Alpaca trading and market-data REST APIs in
// the handful of synchronous calls the engine needs. Failure semantics
// follow one rule: a brokerage error never crashes the caller — operations
// degrade to nil/false returns with a logged warning.
package brokerage

import (
	"errors"
	"fmt"
	"log"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ladder_trading/internal/config"
	"ladder_trading/internal/ladder"
	"ladder_trading/internal/metrics"
)

const (
	paperBaseURL = "https://paper-api.alpaca.markets"
	liveBaseURL  = "https://api.alpaca.markets"
)

// Client is the synchronous brokerage surface.
type Client struct {
	trading *alpaca.Client
	data    *marketdata.Client
	mode    string
}

// New builds a client from the mode-specific credentials in cfg.
func New(cfg *config.Config) *Client {
	baseURL := paperBaseURL
	if cfg.Mode == config.Live {
		baseURL = liveBaseURL
	}
	return &Client{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.AlpacaKeyID,
			APISecret: cfg.AlpacaSecretKey,
			BaseURL:   baseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.AlpacaKeyID,
			APISecret: cfg.AlpacaSecretKey,
		}),
		mode: string(cfg.Mode),
	}
}

// ValidateAccount confirms the account is usable before any trading starts.
func (c *Client) ValidateAccount() error {
	acct, err := c.trading.GetAccount()
	if err != nil {
		return fmt.Errorf("could not fetch account: %w", err)
	}
	if acct.Status != "ACTIVE" {
		return fmt.Errorf("account status is %q, expected ACTIVE", acct.Status)
	}
	if acct.TradingBlocked || acct.AccountBlocked {
		return errors.New("account is blocked from trading")
	}
	return nil
}

// GetSharesCount returns the brokerage-held quantity for the ticker. No open
// position reads as zero.
func (c *Client) GetSharesCount(ticker string) (decimal.Decimal, error) {
	pos, err := c.trading.GetPosition(ticker)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return pos.Qty, nil
}

// GetCurrentPrice returns the last trade price for the ticker.
func (c *Client) GetCurrentPrice(ticker string) (decimal.Decimal, error) {
	trade, err := c.data.GetLatestTrade(ticker, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return decimal.Zero, err
	}
	if trade == nil {
		return decimal.Zero, errors.New("no trade data for " + ticker)
	}
	return decimal.NewFromFloat(trade.Price), nil
}

// GetOrderByID fetches and converts one order.
func (c *Client) GetOrderByID(id string) (*Order, error) {
	o, err := c.trading.GetOrder(id)
	if err != nil {
		return nil, err
	}
	order := fromAlpacaOrder(o)
	return &order, nil
}

// CancelOrder submits a cancel unless the order is already terminal. Returns
// true only when the cancel was actually submitted; a false return means the
// caller should schedule a manual reconciliation.
func (c *Client) CancelOrder(id string) bool {
	order, err := c.GetOrderByID(id)
	if err != nil {
		log.Printf("Warning: could not fetch order %s before cancel: %v", id, err)
		return false
	}
	if order.Status == StatusFilled || order.Status == StatusCanceled {
		log.Printf("Order %s is already %s, skipping cancel", id, order.Status)
		return false
	}
	if err := c.trading.CancelOrder(id); err != nil {
		log.Printf("Warning: cancel of order %s failed: %v", id, err)
		return false
	}
	return true
}

// PlaceOrder submits an order for the ticker. Whole-share quantities go out
// as day limit orders with extended-hours eligibility. Fractional quantities
// must be market orders at the brokerage, so they are placed only when the
// current price is on the favourable side of the intended limit. Returns nil
// on any failure or decline.
func (c *Client) PlaceOrder(ticker string, side ladder.Side, limitPrice, qty decimal.Decimal) *Order {
	if !qty.IsPositive() {
		log.Printf("Warning: refusing to place %s order for non-positive qty %s", side, qty)
		return nil
	}

	req := alpaca.PlaceOrderRequest{
		Symbol:      ticker,
		Qty:         &qty,
		Side:        alpaca.Side(side),
		TimeInForce: alpaca.Day,
		// Our own id, so a placement whose response is lost can still be
		// found again.
		ClientOrderID: uuid.NewString(),
	}

	fractional := !qty.Equal(qty.Truncate(0))
	if fractional {
		current, err := c.GetCurrentPrice(ticker)
		if err != nil {
			log.Printf("Warning: could not price-check fractional %s order: %v", side, err)
			return nil
		}
		favourable := (side == ladder.SideBuy && current.LessThan(limitPrice)) ||
			(side == ladder.SideSell && current.GreaterThan(limitPrice))
		if !favourable {
			log.Printf("Declining fractional %s of %s: current %s is not favourable to limit %s",
				side, ticker, current, limitPrice)
			return nil
		}
		req.Type = alpaca.Market
	} else {
		req.Type = alpaca.Limit
		req.LimitPrice = &limitPrice
		req.ExtendedHours = true
	}

	o, err := c.trading.PlaceOrder(req)
	if err != nil {
		log.Printf("Warning: %s order for %s x %s failed: %v", side, ticker, qty, err)
		return nil
	}

	order := fromAlpacaOrder(o)
	if !placementAccepted(order.Status, side) {
		log.Printf("Warning: %s order %s returned unexpected status %q, treating as failure",
			side, order.ID, order.Status)
		return nil
	}
	metrics.OrdersPlaced.WithLabelValues(c.mode, string(side)).Inc()
	return &order
}

func placementAccepted(status string, side ladder.Side) bool {
	switch status {
	case StatusAccepted, StatusNew, StatusPendingNew:
		return true
	case StatusPartiallyFilled:
		return side == ladder.SideSell
	}
	return false
}
