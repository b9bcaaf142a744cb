package exchange

import (
	"context"
	"fmt"
	"strconv"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/events"
)

// BinanceConfig contains credentials and environment selection.
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
}

// BinanceClient implements Client against the Binance REST API.
type BinanceClient struct {
	client *binance.Client
	log    zerolog.Logger
}

// NewBinanceClient creates a Binance-backed exchange client.
func NewBinanceClient(config BinanceConfig, logger zerolog.Logger) *BinanceClient {
	if config.Testnet {
		binance.UseTestnet = true
	}
	l := logger.With().Str("component", "exchange").Bool("testnet", config.Testnet).Logger()
	if config.Testnet {
		l.Info().Msg("Binance exchange client initialized (TESTNET mode)")
	} else {
		l.Warn().Msg("Binance exchange client initialized (LIVE TRADING mode)")
	}
	return &BinanceClient{
		client: binance.NewClient(config.APIKey, config.SecretKey),
		log:    l,
	}
}

// PlaceOrder submits an order under the given client order id.
func (b *BinanceClient) PlaceOrder(ctx context.Context, o *events.Order, clientOrderID string) error {
	side := binance.SideTypeBuy
	if o.Side == events.OrderSideSell {
		side = binance.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(o.Symbol).
		Side(side).
		NewClientOrderID(clientOrderID).
		Quantity(fmt.Sprintf("%.8f", o.Quantity))

	if o.Type == events.OrderTypeLimit {
		svc = svc.
			Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(fmt.Sprintf("%.8f", o.Price))
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to place order: %w", err)
	}
	b.log.Info().
		Str("symbol", o.Symbol).
		Str("client_order_id", clientOrderID).
		Int64("exchange_order_id", resp.OrderID).
		Str("status", string(resp.Status)).
		Msg("Order placed")
	return nil
}

// CancelOrder cancels a previously placed order by client order id.
func (b *BinanceClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	_, err := b.client.NewCancelOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", clientOrderID, err)
	}
	return nil
}

// QueryOrder fetches the remote state of an order by client order id.
func (b *BinanceClient) QueryOrder(ctx context.Context, symbol, clientOrderID string) (OrderResult, error) {
	remote, err := b.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return OrderResult{}, fmt.Errorf("failed to query order %s: %w", clientOrderID, err)
	}

	executed, _ := strconv.ParseFloat(remote.ExecutedQuantity, 64)
	quote, _ := strconv.ParseFloat(remote.CummulativeQuoteQuantity, 64)

	result := OrderResult{
		Status:      mapStatus(remote.Status),
		ExecutedQty: executed,
	}
	if executed > 0 {
		result.FillPrice = quote / executed
	}
	return result, nil
}

func mapStatus(status binance.OrderStatusType) events.OrderStatus {
	switch status {
	case binance.OrderStatusTypeNew:
		return events.OrderPending
	case binance.OrderStatusTypePartiallyFilled:
		return events.OrderPartial
	case binance.OrderStatusTypeFilled:
		return events.OrderFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypePendingCancel:
		return events.OrderCancelled
	case binance.OrderStatusTypeRejected:
		return events.OrderRejected
	case binance.OrderStatusTypeExpired:
		return events.OrderExpired
	default:
		return events.OrderPending
	}
}
