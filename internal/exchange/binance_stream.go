package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	jsoniter "github.com/json-iterator/go"

	"liqbot/pkg/crypto"
	"liqbot/pkg/utils"
)

const (
	binanceStreamURL        = "wss://fstream.binance.com"
	binanceStreamTestnetURL = "wss://stream.binancefuture.com"
)

// streamJSON различает регистр ключей: в событиях Binance "e"/"E", "s"/"S", "x"/"X" - разные поля
var streamJSON = jsoniter.Config{
	EscapeHTML:    false,
	CaseSensitive: true,
}.Froze()

// BinanceStream - поток пользовательских данных USDⓈ-M фьючерсов Binance.
// Listen key создаётся на каждое подключение и продлевается на отдельном таймере.
type BinanceStream struct {
	*streamBase
	client *futures.Client
	wsBase string
	log    *utils.Logger

	keyMu     sync.Mutex
	listenKey string
}

// NewBinanceStream создаёт поток пользовательских данных Binance
func NewBinanceStream(creds crypto.Credentials, opts Options) *BinanceStream {
	wsBase := binanceStreamURL
	if opts.Testnet {
		wsBase = binanceStreamTestnetURL
	}
	if opts.StreamURL != "" {
		wsBase = strings.TrimRight(opts.StreamURL, "/")
	}

	log := opts.logger("binance", "user-stream")
	s := &BinanceStream{
		client: newBinanceClient(creds, opts),
		wsBase: wsBase,
		log:    log,
	}

	manager := NewWSReconnectManager("binance-user", s.streamURL, opts.Stream, log)
	s.streamBase = newStreamBase(manager, opts.Stream.EventBuffer)

	manager.SetKeepAlive(s.keepAlive)
	manager.SetBanSource(opts.fetcher().BannedUntil)
	manager.SetOnMessage(s.handleMessage)
	return s
}

// streamURL создаёт listen key и возвращает адрес потока
func (s *BinanceStream) streamURL(ctx context.Context) (string, error) {
	key, err := s.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", binanceError(err))
	}
	s.keyMu.Lock()
	s.listenKey = key
	s.keyMu.Unlock()
	return s.wsBase + "/ws/" + key, nil
}

func (s *BinanceStream) currentKey() string {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	return s.listenKey
}

func (s *BinanceStream) keepAlive(ctx context.Context) error {
	key := s.currentKey()
	if key == "" {
		return ErrNotConnected
	}
	return binanceError(s.client.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx))
}

// Disconnect закрывает соединение и освобождает listen key
func (s *BinanceStream) Disconnect() error {
	err := s.streamBase.Disconnect()

	if key := s.currentKey(); key != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if cerr := s.client.NewCloseUserStreamService().ListenKey(key).Do(ctx); cerr != nil {
			s.log.Debug("failed to close listen key", utils.Err(cerr))
		}
		cancel()
		s.keyMu.Lock()
		s.listenKey = ""
		s.keyMu.Unlock()
	}
	return err
}

type binanceStreamEvent struct {
	Event string `json:"e"`
	Time  int64  `json:"E"`
}

type binanceAccountEvent struct {
	Account struct {
		Reason   string `json:"m"`
		Balances []struct {
			Asset         string `json:"a"`
			WalletBalance string `json:"wb"`
		} `json:"B"`
		Positions []struct {
			Symbol        string `json:"s"`
			Amount        string `json:"pa"`
			EntryPrice    string `json:"ep"`
			UnrealizedPNL string `json:"up"`
			PositionSide  string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

type binanceOrderEvent struct {
	Order struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Type          string `json:"o"`
		OrigType      string `json:"ot"`
		Quantity      string `json:"q"`
		Price         string `json:"p"`
		AvgPrice      string `json:"ap"`
		StopPrice     string `json:"sp"`
		ExecType      string `json:"x"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastQty       string `json:"l"`
		FilledQty     string `json:"z"`
		LastPrice     string `json:"L"`
		Commission    string `json:"n"`
		TradeTime     int64  `json:"T"`
		TradeID       int64  `json:"t"`
		ReduceOnly    bool   `json:"R"`
		PositionSide  string `json:"ps"`
		RealizedPNL   string `json:"rp"`
	} `json:"o"`
}

func (s *BinanceStream) handleMessage(data []byte) {
	var head binanceStreamEvent
	if err := streamJSON.Unmarshal(data, &head); err != nil {
		s.log.Warn("failed to parse stream message", utils.Err(err))
		return
	}

	var err error
	switch head.Event {
	case "ACCOUNT_UPDATE":
		err = s.handleAccount(data, time.UnixMilli(head.Time))
	case "ORDER_TRADE_UPDATE":
		err = s.handleOrder(data)
	case "listenKeyExpired":
		s.log.Warn("listen key expired, reconnecting")
		go func() {
			if rerr := s.Reconnect(); rerr != nil {
				s.log.Warn("reconnect after listen key expiry failed", utils.Err(rerr))
			}
		}()
	}
	if err != nil {
		s.log.Warn("failed to parse stream event", utils.String("event", head.Event), utils.Err(err))
	}
}

func (s *BinanceStream) handleAccount(data []byte, ts time.Time) error {
	var ev binanceAccountEvent
	if err := streamJSON.Unmarshal(data, &ev); err != nil {
		return err
	}

	update := &AccountUpdate{Reason: strings.ToLower(ev.Account.Reason), Time: ts}
	for _, b := range ev.Account.Balances {
		update.Balances = append(update.Balances, BalanceUpdate{
			Asset:         b.Asset,
			WalletBalance: parseFloat(b.WalletBalance),
		})
	}
	for _, p := range ev.Account.Positions {
		amt := parseFloat(p.Amount)
		side := strings.ToLower(p.PositionSide)
		if side != SideLong && side != SideShort {
			side = SideLong
			if amt < 0 {
				side = SideShort
			}
		}
		if amt < 0 {
			amt = -amt
		}
		update.Positions = append(update.Positions, PositionUpdate{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          amt,
			EntryPrice:    parseFloat(p.EntryPrice),
			UnrealizedPNL: parseFloat(p.UnrealizedPNL),
		})
	}
	s.push(streamEvent{account: update})
	return nil
}

func (s *BinanceStream) handleOrder(data []byte) error {
	var ev binanceOrderEvent
	if err := streamJSON.Unmarshal(data, &ev); err != nil {
		return err
	}
	o := ev.Order

	side := strings.ToLower(o.Side)
	posSide := strings.ToLower(o.PositionSide)
	if posSide != SideLong && posSide != SideShort {
		posSide = positionSideFromFlow(side, o.ReduceOnly)
	}
	orderID := strconv.FormatInt(o.OrderID, 10)
	ts := time.UnixMilli(o.TradeTime)
	closing := o.ReduceOnly || ExitOrderSide(posSide) == side

	typ := o.OrigType
	if typ == "" {
		typ = o.Type
	}

	s.push(streamEvent{order: &OrderUpdate{
		Symbol:        o.Symbol,
		OrderID:       orderID,
		ClientOrderID: o.ClientOrderID,
		Side:          side,
		PositionSide:  posSide,
		Type:          binanceOrderType(typ),
		Status:        binanceOrderStatus(o.Status),
		Quantity:      parseFloat(o.Quantity),
		FilledQty:     parseFloat(o.FilledQty),
		AvgPrice:      parseFloat(o.AvgPrice),
		StopPrice:     parseFloat(o.StopPrice),
		ReduceOnly:    o.ReduceOnly,
		Time:          ts,
	}})

	if o.ExecType == "TRADE" {
		s.push(streamEvent{trade: &TradeUpdate{
			TradeID:       strconv.FormatInt(o.TradeID, 10),
			OrderID:       orderID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          side,
			PositionSide:  posSide,
			Price:         parseFloat(o.LastPrice),
			Quantity:      parseFloat(o.LastQty),
			Fee:           parseFloat(o.Commission),
			RealizedPNL:   parseFloat(o.RealizedPNL),
			ReduceOnly:    closing,
			Time:          ts,
		}})
	}
	return nil
}
