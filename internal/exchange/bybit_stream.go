package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"liqbot/pkg/crypto"
	"liqbot/pkg/utils"
)

const (
	bybitStreamURL        = "wss://stream.bybit.com/v5/private"
	bybitStreamTestnetURL = "wss://stream-testnet.bybit.com/v5/private"

	// Bybit закрывает приватное соединение без прикладного ping
	bybitPingInterval = 20 * time.Second
)

var bybitTopics = []string{"order", "execution", "position", "wallet"}

// BybitStream - приватный поток Bybit v5: ордера, исполнения, позиции, баланс
type BybitStream struct {
	*streamBase
	apiKey    string
	secretKey string
	log       *utils.Logger
	now       func() time.Time
}

// NewBybitStream создаёт приватный поток Bybit
func NewBybitStream(creds crypto.Credentials, opts Options) *BybitStream {
	u := bybitStreamURL
	if opts.Testnet {
		u = bybitStreamTestnetURL
	}
	if opts.StreamURL != "" {
		u = opts.StreamURL
	}

	cfg := opts.Stream
	cfg.KeepAliveInterval = bybitPingInterval

	log := opts.logger("bybit", "user-stream")
	manager := NewWSReconnectManager("bybit-private", StaticURL(u), cfg, log)

	s := &BybitStream{
		streamBase: newStreamBase(manager, cfg.EventBuffer),
		apiKey:     creds.APIKey,
		secretKey:  creds.SecretKey,
		log:        log,
		now:        time.Now,
	}

	manager.SetAuthFunc(s.authenticate)
	manager.SetKeepAlive(s.ping)
	manager.SetBanSource(opts.fetcher().BannedUntil)
	manager.SetOnMessage(s.handleMessage)
	manager.AddSubscription(map[string]interface{}{
		"op":   "subscribe",
		"args": bybitTopics,
	})
	return s
}

// authSignature - подпись "GET/realtime{expires}"
func (s *BybitStream) authSignature(expires int64) string {
	h := hmac.New(sha256.New, []byte(s.secretKey))
	h.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *BybitStream) authenticate(conn *websocket.Conn) error {
	expires := s.now().Add(10 * time.Second).UnixMilli()
	msg := map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{s.apiKey, expires, s.authSignature(expires)},
	}
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var resp struct {
			Op      string `json:"op"`
			Success bool   `json:"success"`
			RetMsg  string `json:"ret_msg"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return err
		}
		if resp.Op != "auth" {
			continue
		}
		if !resp.Success {
			return fmt.Errorf("%w: %s", ErrAuth, resp.RetMsg)
		}
		return nil
	}
}

func (s *BybitStream) ping(context.Context) error {
	return s.manager.Send(map[string]string{"op": "ping"})
}

type bybitStreamMessage struct {
	Op           string              `json:"op"`
	Success      *bool               `json:"success"`
	RetMsg       string              `json:"ret_msg"`
	Topic        string              `json:"topic"`
	CreationTime int64               `json:"creationTime"`
	Data         jsoniter.RawMessage `json:"data"`
}

type bybitStreamExecution struct {
	Symbol      string `json:"symbol"`
	ExecID      string `json:"execId"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Side        string `json:"side"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecFee     string `json:"execFee"`
	ExecPnl     string `json:"execPnl"`
	ExecType    string `json:"execType"`
	ClosedSize  string `json:"closedSize"`
	ExecTime    string `json:"execTime"`
}

type bybitStreamPosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	EntryPrice    string `json:"entryPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	PositionIdx   int    `json:"positionIdx"`
}

type bybitStreamWallet struct {
	Coin []struct {
		Coin          string `json:"coin"`
		WalletBalance string `json:"walletBalance"`
	} `json:"coin"`
}

func (s *BybitStream) handleMessage(data []byte) {
	var msg bybitStreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("failed to parse stream message", utils.Err(err))
		return
	}

	if msg.Op != "" {
		if msg.Op == "subscribe" && msg.Success != nil && !*msg.Success {
			s.notifyError(fmt.Errorf("bybit subscribe failed: %s", msg.RetMsg))
		}
		return
	}

	ts := time.UnixMilli(msg.CreationTime)
	var err error
	switch msg.Topic {
	case "order":
		err = s.handleOrders(msg.Data)
	case "execution":
		err = s.handleExecutions(msg.Data)
	case "position":
		err = s.handlePositions(msg.Data, ts)
	case "wallet":
		err = s.handleWallet(msg.Data, ts)
	}
	if err != nil {
		s.log.Warn("failed to parse stream event", utils.String("topic", msg.Topic), utils.Err(err))
	}
}

func (s *BybitStream) handleOrders(data []byte) error {
	var orders []bybitOrder
	if err := json.Unmarshal(data, &orders); err != nil {
		return err
	}
	for i := range orders {
		o := orders[i].normalize()
		s.push(streamEvent{order: &OrderUpdate{
			Symbol:        o.Symbol,
			OrderID:       o.ID,
			ClientOrderID: o.ClientOrderID,
			Side:          o.Side,
			PositionSide:  o.PositionSide,
			Type:          o.Type,
			Status:        o.Status,
			Quantity:      o.Quantity,
			FilledQty:     o.FilledQty,
			AvgPrice:      o.AvgFillPrice,
			StopPrice:     o.StopPrice,
			ReduceOnly:    o.ReduceOnly,
			Time:          o.UpdatedAt,
		}})
	}
	return nil
}

func (s *BybitStream) handleExecutions(data []byte) error {
	var execs []bybitStreamExecution
	if err := json.Unmarshal(data, &execs); err != nil {
		return err
	}
	for _, e := range execs {
		if e.ExecType != "" && e.ExecType != "Trade" {
			continue
		}
		side := strings.ToLower(e.Side)
		closing := parseFloat(e.ClosedSize) > 0
		s.push(streamEvent{trade: &TradeUpdate{
			TradeID:       e.ExecID,
			OrderID:       e.OrderID,
			ClientOrderID: e.OrderLinkID,
			Symbol:        e.Symbol,
			Side:          side,
			PositionSide:  positionSideFromFlow(side, closing),
			Price:         parseFloat(e.ExecPrice),
			Quantity:      parseFloat(e.ExecQty),
			Fee:           parseFloat(e.ExecFee),
			RealizedPNL:   parseFloat(e.ExecPnl),
			ReduceOnly:    closing,
			Time:          parseMillis(e.ExecTime),
		}})
	}
	return nil
}

func (s *BybitStream) handlePositions(data []byte, ts time.Time) error {
	var positions []bybitStreamPosition
	if err := json.Unmarshal(data, &positions); err != nil {
		return err
	}
	update := &AccountUpdate{Reason: "position", Time: ts}
	for _, p := range positions {
		side := SideLong
		switch {
		case p.PositionIdx == 2:
			side = SideShort
		case p.PositionIdx == 0 && p.Side == "Sell":
			side = SideShort
		}
		update.Positions = append(update.Positions, PositionUpdate{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          parseFloat(p.Size),
			EntryPrice:    parseFloat(p.EntryPrice),
			UnrealizedPNL: parseFloat(p.UnrealisedPnl),
		})
	}
	s.push(streamEvent{account: update})
	return nil
}

func (s *BybitStream) handleWallet(data []byte, ts time.Time) error {
	var wallets []bybitStreamWallet
	if err := json.Unmarshal(data, &wallets); err != nil {
		return err
	}
	update := &AccountUpdate{Reason: "wallet", Time: ts}
	for _, w := range wallets {
		for _, c := range w.Coin {
			update.Balances = append(update.Balances, BalanceUpdate{
				Asset:         c.Coin,
				WalletBalance: parseFloat(c.WalletBalance),
			})
		}
	}
	s.push(streamEvent{account: update})
	return nil
}
