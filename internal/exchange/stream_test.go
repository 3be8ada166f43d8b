package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"liqbot/pkg/crypto"
)

// ============================================================
// Буфер событий
// ============================================================

func TestStreamHandlers_PushDropsOldest(t *testing.T) {
	h := newStreamHandlers(3)
	for i := 1; i <= 5; i++ {
		h.push(streamEvent{order: &OrderUpdate{OrderID: strconv.Itoa(i)}})
	}

	if h.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", h.Dropped())
	}

	var got []string
	for len(h.events) > 0 {
		ev := <-h.events
		got = append(got, ev.order.OrderID)
	}
	want := []string{"3", "4", "5"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestStreamHandlers_DispatchPreservesOrder(t *testing.T) {
	h := newStreamHandlers(16)
	received := make(chan string, 16)
	h.OnOrderUpdate(func(u OrderUpdate) { received <- u.OrderID })
	h.OnTradeUpdate(func(u TradeUpdate) { received <- "trade-" + u.TradeID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.dispatch(ctx)

	h.push(streamEvent{order: &OrderUpdate{OrderID: "1"}})
	h.push(streamEvent{trade: &TradeUpdate{TradeID: "t1"}})
	h.push(streamEvent{order: &OrderUpdate{OrderID: "2"}})

	want := []string{"1", "trade-t1", "2"}
	for _, w := range want {
		select {
		case got := <-received:
			if got != w {
				t.Errorf("got %s, want %s", got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %s not delivered", w)
		}
	}
}

// ============================================================
// Bybit
// ============================================================

func TestBybitStream_AuthSubscribeAndExecution(t *testing.T) {
	authOK := make(chan bool, 1)
	srv := newWSTestServer(t, func(c *websocket.Conn) {
		var auth struct {
			Op   string        `json:"op"`
			Args []interface{} `json:"args"`
		}
		if err := c.ReadJSON(&auth); err != nil || auth.Op != "auth" || len(auth.Args) != 3 {
			authOK <- false
			return
		}
		expires := int64(auth.Args[1].(float64))
		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
		valid := auth.Args[0] == "key" && auth.Args[2] == hex.EncodeToString(mac.Sum(nil))
		authOK <- valid

		c.WriteJSON(map[string]interface{}{"op": "auth", "success": valid, "ret_msg": ""})

		var sub struct {
			Op   string   `json:"op"`
			Args []string `json:"args"`
		}
		if err := c.ReadJSON(&sub); err != nil || sub.Op != "subscribe" {
			return
		}
		c.WriteMessage(websocket.TextMessage, []byte(`{"topic":"execution","creationTime":1700000000000,"data":[
			{"symbol":"BTCUSDT","execId":"e-1","orderId":"o-1","orderLinkId":"cid-1","side":"Buy",
			 "execPrice":"50000","execQty":"0.01","execFee":"0.3","execPnl":"0","execType":"Trade",
			 "closedSize":"0","execTime":"1700000000000"}]}`))
		c.WriteMessage(websocket.TextMessage, []byte(`{"topic":"execution","data":[
			{"symbol":"BTCUSDT","execId":"f-1","execType":"Funding","execQty":"0"}]}`))
	})

	opts := newTestOptions(t, "http://127.0.0.1:1")
	opts.StreamURL = srv.url()
	opts.Stream = fastReconnectConfig()

	s := NewBybitStream(crypto.Credentials{APIKey: "key", SecretKey: "secret"}, opts)
	trades := make(chan TradeUpdate, 4)
	s.OnTradeUpdate(func(u TradeUpdate) { trades <- u })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()

	if !<-authOK {
		t.Fatal("auth message invalid")
	}
	if s.State() != StreamConnected {
		t.Errorf("state = %s", s.State())
	}

	select {
	case tr := <-trades:
		if tr.TradeID != "e-1" || tr.ClientOrderID != "cid-1" || tr.Side != SideBuy ||
			tr.PositionSide != SideLong || tr.Price != 50000 || tr.Quantity != 0.01 || tr.ReduceOnly {
			t.Errorf("unexpected trade: %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trade not delivered")
	}

	select {
	case tr := <-trades:
		t.Errorf("funding execution must be skipped, got %+v", tr)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBybitStream_HandlesPositionAndWallet(t *testing.T) {
	opts := newTestOptions(t, "http://127.0.0.1:1")
	s := NewBybitStream(crypto.Credentials{}, opts)

	s.handleMessage([]byte(`{"topic":"position","creationTime":1700000000000,"data":[
		{"symbol":"ETHUSDT","side":"Sell","size":"1.5","entryPrice":"2000","unrealisedPnl":"3","positionIdx":2}]}`))
	s.handleMessage([]byte(`{"topic":"wallet","data":[{"coin":[{"coin":"USDT","walletBalance":"1234.5"}]}]}`))
	s.handleMessage([]byte(`{"op":"pong","success":true}`))

	if len(s.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(s.events))
	}
	pos := (<-s.events).account
	if pos == nil || len(pos.Positions) != 1 {
		t.Fatalf("position event: %+v", pos)
	}
	if p := pos.Positions[0]; p.Side != SideShort || p.Size != 1.5 || p.EntryPrice != 2000 {
		t.Errorf("position: %+v", p)
	}
	wallet := (<-s.events).account
	if wallet == nil || len(wallet.Balances) != 1 || wallet.Balances[0].WalletBalance != 1234.5 {
		t.Errorf("wallet event: %+v", wallet)
	}
}

// ============================================================
// Binance
// ============================================================

func TestBinanceStream_ParsesOrderTradeUpdate(t *testing.T) {
	opts := newTestOptions(t, "http://127.0.0.1:1")
	s := NewBinanceStream(crypto.Credentials{}, opts)

	s.handleMessage([]byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000001,"T":1700000000000,"o":{
		"s":"BTCUSDT","c":"tp-1","S":"SELL","o":"TAKE_PROFIT_MARKET","ot":"TAKE_PROFIT_MARKET",
		"q":"0.010","p":"0","ap":"51000","sp":"51000","x":"TRADE","X":"FILLED","i":8886774,
		"l":"0.010","z":"0.010","L":"51000","n":"0.2","N":"USDT","T":1700000000000,"t":42,
		"R":false,"ps":"LONG","rp":"10.5"}}`))

	if len(s.events) != 2 {
		t.Fatalf("expected order + trade events, got %d", len(s.events))
	}
	ou := (<-s.events).order
	if ou == nil {
		t.Fatal("first event must be an order update")
	}
	if ou.OrderID != "8886774" || ou.Status != OrderStatusFilled || ou.Type != OrderTypeTakeProfitMarket ||
		ou.PositionSide != SideLong || ou.Side != SideSell {
		t.Errorf("order update: %+v", ou)
	}

	tu := (<-s.events).trade
	if tu == nil {
		t.Fatal("second event must be a trade update")
	}
	if tu.TradeID != "42" || tu.Price != 51000 || tu.Quantity != 0.01 || tu.RealizedPNL != 10.5 || !tu.ReduceOnly {
		t.Errorf("trade update: %+v", tu)
	}
}

func TestBinanceStream_ParsesAccountUpdate(t *testing.T) {
	opts := newTestOptions(t, "http://127.0.0.1:1")
	s := NewBinanceStream(crypto.Credentials{}, opts)

	s.handleMessage([]byte(`{"e":"ACCOUNT_UPDATE","E":1700000000000,"T":1700000000000,"a":{"m":"ORDER",
		"B":[{"a":"USDT","wb":"1000.5","cw":"900"}],
		"P":[{"s":"BTCUSDT","pa":"-0.02","ep":"50000","up":"-1","ps":"BOTH"}]}}`))

	ev := (<-s.events).account
	if ev == nil {
		t.Fatal("expected account update")
	}
	if ev.Reason != "order" || len(ev.Balances) != 1 || ev.Balances[0].WalletBalance != 1000.5 {
		t.Errorf("account update: %+v", ev)
	}
	if len(ev.Positions) != 1 || ev.Positions[0].Side != SideShort || ev.Positions[0].Size != 0.02 {
		t.Errorf("positions: %+v", ev.Positions)
	}
}

func TestBinanceStream_IgnoresNonTradeExecution(t *testing.T) {
	opts := newTestOptions(t, "http://127.0.0.1:1")
	s := NewBinanceStream(crypto.Credentials{}, opts)

	s.handleMessage([]byte(`{"e":"ORDER_TRADE_UPDATE","E":1,"T":1,"o":{"s":"BTCUSDT","c":"sl-1","S":"SELL",
		"o":"STOP_MARKET","q":"0.01","x":"NEW","X":"NEW","i":1,"ps":"LONG"}}`))

	if len(s.events) != 1 {
		t.Fatalf("expected only an order update, got %d events", len(s.events))
	}
	if ev := <-s.events; ev.order == nil || ev.order.Type != OrderTypeStopMarket {
		t.Errorf("unexpected event %+v", ev)
	}
}
