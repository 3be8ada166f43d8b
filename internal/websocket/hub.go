package websocket

import (
	"bytes"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"liqbot/internal/bot"
	"liqbot/internal/models"
	"liqbot/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonBufferPool - буферы сериализации для Broadcast
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

const hubBroadcastBuffer = 256

// Hub - рассылка событий движка подключённым клиентам UI.
//
// Broadcast никогда не блокирует вызывающего: при заполненной очереди
// сообщение отбрасывается и учитывается в DroppedMessages. Клиент, который
// не успевает читать, отключается.
//
// Реализует bot.WebSocketHub.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once

	dropped uint64 // atomic

	origins *OriginChecker
	log     *utils.Logger
}

var _ bot.WebSocketHub = (*Hub)(nil)

// NewHub создает новый Hub. Пустой allowedOrigins разрешает все Origin.
func NewHub(allowedOrigins []string, log *utils.Logger) *Hub {
	if log == nil {
		log = utils.L()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, hubBroadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		origins:    NewOriginChecker(allowedOrigins),
		log:        log.WithComponent("ws-hub"),
	}
}

// Run - главный цикл Hub, работает до Stop
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", utils.Int("clients", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", utils.Int("clients", n))

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var slow []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					slow = append(slow, client)
				}
			}

			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				n := len(h.clients)
				h.mu.Unlock()
				h.log.Warn("removed slow clients", utils.Int("removed", len(slow)), utils.Int("clients", n))
			}
		}
	}
}

// Stop останавливает Run и закрывает всех клиентов
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast сериализует сообщение и ставит его в очередь рассылки
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.log.Warn("failed to marshal broadcast message", utils.Err(err))
		jsonBufferPool.Put(buf)
		return
	}

	data := bytes.TrimRight(buf.Bytes(), "\n")
	msg := make([]byte, len(data))
	copy(msg, data)
	jsonBufferPool.Put(buf)

	select {
	case h.broadcast <- msg:
	case <-h.stop:
	default:
		atomic.AddUint64(&h.dropped, 1)
	}
}

// BroadcastPositionUpdate отправляет состояние позиции
func (h *Hub) BroadcastPositionUpdate(p *models.Position) {
	if p == nil {
		return
	}
	h.Broadcast(NewPositionUpdateMessage(p))
}

// BroadcastRiskUpdate отправляет снимок риска портфеля
func (h *Hub) BroadcastRiskUpdate(r bot.RiskSnapshot) {
	h.Broadcast(NewRiskUpdateMessage(r))
}

// BroadcastCascadeUpdate отправляет оценку каскада
func (h *Hub) BroadcastCascadeUpdate(a bot.CascadeAssessment) {
	h.Broadcast(NewCascadeUpdateMessage(a))
}

// BroadcastNotification отправляет событие жизненного цикла сделки
func (h *Hub) BroadcastNotification(n *models.Notification) {
	if n == nil {
		return
	}
	h.Broadcast(NewNotificationMessage(n))
}

// BroadcastStats отправляет статистику сессии
func (h *Hub) BroadcastStats(stats *models.SessionStats) {
	if stats == nil {
		return
	}
	h.Broadcast(NewStatsUpdateMessage(stats))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - сообщения, отброшенные из-за переполнения очереди
func (h *Hub) DroppedMessages() uint64 {
	return atomic.LoadUint64(&h.dropped)
}
