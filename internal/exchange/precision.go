package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"liqbot/pkg/utils"
)

// DefaultPrecisionTTL - время жизни кэша торговых правил
const DefaultPrecisionTTL = time.Hour

// PrecisionCache - кэш шагов цены и количества с TTL.
//
// Загружает правила всех символов одним запросом, так как биржи отдают
// их целиком. Invalidate сбрасывает кэш, например после ошибки
// "invalid quantity", чтобы следующий вызов перечитал правила.
type PrecisionCache struct {
	ttl  time.Duration
	load func(ctx context.Context) ([]SymbolInfo, error)

	mu       sync.Mutex
	symbols  map[string]SymbolInfo
	loadedAt time.Time

	now func() time.Time
}

// NewPrecisionCache создаёт кэш поверх загрузчика правил
func NewPrecisionCache(ttl time.Duration, load func(ctx context.Context) ([]SymbolInfo, error)) *PrecisionCache {
	if ttl <= 0 {
		ttl = DefaultPrecisionTTL
	}
	return &PrecisionCache{
		ttl:     ttl,
		load:    load,
		symbols: make(map[string]SymbolInfo),
		now:     time.Now,
	}
}

// Get возвращает правила символа, при необходимости перезагружая кэш
func (c *PrecisionCache) Get(ctx context.Context, symbol string) (*SymbolInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loadedAt.IsZero() || c.now().Sub(c.loadedAt) > c.ttl {
		infos, err := c.load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load symbol rules: %w", err)
		}
		c.symbols = make(map[string]SymbolInfo, len(infos))
		for _, info := range infos {
			c.symbols[info.Symbol] = info
		}
		c.loadedAt = c.now()
	}

	info, ok := c.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return &info, nil
}

// Invalidate сбрасывает кэш
func (c *PrecisionCache) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

// RoundOrder возвращает копию параметров с количеством и ценами,
// округлёнными к шагам биржи. Количество округляется вниз, цены - к ближайшему тику.
func (c *PrecisionCache) RoundOrder(ctx context.Context, p *OrderParams) (*OrderParams, error) {
	info, err := c.Get(ctx, p.Symbol)
	if err != nil {
		return nil, err
	}
	return roundOrder(info, p)
}

func roundOrder(info *SymbolInfo, p *OrderParams) (*OrderParams, error) {
	out := *p

	qty, err := utils.RoundToStep(p.Quantity, info.StepSize)
	if err != nil {
		return nil, fmt.Errorf("round quantity %s: %w: %w", p.Symbol, ErrInvalidRequest, err)
	}
	if qty < info.MinQty {
		return nil, fmt.Errorf("round quantity %s: %v below min qty %v: %w", p.Symbol, qty, info.MinQty, ErrInvalidRequest)
	}
	out.Quantity = qty

	if p.Price > 0 {
		if out.Price, err = utils.RoundToTick(p.Price, info.TickSize); err != nil {
			return nil, fmt.Errorf("round price %s: %w: %w", p.Symbol, ErrInvalidRequest, err)
		}
	}
	if p.StopPrice > 0 {
		if out.StopPrice, err = utils.RoundToTick(p.StopPrice, info.TickSize); err != nil {
			return nil, fmt.Errorf("round stop price %s: %w: %w", p.Symbol, ErrInvalidRequest, err)
		}
	}

	if !out.ReduceOnly && info.MinNotional > 0 {
		ref := out.Price
		if ref == 0 {
			ref = out.StopPrice
		}
		if ref > 0 && out.Quantity*ref < info.MinNotional {
			return nil, fmt.Errorf("%w: %s %.4f < %.4f", ErrBelowMinNotional, p.Symbol, out.Quantity*ref, info.MinNotional)
		}
	}

	return &out, nil
}
