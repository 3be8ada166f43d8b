package models

import "time"

// Liquidation - принудительная ликвидация стороннего участника из публичного потока.
// Хранится ограниченное время (окно удержания), затем удаляется периодической задачей.
//
// Side - направление ликвидационного ордера в нормализованном словаре:
// short - биржа продаёт (ликвидируют лонги, цену давит вниз),
// long - биржа покупает (ликвидируют шорты, цену выносит вверх).
type Liquidation struct {
	ID        string    `json:"id" db:"id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Side      string    `json:"side" db:"side"`
	Quantity  float64   `json:"quantity" db:"quantity"`
	Price     float64   `json:"price" db:"price"`
	Value     float64   `json:"value" db:"value"` // quantity × price, USDT
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// EntrySide - сторона контр-трендового входа: против давления ликвидации
func (l *Liquidation) EntrySide() string {
	return OppositeSide(l.Side)
}

// OppositeSide возвращает противоположную сторону позиции
func OppositeSide(side string) string {
	if side == SideShort {
		return SideLong
	}
	return SideShort
}
