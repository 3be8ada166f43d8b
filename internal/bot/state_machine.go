package bot

// Состояния ключа (symbol, side)
const (
	StateIdle     = "IDLE"     // позиции нет, ждём ликвидацию
	StateReserved = "RESERVED" // кулдаун взят, входной ордер в полёте
	StateFilled   = "FILLED"   // позиция открыта, k слоёв исполнено
	StateClosed   = "CLOSED"   // позиция закрыта (TP/SL/вручную)
)

// ValidTransitions определяет допустимые переходы между состояниями
var ValidTransitions = map[string][]string{
	StateIdle:     {StateReserved, StateFilled},            // Filled при восстановлении/ручной позиции
	StateReserved: {StateFilled, StateIdle},                // Idle если ордер отклонён
	StateFilled:   {StateFilled, StateClosed},              // Filled -> Filled: новый слой
	StateClosed:   {StateReserved, StateIdle, StateFilled}, // новый цикл
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StateInfo возвращает описание состояния для UI
func StateInfo(s string) string {
	switch s {
	case StateIdle:
		return "Ожидание ликвидации"
	case StateReserved:
		return "Вход зарезервирован, ордер отправлен"
	case StateFilled:
		return "Позиция открыта"
	case StateClosed:
		return "Позиция закрыта"
	default:
		return "Неизвестное состояние"
	}
}

// HasOpenPosition возвращает true если по ключу есть открытая позиция
func HasOpenPosition(s string) bool {
	return s == StateFilled
}
