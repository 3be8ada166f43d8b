package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"liqbot/pkg/ratelimit"
)

// Ошибки адаптеров в нормализованном виде.
// ExchangeError.Original указывает на одну из них, если код биржи известен.
var (
	ErrUnsupportedExchange = errors.New("unsupported exchange")
	ErrOrderNotFound       = errors.New("order not found")
	ErrSymbolNotFound      = errors.New("symbol not found")
	ErrInsufficientMargin  = errors.New("insufficient margin")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrAuth                = errors.New("authentication failed")
	ErrOrderRejected       = errors.New("order rejected")
	ErrReduceOnlyRejected  = errors.New("reduce-only order rejected")
	ErrTimestamp           = errors.New("timestamp outside recv window")
	ErrBatchSize           = fmt.Errorf("batch must contain 1..%d orders", MaxBatchOrders)
	ErrBelowMinNotional    = errors.New("order notional below exchange minimum")
	ErrMissingOrderRef     = errors.New("order id or client order id required")
)

// ExchangeError представляет ошибку от биржи.
// Message содержит исходный текст ошибки биржи без изменений.
type ExchangeError struct {
	Exchange   string
	Code       string
	Message    string
	HTTPStatus int           // 0, если статус неизвестен
	RetryAfter time.Duration // для 418/429: сколько ждать
	Original   error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code %s)", e.Exchange, e.Message, e.Code)
	}
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// IsRateLimited - биржа ответила 429 или кодом превышения лимита
func (e *ExchangeError) IsRateLimited() bool {
	return e.HTTPStatus == http.StatusTooManyRequests
}

// IsBanned - биржа ответила 418 (IP ban)
func (e *ExchangeError) IsBanned() bool {
	return e.HTTPStatus == http.StatusTeapot
}

// Retryable - повтор имеет смысл (таймаут, 5xx, 429). Бан - жёсткая пауза, не повторяем.
func (e *ExchangeError) Retryable() bool {
	switch {
	case e.IsBanned():
		return false
	case e.IsRateLimited(), e.HTTPStatus >= 500:
		return true
	case errors.Is(e.Original, ErrTimestamp):
		return true
	}
	return false
}

// IsRateLimited проверяет цепочку ошибок на 429
func IsRateLimited(err error) bool {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.IsRateLimited()
	}
	var se *ratelimit.StatusError
	return errors.As(err, &se) && se.IsRateLimited()
}

// IsBanned проверяет цепочку ошибок на 418
func IsBanned(err error) bool {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.IsBanned()
	}
	var se *ratelimit.StatusError
	return errors.As(err, &se) && se.IsBanned()
}

// BanExpiry возвращает время окончания бана, если err - бан с известной длительностью
func BanExpiry(err error, now time.Time) (time.Time, bool) {
	var ee *ExchangeError
	if errors.As(err, &ee) && ee.IsBanned() && ee.RetryAfter > 0 {
		return now.Add(ee.RetryAfter), true
	}
	var se *ratelimit.StatusError
	if errors.As(err, &se) && se.IsBanned() && se.RetryAfter > 0 {
		return now.Add(se.RetryAfter), true
	}
	return time.Time{}, false
}

// fromStatusError переводит ошибку лимитера в ExchangeError
func fromStatusError(exchange string, err error) error {
	var se *ratelimit.StatusError
	if !errors.As(err, &se) {
		return err
	}
	return &ExchangeError{
		Exchange:   exchange,
		Code:       fmt.Sprintf("http_%d", se.StatusCode),
		Message:    se.Body,
		HTTPStatus: se.StatusCode,
		RetryAfter: se.RetryAfter,
		Original:   err,
	}
}
