package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger.go - структурированное логирование на базе zap
//
// Глобальный логгер используется компонентами, которые не получили
// собственный экземпляр через конструктор. Каждый компонент ядра
// создаёт дочерний логгер через WithComponent.

// LogConfig - параметры логгера
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json или text
	Output      string // путь к файлу; пусто - stderr
	Development bool
}

// Logger - обёртка над zap.Logger с предсобранным sugar
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitLogger создаёт логгер по конфигурации.
// Если файл вывода открыть нельзя, пишет в stderr.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}

	var encoder zapcore.Encoder
	if cfg.Format == "text" || cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if cfg.Output != "" && cfg.Output != "stderr" {
		if cfg.Output == "stdout" {
			sink = zapcore.Lock(os.Stdout)
		} else if f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			sink = zapcore.AddSync(f)
		}
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	base := zap.New(zapcore.NewCore(encoder, sink, level), opts...)
	return &Logger{Logger: base, sugar: base.Sugar()}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// GetGlobalLogger возвращает глобальный логгер, создавая его при первом обращении
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L - короткий алиас GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// InitGlobalLogger создаёт логгер и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger подменяет глобальный логгер (используется в тестах)
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// NewNopLogger возвращает логгер, который ничего не пишет
func NewNopLogger() *Logger {
	base := zap.NewNop()
	return &Logger{Logger: base, sugar: base.Sugar()}
}

// With возвращает дочерний логгер с дополнительными полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.Logger.With(fields...)
	return &Logger{Logger: child, sugar: child.Sugar()}
}

func (l *Logger) WithComponent(name string) *Logger { return l.With(Component(name)) }
func (l *Logger) WithExchange(name string) *Logger { return l.With(Exchange(name)) }
func (l *Logger) WithSymbol(symbol string) *Logger { return l.With(Symbol(symbol)) }
func (l *Logger) WithStrategyID(id int) *Logger { return l.With(StrategyID(id)) }

// Sugar возвращает printf-style логгер
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// ============================================================
// Доменные поля
// ============================================================

func Exchange(name string) zap.Field { return zap.String("exchange", name) }
func Symbol(symbol string) zap.Field { return zap.String("symbol", symbol) }
func Side(side string) zap.Field { return zap.String("side", side) }
func StrategyID(id int) zap.Field { return zap.Int("strategy_id", id) }
func SessionID(id int) zap.Field { return zap.Int("session_id", id) }
func PositionID(id int) zap.Field { return zap.Int("position_id", id) }
func OrderID(id string) zap.Field { return zap.String("order_id", id) }
func ClientOrderID(id string) zap.Field { return zap.String("client_order_id", id) }
func LiquidationID(id string) zap.Field { return zap.String("liquidation_id", id) }
func Price(price float64) zap.Field { return zap.Float64("price", price) }
func Quantity(qty float64) zap.Field { return zap.Float64("quantity", qty) }
func Notional(value float64) zap.Field { return zap.Float64("notional", value) }
func PNL(pnl float64) zap.Field { return zap.Float64("pnl", pnl) }
func Layer(layer int) zap.Field { return zap.Int("layer", layer) }
func State(state string) zap.Field { return zap.String("state", state) }
func Reason(reason string) zap.Field { return zap.String("reason", reason) }
func Latency(ms float64) zap.Field { return zap.Float64("latency_ms", ms) }
func RequestID(id string) zap.Field { return zap.String("request_id", id) }
func Component(name string) zap.Field { return zap.String("component", name) }

// Field - поле структурированного лога
type Field = zap.Field

// Переэкспорт базовых конструкторов zap
var (
	String  = zap.String
	Int     = zap.Int
	Int64   = zap.Int64
	Float64 = zap.Float64
	Bool    = zap.Bool
	Err     = zap.Error
	Any     = zap.Any
	Dur     = zap.Duration
	Time    = zap.Time
)
