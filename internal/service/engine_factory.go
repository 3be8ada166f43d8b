package service

import (
	"context"
	"fmt"

	"liqbot/internal/bot"
	"liqbot/internal/exchange"
	"liqbot/internal/models"
	"liqbot/pkg/crypto"
	"liqbot/pkg/utils"
)

// EngineFactoryDeps - зависимости фабрики движков
type EngineFactoryDeps struct {
	Registry      *exchange.Registry
	Cipher        *crypto.Cipher
	Sessions      *SessionService
	Ledger        bot.Ledger
	Notifications chan *models.Notification
	Hub           bot.WebSocketHub
	Config        bot.EngineConfig
	UserStream    bool // подключать приватный поток исполнений
	Logger        *utils.Logger
}

// NewEngineFactory возвращает фабрику bot.Engine.
//
// Фабрика расшифровывает ключи стратегии, берёт адаптер и поток из
// реестра (по одному на стратегию и биржу) и находит активную сессию,
// открывая новую с текущим балансом кошелька, если её нет.
func NewEngineFactory(d EngineFactoryDeps) TraderFactory {
	return func(ctx context.Context, s *models.Strategy) (Trader, error) {
		creds, err := openCredentials(d.Cipher, s)
		if err != nil {
			return nil, err
		}

		exch, err := d.Registry.Exchange(s.ID, s.Exchange, creds)
		if err != nil {
			return nil, fmt.Errorf("exchange adapter: %w", err)
		}

		var stream exchange.Stream
		if d.UserStream {
			if stream, err = d.Registry.Stream(s.ID, s.Exchange, creds); err != nil {
				return nil, fmt.Errorf("user stream: %w", err)
			}
		}

		session, err := d.Sessions.EnsureActive(ctx, s.ID, func(ctx context.Context) (float64, error) {
			info, err := exch.GetAccountInfo(ctx)
			if err != nil {
				return 0, fmt.Errorf("starting balance: %w", err)
			}
			return info.WalletBalance, nil
		})
		if err != nil {
			return nil, err
		}

		return bot.NewEngine(d.Config, bot.EngineDeps{
			Strategy:      s,
			Session:       session,
			Exchange:      exch,
			Stream:        stream,
			Ledger:        d.Ledger,
			Notifications: d.Notifications,
			Hub:           d.Hub,
			Logger:        d.Logger,
		}), nil
	}
}
