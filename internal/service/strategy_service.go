package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"liqbot/internal/exchange"
	"liqbot/internal/models"
	"liqbot/pkg/crypto"
	"liqbot/pkg/utils"
)

// Ошибки сервиса стратегий
var (
	ErrMissingCredentials   = errors.New("strategy has no API credentials")
	ErrNoEncryptionKey      = errors.New("encryption key is not configured")
	ErrStrategyActive       = errors.New("strategy is active, deactivate it first")
	ErrExchangeNotSupported = errors.New("exchange is not supported")
	ErrInvalidName          = errors.New("strategy name is required")
	ErrNoSymbols            = errors.New("at least one symbol is required")
	ErrInvalidSymbol        = errors.New("invalid symbol format")
	ErrInvalidLeverage      = errors.New("leverage must be between 1 and 125")
	ErrInvalidMargin        = errors.New("margin per layer must be greater than 0")
	ErrInvalidMaxLayers     = errors.New("max layers must be between 1 and 20")
	ErrInvalidStep          = errors.New("start step must be greater than 0")
	ErrInvalidConvexity     = errors.New("step convexity must be at least 1")
	ErrInvalidGrowth        = errors.New("size growth must be at least 1")
	ErrInvalidTakeProfit    = errors.New("take profit must be greater than 0")
	ErrInvalidStopLoss      = errors.New("stop loss must be greater than 0")
	ErrInvalidPortfolioRisk = errors.New("max portfolio risk must be between 0 and 100")
	ErrInvalidPercentile    = errors.New("percentile must be between 0 and 100")
)

const (
	maxLeverage  = 125
	maxLayersCap = 20
)

// StrategyService - управление стратегиями и их активацией.
//
// Активной может быть только одна стратегия. Активация останавливает
// движок предыдущей стратегии и запускает новый; деактивация только
// останавливает движок, позиции на бирже остаются.
type StrategyService struct {
	repo   StrategyRepository
	runner *Runner
	cipher *crypto.Cipher
	log    *utils.Logger
}

// NewStrategyService создает новый экземпляр StrategyService
func NewStrategyService(repo StrategyRepository, runner *Runner, cipher *crypto.Cipher, log *utils.Logger) *StrategyService {
	if log == nil {
		log = utils.L()
	}
	return &StrategyService{
		repo:   repo,
		runner: runner,
		cipher: cipher,
		log:    log.WithComponent("strategy-service"),
	}
}

// StrategyRequest - параметры создания и изменения стратегии.
// Пустые APIKey/SecretKey при изменении оставляют сохранённые ключи.
type StrategyRequest struct {
	models.Strategy
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// List возвращает все стратегии
func (s *StrategyService) List(ctx context.Context) ([]*models.Strategy, error) {
	return s.repo.List(ctx)
}

// Get возвращает стратегию по ID
func (s *StrategyService) Get(ctx context.Context, id int) (*models.Strategy, error) {
	return s.repo.GetByID(ctx, id)
}

// GetActive возвращает активную стратегию
func (s *StrategyService) GetActive(ctx context.Context) (*models.Strategy, error) {
	return s.repo.GetActive(ctx)
}

// Create создает стратегию. Новая стратегия неактивна.
func (s *StrategyService) Create(ctx context.Context, req *StrategyRequest) (*models.Strategy, error) {
	st := req.Strategy
	normalizeStrategy(&st)
	if err := ValidateStrategy(&st); err != nil {
		return nil, err
	}
	st.IsActive = false

	if err := s.repo.Create(ctx, &st); err != nil {
		return nil, err
	}

	// ключи шифруются с привязкой к ID, поэтому после вставки
	if req.APIKey != "" && req.SecretKey != "" {
		if err := s.sealCredentials(&st, req.APIKey, req.SecretKey); err != nil {
			return nil, err
		}
		if err := s.repo.Update(ctx, &st); err != nil {
			return nil, err
		}
	}

	s.log.Info("strategy created", utils.StrategyID(st.ID), utils.Exchange(st.Exchange))
	return &st, nil
}

// Update изменяет параметры неактивной стратегии
func (s *StrategyService) Update(ctx context.Context, id int, req *StrategyRequest) (*models.Strategy, error) {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsActive {
		return nil, ErrStrategyActive
	}

	st := req.Strategy
	st.ID = current.ID
	st.IsActive = false
	st.CreatedAt = current.CreatedAt
	normalizeStrategy(&st)
	if err := ValidateStrategy(&st); err != nil {
		return nil, err
	}

	switch {
	case req.APIKey != "" && req.SecretKey != "":
		if err := s.sealCredentials(&st, req.APIKey, req.SecretKey); err != nil {
			return nil, err
		}
	case st.Exchange == current.Exchange:
		st.APIKeyEnc = current.APIKeyEnc
		st.SecretKeyEnc = current.SecretKeyEnc
	default:
		// ключи другой биржи не подходят, метка шифрования включает имя биржи
		st.APIKeyEnc, st.SecretKeyEnc = "", ""
	}

	if err := s.repo.Update(ctx, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Activate делает стратегию активной и запускает её движок
func (s *StrategyService) Activate(ctx context.Context, id int) (*models.Strategy, error) {
	st, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !st.HasCredentials() {
		return nil, ErrMissingCredentials
	}
	if !exchange.IsSupported(st.Exchange) {
		return nil, fmt.Errorf("%w: %s", ErrExchangeNotSupported, st.Exchange)
	}

	if err := s.repo.SetActive(ctx, id); err != nil {
		return nil, err
	}
	st.IsActive = true

	if err := s.runner.Start(ctx, st); err != nil {
		if derr := s.repo.Deactivate(ctx, id); derr != nil {
			s.log.Error("failed to roll back activation", utils.StrategyID(id), utils.Err(derr))
		}
		return nil, err
	}

	s.log.Info("strategy activated", utils.StrategyID(id))
	return st, nil
}

// Deactivate останавливает движок активной стратегии.
// Открытые позиции и их TP/SL на бирже не трогаются.
func (s *StrategyService) Deactivate(ctx context.Context) (*models.Strategy, error) {
	st, err := s.repo.GetActive(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.runner.Stop(); err != nil {
		return nil, err
	}
	if err := s.repo.Deactivate(ctx, st.ID); err != nil {
		return nil, err
	}
	st.IsActive = false

	s.log.Info("strategy deactivated", utils.StrategyID(st.ID))
	return st, nil
}

// Credentials расшифровывает ключи стратегии
func (s *StrategyService) Credentials(st *models.Strategy) (crypto.Credentials, error) {
	return openCredentials(s.cipher, st)
}

func (s *StrategyService) sealCredentials(st *models.Strategy, apiKey, secret string) error {
	if s.cipher == nil {
		return ErrNoEncryptionKey
	}
	sealed, err := s.cipher.SealCredentials(st.ID, st.Exchange, crypto.Credentials{
		APIKey:    strings.TrimSpace(apiKey),
		SecretKey: strings.TrimSpace(secret),
	})
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	st.APIKeyEnc = sealed.APIKeyEnc
	st.SecretKeyEnc = sealed.SecretKeyEnc
	return nil
}

func openCredentials(cipher *crypto.Cipher, st *models.Strategy) (crypto.Credentials, error) {
	if !st.HasCredentials() {
		return crypto.Credentials{}, ErrMissingCredentials
	}
	if cipher == nil {
		return crypto.Credentials{}, ErrNoEncryptionKey
	}
	creds, err := cipher.OpenCredentials(st.ID, st.Exchange, crypto.SealedCredentials{
		APIKeyEnc:    st.APIKeyEnc,
		SecretKeyEnc: st.SecretKeyEnc,
	})
	if err != nil {
		return crypto.Credentials{}, fmt.Errorf("open credentials: %w", err)
	}
	return creds, nil
}

func normalizeStrategy(st *models.Strategy) {
	st.Name = strings.TrimSpace(st.Name)
	st.Exchange = strings.ToLower(strings.TrimSpace(st.Exchange))

	seen := make(map[string]bool, len(st.Symbols))
	symbols := make([]string, 0, len(st.Symbols))
	for _, sym := range st.Symbols {
		sym = utils.NormalizeSymbol(sym)
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		symbols = append(symbols, sym)
	}
	st.Symbols = symbols

	if st.CooldownSeconds <= 0 {
		st.CooldownSeconds = models.DefaultCooldownSeconds
	}
	if st.MinFillGapSeconds <= 0 {
		st.MinFillGapSeconds = models.DefaultMinFillGapSeconds
	}
}

// ValidateStrategy проверяет параметры стратегии
func ValidateStrategy(st *models.Strategy) error {
	if st.Name == "" {
		return ErrInvalidName
	}
	if !exchange.IsSupported(st.Exchange) {
		return fmt.Errorf("%w: %s", ErrExchangeNotSupported, st.Exchange)
	}
	if len(st.Symbols) == 0 {
		return ErrNoSymbols
	}
	for _, sym := range st.Symbols {
		if err := utils.ValidateSymbol(sym); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSymbol, sym, err)
		}
	}
	if st.Leverage < 1 || st.Leverage > maxLeverage {
		return ErrInvalidLeverage
	}
	if st.MarginPerLayer <= 0 {
		return ErrInvalidMargin
	}
	if st.MaxLayers < 1 || st.MaxLayers > maxLayersCap {
		return ErrInvalidMaxLayers
	}
	if st.StartStepPercent <= 0 {
		return ErrInvalidStep
	}
	if st.StepConvexity < 1 {
		return ErrInvalidConvexity
	}
	if st.SizeGrowth < 1 {
		return ErrInvalidGrowth
	}
	if st.TakeProfitPercent <= 0 {
		return ErrInvalidTakeProfit
	}
	if st.StopLossPercent <= 0 {
		return ErrInvalidStopLoss
	}
	if st.MaxPortfolioRisk < 0 || st.MaxPortfolioRisk > 100 {
		return ErrInvalidPortfolioRisk
	}
	if st.EntryPercentile < 0 || st.EntryPercentile > 100 || st.DCAPercentile < 0 || st.DCAPercentile > 100 {
		return ErrInvalidPercentile
	}
	return nil
}
