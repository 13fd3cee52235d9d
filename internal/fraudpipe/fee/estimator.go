package fee

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
)

// PriceSource reports the ledger's current market gas price in wei.
type PriceSource interface {
	GasPrice(ctx context.Context) (*uint256.Int, error)
}

// Config values are in permille: 1100 means x1.1.
type Config struct {
	PremiumPermille uint64       // applied to the market price on the first attempt
	FactorPermille  uint64       // escalation per retry, must be > 1000
	MaxBid          *uint256.Int // nil means uncapped
}

func (c Config) withDefaults() Config {
	if c.PremiumPermille == 0 {
		c.PremiumPermille = 1100
	}
	if c.FactorPermille == 0 {
		c.FactorPermille = 1125
	}
	return c
}

type Estimator struct {
	src PriceSource
	cfg Config
}

func New(src PriceSource, cfg Config) (*Estimator, error) {
	cfg = cfg.withDefaults()
	if cfg.FactorPermille <= 1000 {
		return nil, fmt.Errorf("fee: escalation factor %d permille must exceed 1000: %w", cfg.FactorPermille, fault.ErrConfigurationFatal)
	}
	return &Estimator{src: src, cfg: cfg}, nil
}

func (e *Estimator) Config() Config { return e.cfg }

// Estimate is market x premium x factor^attempt, rounded up. attempt 0 is the
// first broadcast.
func (e *Estimator) Estimate(ctx context.Context, attempt int) (*uint256.Int, error) {
	market, err := e.src.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("fee: market price: %w", err)
	}
	bid, overflow := mulPermilleCeil(market, e.cfg.PremiumPermille)
	if overflow {
		return nil, fmt.Errorf("fee: premium overflows: %w", fault.ErrFeeCapExceeded)
	}
	if err := e.check(bid); err != nil {
		return nil, err
	}
	for i := 0; i < attempt; i++ {
		if bid, err = e.Escalate(bid); err != nil {
			return nil, err
		}
	}
	return bid, nil
}

// Escalate returns ceil(prev x factor), always strictly above prev.
func (e *Estimator) Escalate(prev *uint256.Int) (*uint256.Int, error) {
	next, overflow := mulPermilleCeil(prev, e.cfg.FactorPermille)
	if overflow {
		return nil, fmt.Errorf("fee: escalation overflows: %w", fault.ErrFeeCapExceeded)
	}
	if !next.Gt(prev) {
		next = new(uint256.Int).AddUint64(prev, 1)
	}
	if err := e.check(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (e *Estimator) check(bid *uint256.Int) error {
	if e.cfg.MaxBid != nil && bid.Gt(e.cfg.MaxBid) {
		return fmt.Errorf("fee: bid %s above cap %s: %w", bid.Dec(), e.cfg.MaxBid.Dec(), fault.ErrFeeCapExceeded)
	}
	return nil
}

func mulPermilleCeil(x *uint256.Int, permille uint64) (*uint256.Int, bool) {
	z, overflow := new(uint256.Int).MulOverflow(x, uint256.NewInt(permille))
	if overflow {
		return nil, true
	}
	if _, overflow = z.AddOverflow(z, uint256.NewInt(999)); overflow {
		return nil, true
	}
	return z.Div(z, uint256.NewInt(1000)), false
}
