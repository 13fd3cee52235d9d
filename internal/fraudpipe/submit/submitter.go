// Package submit signs verdict writes and broadcasts them. It never waits
// for mining; confirmation belongs to the tracker.
package submit

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
	"github.com/chenzhangda16/verdict-ledger/pkg/hash"
	"github.com/chenzhangda16/verdict-ledger/pkg/obs"
)

// LoggerABI is the audit contract's write method.
const LoggerABI = `[{"type":"function","name":"logTransaction","stateMutability":"nonpayable","inputs":[` +
	`{"name":"txnHash","type":"string"},{"name":"fraudStatus","type":"string"},{"name":"reason","type":"string"}],"outputs":[]}]`

const DefaultGasLimit = 200000

// Sender is the slice of the ledger client the submitter needs.
type Sender interface {
	Send(ctx context.Context, tx *types.Transaction) error
}

type Config struct {
	ChainID  *big.Int
	Contract common.Address
	Key      *ecdsa.PrivateKey
	GasLimit uint64
}

type Submitter struct {
	client Sender
	cfg    Config
	abi    abi.ABI
	signer types.Signer
	from   common.Address
	log    logrus.FieldLogger
	now    func() time.Time
}

func New(client Sender, cfg Config, log logrus.FieldLogger) (*Submitter, error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("submit: missing signing key: %w", fault.ErrConfigurationFatal)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("submit: chain id required: %w", fault.ErrConfigurationFatal)
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("submit: contract address required: %w", fault.ErrConfigurationFatal)
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}
	parsed, err := abi.JSON(strings.NewReader(LoggerABI))
	if err != nil {
		return nil, fmt.Errorf("submit: abi: %v: %w", err, fault.ErrConfigurationFatal)
	}
	return &Submitter{
		client: client,
		cfg:    cfg,
		abi:    parsed,
		signer: types.LatestSignerForChainID(cfg.ChainID),
		from:   crypto.PubkeyToAddress(cfg.Key.PublicKey),
		log:    obs.Component(log, "submit"),
		now:    time.Now,
	}, nil
}

// From is the signing account.
func (s *Submitter) From() common.Address { return s.from }

// Pack encodes the contract call for one verdict.
func (s *Submitter) Pack(fp hash.Hash32, v model.Verdict) ([]byte, error) {
	data, err := s.abi.Pack("logTransaction", fp.Hex(), v.Label(), v.Reason)
	if err != nil {
		return nil, fmt.Errorf("submit: pack: %v: %w", err, fault.ErrInvalidInput)
	}
	return data, nil
}

// Submit signs and broadcasts one write. The returned handle is filled in
// whenever signing succeeded, including when the broadcast error leaves the
// outcome unknown: callers use its ID to ask the ledger.
func (s *Submitter) Submit(ctx context.Context, fp hash.Hash32, v model.Verdict, nonce uint64, bid *uint256.Int) (model.Handle, error) {
	data, err := s.Pack(fp, v)
	if err != nil {
		return model.Handle{}, err
	}
	tx, err := s.sign(data, nonce, bid)
	if err != nil {
		return model.Handle{}, err
	}
	h := model.Handle{
		ID:          tx.Hash(),
		Attempts:    []common.Hash{tx.Hash()},
		Fingerprint: fp,
		Nonce:       nonce,
		Bid:         new(uint256.Int).Set(bid),
		Status:      model.StatusPending,
		SubmittedAt: s.now(),
		Payload:     data,
	}
	if err := s.client.Send(ctx, tx); err != nil {
		s.log.WithFields(logrus.Fields{"nonce": nonce, "id": h.ID.Hex(), "err": err}).Warn("broadcast failed")
		return h, wrap(err)
	}
	s.log.WithFields(logrus.Fields{"nonce": nonce, "id": h.ID.Hex(), "bid": bid.Dec()}).Debug("broadcast")
	return h, nil
}

// Replace re-signs h's payload at the same nonce with a higher bid. On
// success the returned handle points at the new attempt.
func (s *Submitter) Replace(ctx context.Context, h model.Handle, bid *uint256.Int) (model.Handle, error) {
	if len(h.Payload) == 0 {
		return h, fmt.Errorf("submit: handle %s has no payload: %w", h.ID.Hex(), fault.ErrInvalidInput)
	}
	if h.Bid != nil && !bid.Gt(h.Bid) {
		return h, fmt.Errorf("submit: replacement bid %s not above %s: %w", bid.Dec(), h.Bid.Dec(), fault.ErrInvalidInput)
	}
	tx, err := s.sign(h.Payload, h.Nonce, bid)
	if err != nil {
		return h, err
	}
	if err := s.client.Send(ctx, tx); err != nil {
		return h, wrap(err)
	}
	out := h.Clone()
	out.ID = tx.Hash()
	out.Attempts = append(out.Attempts, tx.Hash())
	out.Bid = new(uint256.Int).Set(bid)
	out.Escalations++
	s.log.WithFields(logrus.Fields{"nonce": h.Nonce, "id": out.ID.Hex(), "bid": bid.Dec(), "n": out.Escalations}).Info("replaced")
	return out, nil
}

func (s *Submitter) sign(data []byte, nonce uint64, bid *uint256.Int) (*types.Transaction, error) {
	if bid == nil {
		return nil, fmt.Errorf("submit: nil bid: %w", fault.ErrInvalidInput)
	}
	to := s.cfg.Contract
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: bid.ToBig(),
		Gas:      s.cfg.GasLimit,
		To:       &to,
		Data:     data,
	})
	signed, err := types.SignTx(tx, s.signer, s.cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("submit: sign: %v: %w", err, fault.ErrConfigurationFatal)
	}
	return signed, nil
}

// wrap makes sure a broadcast error carries a taxonomy class. Anything the
// client did not classify is treated as outcome unknown.
func wrap(err error) error {
	if errors.Is(err, fault.ErrSubmissionRejected) || errors.Is(err, fault.ErrTransientUnavailable) {
		return err
	}
	return fmt.Errorf("submit: broadcast: %v: %w", err, fault.ErrTransientUnavailable)
}

// ParseKey reads a hex private key with or without 0x. If wallet is set it
// must match the key's address.
func ParseKey(hexKey, wallet string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("submit: private key not set: %w", fault.ErrConfigurationFatal)
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("submit: private key: %v: %w", err, fault.ErrConfigurationFatal)
	}
	if wallet = strings.TrimSpace(wallet); wallet != "" {
		if !common.IsHexAddress(wallet) {
			return nil, fmt.Errorf("submit: wallet address %q: %w", wallet, fault.ErrConfigurationFatal)
		}
		if got := crypto.PubkeyToAddress(key.PublicKey); got != common.HexToAddress(wallet) {
			return nil, fmt.Errorf("submit: key belongs to %s, not %s: %w", got.Hex(), wallet, fault.ErrConfigurationFatal)
		}
	}
	return key, nil
}
