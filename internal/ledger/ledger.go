// Package ledger is the single owner of wallet balances. Every balance
// mutation in the system routes through Reserve, Release or a posting so
// that the wallet's current balance is always reconstructible from its
// completed transactions.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/coinledger-api/internal/events"
	"github.com/ksred/coinledger-api/internal/types"
	"github.com/ksred/coinledger-api/pkg/keylock"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DefaultLockTimeout bounds the wait for a wallet lock before the
// operation aborts with a retryable error.
const DefaultLockTimeout = 5 * time.Second

// withdrawalIdempotencyWindow is the time bucket used to derive withdrawal
// idempotency keys: identical submissions inside one window collapse into
// a single withdrawal.
const withdrawalIdempotencyWindow = 5 * time.Minute

// Reservation is the handle returned by Reserve. Releasing it returns the
// unconsumed amount from locked back to available.
type Reservation struct {
	WalletID string          `json:"wallet_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// Service owns all wallet balance mutations.
type Service struct {
	db          *Database
	locks       *keylock.Ring
	emitter     *events.Emitter
	lockTimeout time.Duration
}

// NewService creates a ledger service with the given database connection,
// lock ring and event emitter.
func NewService(gormDB *gorm.DB, locks *keylock.Ring, emitter *events.Emitter) *Service {
	return &Service{
		db:          NewDatabase(gormDB),
		locks:       locks,
		emitter:     emitter,
		lockTimeout: DefaultLockTimeout,
	}
}

// GetDB exposes the ledger database for collaborating services.
func (s *Service) GetDB() *Database {
	return s.db
}

// AcquireWallet takes the per-wallet lock, mapping a timeout to the
// retryable domain error.
func (s *Service) AcquireWallet(walletID string) (func(), error) {
	release, err := s.locks.Acquire("wallet:"+walletID, s.lockTimeout)
	if err != nil {
		return nil, types.ErrLockTimeout
	}
	return release, nil
}

// AcquireWallets takes locks for several wallets in sorted order so that
// concurrent multi-wallet postings cannot deadlock.
func (s *Service) AcquireWallets(walletIDs ...string) (func(), error) {
	unique := make(map[string]struct{}, len(walletIDs))
	for _, id := range walletIDs {
		unique[id] = struct{}{}
	}
	sorted := make([]string, 0, len(unique))
	for id := range unique {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	releases := make([]func(), 0, len(sorted))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, id := range sorted {
		release, err := s.AcquireWallet(id)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// GetOrCreateWallet returns the user's wallet for a currency and wallet
// type, provisioning it on first use.
func (s *Service) GetOrCreateWallet(userID, currency, walletType string) (*types.Wallet, error) {
	wallet, err := s.db.GetWalletByOwner(userID, currency, walletType)
	if err == nil {
		return wallet, nil
	}
	if err != types.ErrNotFound {
		return nil, err
	}

	wallet = &types.Wallet{
		WalletID:         "WAL_" + uuid.New().String(),
		UserID:           userID,
		Currency:         currency,
		WalletType:       walletType,
		AvailableBalance: decimal.Zero,
		LockedBalance:    decimal.Zero,
		Status:           types.WalletActive,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if err := s.db.CreateWallet(wallet); err != nil {
		// Lost a provisioning race; the winner's row is the wallet.
		if existing, lookupErr := s.db.GetWalletByOwner(userID, currency, walletType); lookupErr == nil {
			return existing, nil
		}
		return nil, err
	}

	log.Info().
		Str("wallet_id", wallet.WalletID).
		Str("user_id", userID).
		Str("currency", currency).
		Str("wallet_type", walletType).
		Msg("wallet provisioned")
	return wallet, nil
}

// GetWallet retrieves a wallet by ID.
func (s *Service) GetWallet(walletID string) (*types.Wallet, error) {
	return s.db.GetWallet(walletID)
}

// GetBalance returns the available/locked split for a wallet.
func (s *Service) GetBalance(walletID string) (*types.BalanceResponse, error) {
	wallet, err := s.db.GetWallet(walletID)
	if err != nil {
		return nil, err
	}
	return &types.BalanceResponse{
		WalletID:   wallet.WalletID,
		Currency:   wallet.Currency,
		WalletType: wallet.WalletType,
		Available:  wallet.AvailableBalance,
		Locked:     wallet.LockedBalance,
		Total:      wallet.TotalBalance(),
	}, nil
}

// Reserve atomically moves amount from available to locked. All-or-nothing:
// a wallet that cannot cover the full amount fails with
// ErrInsufficientFunds and is left untouched.
func (s *Service) Reserve(walletID string, amount decimal.Decimal) (*Reservation, error) {
	amount = types.TruncateAmount(amount)
	if !amount.IsPositive() {
		return nil, types.NewValidationError("amount", "must be positive")
	}

	release, err := s.AcquireWallet(walletID)
	if err != nil {
		return nil, err
	}
	defer release()

	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		wallet, err := s.db.GetWalletTx(tx, walletID)
		if err != nil {
			return err
		}
		if wallet.Status != types.WalletActive {
			return types.NewValidationError("wallet", "wallet is locked")
		}
		if wallet.AvailableBalance.LessThan(amount) {
			return types.ErrInsufficientFunds
		}

		wallet.AvailableBalance = wallet.AvailableBalance.Sub(amount)
		wallet.LockedBalance = wallet.LockedBalance.Add(amount)
		return s.db.UpdateWalletCAS(tx, wallet)
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("wallet_id", walletID).
		Str("amount", amount.String()).
		Msg("funds reserved")
	return &Reservation{WalletID: walletID, Amount: amount}, nil
}

// Release returns a never-consumed reservation from locked to available.
func (s *Service) Release(reservation *Reservation) error {
	release, err := s.AcquireWallet(reservation.WalletID)
	if err != nil {
		return err
	}
	defer release()

	return s.db.DB().Transaction(func(tx *gorm.DB) error {
		return s.ReleaseWithin(tx, reservation.WalletID, reservation.Amount)
	})
}

// ReleaseWithin moves amount from locked back to available inside the
// caller's transaction. The caller must hold the wallet lock.
func (s *Service) ReleaseWithin(tx *gorm.DB, walletID string, amount decimal.Decimal) error {
	amount = types.TruncateAmount(amount)
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return types.NewValidationError("amount", "must not be negative")
	}

	wallet, err := s.db.GetWalletTx(tx, walletID)
	if err != nil {
		return err
	}
	if wallet.LockedBalance.LessThan(amount) {
		return &types.ConsistencyError{
			WalletID: walletID,
			Detail:   "release exceeds locked balance",
		}
	}

	wallet.LockedBalance = wallet.LockedBalance.Sub(amount)
	wallet.AvailableBalance = wallet.AvailableBalance.Add(amount)
	return s.db.UpdateWalletCAS(tx, wallet)
}

// PostSpec describes one leg of a posting. Amount is the signed delta to
// the wallet's total balance; Bucket selects which side of the
// available/locked split it applies to (available when empty).
type PostSpec struct {
	WalletID             string
	Type                 string
	Bucket               string
	Amount               decimal.Decimal
	OrderID              string
	TradeID              string
	RelatedTransactionID string
	Destination          string
	Description          string
}

// Post records a single-leg balance change.
func (s *Service) Post(spec PostSpec) (*types.Transaction, error) {
	txns, err := s.PostLegs([]PostSpec{spec})
	if err != nil {
		return nil, err
	}
	return txns[0], nil
}

// PostLegs applies a multi-leg posting atomically: either every leg's
// transaction row and wallet update commit together or none do.
func (s *Service) PostLegs(legs []PostSpec) ([]*types.Transaction, error) {
	walletIDs := make([]string, 0, len(legs))
	for _, leg := range legs {
		walletIDs = append(walletIDs, leg.WalletID)
	}

	release, err := s.AcquireWallets(walletIDs...)
	if err != nil {
		return nil, err
	}
	defer release()

	var txns []*types.Transaction
	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		txns, err = s.PostLegsWithin(tx, legs)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.NotifyBalanceChanged(walletIDs...)
	return txns, nil
}

// PostLegsWithin applies legs inside the caller's transaction. The caller
// must hold every affected wallet's lock and is responsible for emitting
// balance events after commit.
func (s *Service) PostLegsWithin(tx *gorm.DB, legs []PostSpec) ([]*types.Transaction, error) {
	txns := make([]*types.Transaction, 0, len(legs))
	for i := range legs {
		txn, err := s.applyLeg(tx, legs[i])
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

// applyLeg writes the transaction row ahead of the wallet update so a
// crash can never leave a balance change without its audit record.
func (s *Service) applyLeg(tx *gorm.DB, spec PostSpec) (*types.Transaction, error) {
	amount := types.TruncateAmount(spec.Amount)
	bucket := spec.Bucket
	if bucket == "" {
		bucket = types.BucketAvailable
	}

	wallet, err := s.db.GetWalletTx(tx, spec.WalletID)
	if err != nil {
		return nil, err
	}

	before := wallet.TotalBalance()
	switch bucket {
	case types.BucketAvailable:
		wallet.AvailableBalance = wallet.AvailableBalance.Add(amount)
	case types.BucketLocked:
		wallet.LockedBalance = wallet.LockedBalance.Add(amount)
	default:
		return nil, types.NewValidationError("bucket", "unknown balance bucket")
	}

	if wallet.AvailableBalance.IsNegative() || wallet.LockedBalance.IsNegative() {
		return nil, &types.ConsistencyError{
			WalletID: wallet.WalletID,
			Detail:   "posting would drive balance negative",
		}
	}

	txn := &types.Transaction{
		TransactionID:        "TXN_" + uuid.New().String(),
		WalletID:             wallet.WalletID,
		UserID:               wallet.UserID,
		Currency:             wallet.Currency,
		Type:                 spec.Type,
		Bucket:               bucket,
		Amount:               amount,
		BalanceBefore:        before,
		BalanceAfter:         before.Add(amount),
		Status:               types.TxCompleted,
		RelatedTransactionID: spec.RelatedTransactionID,
		OrderID:              spec.OrderID,
		TradeID:              spec.TradeID,
		Destination:          spec.Destination,
		Description:          spec.Description,
		CreatedAt:            time.Now(),
	}

	if err := s.db.CreateTransactionTx(tx, txn); err != nil {
		return nil, err
	}
	if err := s.db.UpdateWalletCAS(tx, wallet); err != nil {
		return nil, err
	}

	log.Debug().
		Str("transaction_id", txn.TransactionID).
		Str("wallet_id", wallet.WalletID).
		Str("type", txn.Type).
		Str("amount", amount.String()).
		Str("balance_after", txn.BalanceAfter.String()).
		Msg("posting applied")
	return txn, nil
}

// NotifyBalanceChanged emits balance.changed for each wallet. Called after
// the surrounding storage transaction commits.
func (s *Service) NotifyBalanceChanged(walletIDs ...string) {
	seen := make(map[string]struct{}, len(walletIDs))
	for _, id := range walletIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		wallet, err := s.db.GetWallet(id)
		if err != nil {
			log.Error().Err(err).Str("wallet_id", id).Msg("failed to load wallet for balance event")
			continue
		}
		s.emitter.Publish(events.BalanceChanged, wallet.UserID, types.BalanceResponse{
			WalletID:   wallet.WalletID,
			Currency:   wallet.Currency,
			WalletType: wallet.WalletType,
			Available:  wallet.AvailableBalance,
			Locked:     wallet.LockedBalance,
			Total:      wallet.TotalBalance(),
		})
	}
}

// Deposit credits external funds to the user's wallet, provisioning it on
// first use.
func (s *Service) Deposit(userID, currency, walletType string, amount decimal.Decimal) (*types.Transaction, error) {
	amount = types.TruncateAmount(amount)
	if !amount.IsPositive() {
		return nil, types.NewValidationError("amount", "must be positive")
	}

	wallet, err := s.GetOrCreateWallet(userID, currency, walletType)
	if err != nil {
		return nil, err
	}

	return s.Post(PostSpec{
		WalletID:    wallet.WalletID,
		Type:        types.TxDeposit,
		Amount:      amount,
		Description: "external deposit",
	})
}

// Withdraw debits available funds. A derived idempotency key collapses
// accidental duplicate submissions inside a short window into a single
// withdrawal.
func (s *Service) Withdraw(userID, currency, walletType, destination string, amount decimal.Decimal) (*types.Transaction, error) {
	amount = types.TruncateAmount(amount)
	if !amount.IsPositive() {
		return nil, types.NewValidationError("amount", "must be positive")
	}
	if destination == "" {
		return nil, types.NewValidationError("destination", "must not be empty")
	}

	key := withdrawalKey(userID, currency, walletType, destination, amount, time.Now())
	record, err := s.db.GetIdempotencyRecord(key)
	if err != nil {
		return nil, err
	}
	if record != nil && record.ExpiresAt.After(time.Now()) {
		log.Info().
			Str("user_id", userID).
			Str("idempotency_key", key).
			Msg("duplicate withdrawal submission, returning original")
		return s.db.GetTransaction(record.ResourceID)
	}

	wallet, err := s.db.GetWalletByOwner(userID, currency, walletType)
	if err != nil {
		return nil, err
	}

	release, err := s.AcquireWallet(wallet.WalletID)
	if err != nil {
		return nil, err
	}
	defer release()

	var txn *types.Transaction
	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		current, err := s.db.GetWalletTx(tx, wallet.WalletID)
		if err != nil {
			return err
		}
		if current.Status != types.WalletActive {
			return types.NewValidationError("wallet", "wallet is locked")
		}
		if current.AvailableBalance.LessThan(amount) {
			return types.ErrInsufficientFunds
		}

		txn, err = s.applyLeg(tx, PostSpec{
			WalletID:    wallet.WalletID,
			Type:        types.TxWithdrawal,
			Amount:      amount.Neg(),
			Destination: destination,
			Description: "withdrawal to " + destination,
		})
		if err != nil {
			return err
		}

		return s.db.CreateIdempotencyRecordTx(tx, &types.IdempotencyRecord{
			IdempotencyKey: key,
			ResourceID:     txn.TransactionID,
			ResourceType:   "withdrawal",
			ExpiresAt:      time.Now().Add(withdrawalIdempotencyWindow),
		})
	})
	if err != nil {
		return nil, err
	}

	s.NotifyBalanceChanged(wallet.WalletID)
	return txn, nil
}

// withdrawalKey derives the short-lived idempotency key from the request
// identity and the current time window.
func withdrawalKey(userID, currency, walletType, destination string, amount decimal.Decimal, at time.Time) string {
	window := at.UTC().Truncate(withdrawalIdempotencyWindow)
	input := strings.Join([]string{
		userID, currency, walletType, destination, amount.String(), window.Format(time.RFC3339),
	}, "|")
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
