package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/holiman/uint256"

	"dagbft/types"
)

var (
	ErrNoReservations     = errors.New("withdraw has no reservations")
	ErrZeroAmount         = errors.New("explicit reservation amount must be positive")
	ErrInvalidReservation = errors.New("invalid reservation kind")
	ErrUnknownStrategy    = errors.New("unknown scheduler strategy")
)

// ReservationKind 预留余额的方式
type ReservationKind uint8

const (
	// MaxAmountU64 最多预留给定数量
	MaxAmountU64 ReservationKind = iota
	// EntireBalance 预留账户剩余的全部余额
	EntireBalance
)

func (k ReservationKind) String() string {
	switch k {
	case MaxAmountU64:
		return "max_amount"
	case EntireBalance:
		return "entire_balance"
	default:
		return fmt.Sprintf("ReservationKind(%d)", uint8(k))
	}
}

func (k ReservationKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ReservationKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "max_amount":
		*k = MaxAmountU64
	case "entire_balance":
		*k = EntireBalance
	default:
		return fmt.Errorf("%w: %q", ErrInvalidReservation, string(text))
	}
	return nil
}

type Reservation struct {
	Kind   ReservationKind `json:"kind"`
	Amount uint64          `json:"amount,omitempty"`
}

func NewMaxAmountReservation(amount uint64) Reservation {
	return Reservation{Kind: MaxAmountU64, Amount: amount}
}

func NewEntireBalanceReservation() Reservation {
	return Reservation{Kind: EntireBalance}
}

func (r Reservation) ValidateBasic() error {
	switch r.Kind {
	case MaxAmountU64:
		if r.Amount == 0 {
			return ErrZeroAmount
		}
	case EntireBalance:
	default:
		return ErrInvalidReservation
	}
	return nil
}

// feasible 剩余余额能否满足该预留
func (r Reservation) feasible(remaining *uint256.Int) bool {
	if r.Kind == EntireBalance {
		// 剩余为0表示已经被完全预留
		return !remaining.IsZero()
	}
	return !remaining.Lt(uint256.NewInt(r.Amount))
}

// apply 扣减预留，调用前必须检查过 feasible
func (r Reservation) apply(remaining *uint256.Int) {
	if r.Kind == EntireBalance {
		remaining.Clear()
		return
	}
	remaining.SubUint64(remaining, r.Amount)
}

func (r Reservation) String() string {
	if r.Kind == EntireBalance {
		return "EntireBalance"
	}
	return fmt.Sprintf("MaxAmountU64(%d)", r.Amount)
}

// TxBalanceWithdraw 一个交易需要的全部余额预留，只读
type TxBalanceWithdraw struct {
	TxDigest     types.Digest                    `json:"tx_digest"`
	Reservations map[types.AccountID]Reservation `json:"reservations"`
}

func NewTxBalanceWithdraw(digest types.Digest, reservations map[types.AccountID]Reservation) *TxBalanceWithdraw {
	return &TxBalanceWithdraw{
		TxDigest:     digest,
		Reservations: reservations,
	}
}

// ValidateBasic 显式数量为0的预留是非法输入
func (w *TxBalanceWithdraw) ValidateBasic() error {
	if w == nil || len(w.Reservations) == 0 {
		return ErrNoReservations
	}
	for account, reservation := range w.Reservations {
		if err := reservation.ValidateBasic(); err != nil {
			return fmt.Errorf("account %s: %w", account, err)
		}
	}
	return nil
}

// Accounts 排序后的账户
func (w *TxBalanceWithdraw) Accounts() []types.AccountID {
	accounts := make([]types.AccountID, 0, len(w.Reservations))
	for account := range w.Reservations {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })
	return accounts
}

func (w *TxBalanceWithdraw) String() string {
	parts := make([]string, 0, len(w.Reservations))
	for _, account := range w.Accounts() {
		parts = append(parts, fmt.Sprintf("%s:%v", account, w.Reservations[account]))
	}
	return fmt.Sprintf("Withdraw{%v [%s]}", w.TxDigest, strings.Join(parts, " "))
}

type ScheduleStatus uint8

const (
	SufficientBalance ScheduleStatus = iota
	InsufficientBalance
	// AlreadyExecuted 版本已经结算，或者同一个(交易, 版本)已经处理过
	AlreadyExecuted
	// InvalidWithdraw 预留不合法，没有参与调度
	InvalidWithdraw
)

func (s ScheduleStatus) String() string {
	switch s {
	case SufficientBalance:
		return "SufficientBalance"
	case InsufficientBalance:
		return "InsufficientBalance"
	case AlreadyExecuted:
		return "AlreadyExecuted"
	case InvalidWithdraw:
		return "InvalidWithdraw"
	default:
		return fmt.Sprintf("ScheduleStatus(%d)", uint8(s))
	}
}

func (s ScheduleStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type ScheduleResult struct {
	TxDigest types.Digest   `json:"tx_digest"`
	Status   ScheduleStatus `json:"status"`
}

func (r ScheduleResult) String() string {
	return fmt.Sprintf("%v:%v", r.TxDigest, r.Status)
}

// AccountBalanceRead 读取某个版本上的账户余额，对于同样的参数必须返回同样的结果
type AccountBalanceRead interface {
	GetAccountBalance(account types.AccountID, version types.Version) uint256.Int
}
