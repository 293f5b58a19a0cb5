package types

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"
)

// AccountID 余额账户的标识
type AccountID string

// Version accumulator version，余额快照的单调递增版本号
type Version uint64

// BalanceSettlement 执行结束后某个版本上实际发生的余额变化
// BalanceChanges 中的值是补码表示的有符号数，负数表示扣减
type BalanceSettlement struct {
	NextVersion    Version                   `json:"next_version"`
	BalanceChanges map[AccountID]uint256.Int `json:"balance_changes"`
}

func NewBalanceSettlement(next Version) *BalanceSettlement {
	return &BalanceSettlement{
		NextVersion:    next,
		BalanceChanges: make(map[AccountID]uint256.Int),
	}
}

// AddChange 累加一个账户的变化量
func (s *BalanceSettlement) AddChange(account AccountID, delta uint256.Int) {
	cur := s.BalanceChanges[account]
	cur.Add(&cur, &delta)
	s.BalanceChanges[account] = cur
}

// Accounts 返回排序后的账户，保证遍历顺序确定
func (s *BalanceSettlement) Accounts() []AccountID {
	accounts := make([]AccountID, 0, len(s.BalanceChanges))
	for account := range s.BalanceChanges {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })
	return accounts
}

func (s *BalanceSettlement) String() string {
	return fmt.Sprintf("BalanceSettlement{next:%d changes:%d}", s.NextVersion, len(s.BalanceChanges))
}

//----------------------------------------
// signed delta helpers

// NewDelta 把int64转换成补码形式的变化量
func NewDelta(v int64) uint256.Int {
	var d uint256.Int
	if v >= 0 {
		d.SetUint64(uint64(v))
		return d
	}
	d.SetUint64(uint64(-(v + 1)) + 1)
	d.Neg(&d)
	return d
}

// IsNegativeDelta 按补码解释
func IsNegativeDelta(delta *uint256.Int) bool {
	return delta.Sign() < 0
}

// DeltaAbs 返回变化量的绝对值
func DeltaAbs(delta *uint256.Int) uint256.Int {
	var abs uint256.Int
	abs.Abs(delta)
	return abs
}

// DeltaString 以十进制有符号数的形式输出
func DeltaString(delta *uint256.Int) string {
	if IsNegativeDelta(delta) {
		abs := DeltaAbs(delta)
		return "-" + abs.Dec()
	}
	return delta.Dec()
}

// ApplyDelta 返回 balance + delta，结果为负时 ok 为 false
func ApplyDelta(balance, delta uint256.Int) (result uint256.Int, ok bool) {
	if !IsNegativeDelta(&delta) {
		result.Add(&balance, &delta)
		return result, true
	}
	abs := DeltaAbs(&delta)
	if balance.Lt(&abs) {
		return balance, false
	}
	result.Sub(&balance, &abs)
	return result, true
}
