// adapted from github.com/tendermint/tendermint/types/validator_set.go
package types

import (
	"errors"
	"fmt"
	"strings"

	"go.dedis.ch/kyber/v3"
)

// Stake authority的投票权重
type Stake uint64

// Authority committee中的一个成员
type Authority struct {
	Index    AuthorityIndex `json:"index"`
	Stake    Stake          `json:"stake"`
	Hostname string         `json:"hostname"`
	PubKey   kyber.Point    `json:"-"`
}

// ValidateBasic performs basic validation.
func (a *Authority) ValidateBasic() error {
	if a == nil {
		return errors.New("nil authority")
	}
	if a.Stake == 0 {
		return fmt.Errorf("authority %d has zero stake", a.Index)
	}
	return nil
}

func (a *Authority) String() string {
	if a == nil {
		return "nil-Authority"
	}
	return fmt.Sprintf("Authority{%d %s stake:%d}", a.Index, a.Hostname, a.Stake)
}

// Committee represent the fixed set of authorities of an epoch.
//
// Authorities are addressed by their index, which is their position in
// Authorities. The thresholds follow the usual n = 3f+1 stake model:
// quorum is 2f+1 and validity is f+1.
//
// NOTE: Not goroutine-safe for mutation; it is never mutated after construction.
type Committee struct {
	Authorities []*Authority `json:"authorities"`

	totalStake Stake
}

// NewCommittee initializes a Committee and re-indexes the authorities by
// their position in the list.
func NewCommittee(authorities []*Authority) *Committee {
	c := &Committee{
		Authorities: make([]*Authority, 0, len(authorities)),
	}
	for i, a := range authorities {
		cp := *a
		cp.Index = AuthorityIndex(i)
		c.Authorities = append(c.Authorities, &cp)
		c.totalStake += a.Stake
	}
	return c
}

func (c *Committee) ValidateBasic() error {
	if c.IsNilOrEmpty() {
		return errors.New("committee is nil or empty")
	}

	for idx, a := range c.Authorities {
		if err := a.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid authority #%d: %w", idx, err)
		}
	}

	return nil
}

// IsNilOrEmpty returns true if committee is nil or empty.
func (c *Committee) IsNilOrEmpty() bool {
	return c == nil || len(c.Authorities) == 0
}

// Size returns the number of authorities.
func (c *Committee) Size() int {
	return len(c.Authorities)
}

func (c *Committee) TotalStake() Stake {
	return c.totalStake
}

// QuorumThreshold 2f+1
func (c *Committee) QuorumThreshold() Stake {
	return 2*c.totalStake/3 + 1
}

// ValidityThreshold f+1
func (c *Committee) ValidityThreshold() Stake {
	return (c.totalStake + 2) / 3
}

func (c *Committee) IsValidIndex(index AuthorityIndex) bool {
	return int(index) < len(c.Authorities)
}

// Stake returns the stake of the authority, 0 for an unknown index.
func (c *Committee) Stake(index AuthorityIndex) Stake {
	if !c.IsValidIndex(index) {
		return 0
	}
	return c.Authorities[index].Stake
}

// GetByIndex returns nil for an unknown index.
func (c *Committee) GetByIndex(index AuthorityIndex) *Authority {
	if !c.IsValidIndex(index) {
		return nil
	}
	return c.Authorities[index]
}

// Iterate will run the given function over the set.
func (c *Committee) Iterate(fn func(a *Authority) bool) {
	for _, a := range c.Authorities {
		if stop := fn(a); stop {
			break
		}
	}
}

// String returns a string representation of Committee.
func (c *Committee) String() string {
	if c == nil {
		return "nil-Committee"
	}
	var strs []string
	c.Iterate(func(a *Authority) bool {
		strs = append(strs, a.String())
		return false
	})
	return fmt.Sprintf("Committee{%s}", strings.Join(strs, " "))
}

//----------------------------------------

// NewCommitteeForTest returns a committee of n authorities with stake 1 each,
// along with their deterministic signers.
//
// EXPOSED FOR TESTING.
func NewCommitteeForTest(n int) (*Committee, []*BlockSigner) {
	stakes := make([]Stake, n)
	for i := range stakes {
		stakes[i] = 1
	}
	return NewCommitteeWithStakes(stakes)
}

// NewCommitteeWithStakes 按给定的stake生成committee，密钥由下标确定
func NewCommitteeWithStakes(stakes []Stake) (*Committee, []*BlockSigner) {
	authorities := make([]*Authority, len(stakes))
	signers := make([]*BlockSigner, len(stakes))
	for i, stake := range stakes {
		signer := NewBlockSignerFromSeed([]byte(fmt.Sprintf("authority-%d", i)))
		signers[i] = signer
		authorities[i] = &Authority{
			Index:    AuthorityIndex(i),
			Stake:    stake,
			Hostname: fmt.Sprintf("authority-%d", i),
			PubKey:   signer.PubKey(),
		}
	}
	return NewCommittee(authorities), signers
}
