package types

import "fmt"

type LeaderStatusKind uint8

const (
	Undecided = LeaderStatusKind(0)
	Commit    = LeaderStatusKind(1)
	Skip      = LeaderStatusKind(2)
)

func (k LeaderStatusKind) String() string {
	switch k {
	case Undecided:
		return "Undecided"
	case Commit:
		return "Commit"
	case Skip:
		return "Skip"
	default:
		return "UnknownStatus"
	}
}

// Decision 记录leader是通过直接规则还是间接规则确定的
type Decision uint8

const (
	DirectDecision   = Decision(1)
	IndirectDecision = Decision(2)
)

func (d Decision) String() string {
	switch d {
	case DirectDecision:
		return "direct"
	case IndirectDecision:
		return "indirect"
	default:
		return "unknown"
	}
}

// LeaderStatus 某个leader slot的决定结果
// Commit 时 Block 非空；Skip 和 Undecided 时只有 Slot
type LeaderStatus struct {
	Kind     LeaderStatusKind
	Slot     Slot
	Block    *VerifiedBlock
	Decision Decision
}

func NewCommitStatus(block *VerifiedBlock, decision Decision) LeaderStatus {
	return LeaderStatus{Kind: Commit, Slot: block.Slot(), Block: block, Decision: decision}
}

func NewSkipStatus(slot Slot, decision Decision) LeaderStatus {
	return LeaderStatus{Kind: Skip, Slot: slot, Decision: decision}
}

func NewUndecidedStatus(slot Slot) LeaderStatus {
	return LeaderStatus{Kind: Undecided, Slot: slot}
}

func (ls LeaderStatus) IsDecided() bool {
	return ls.Kind != Undecided
}

func (ls LeaderStatus) Round() Round {
	return ls.Slot.Round
}

func (ls LeaderStatus) Authority() AuthorityIndex {
	return ls.Slot.Authority
}

func (ls LeaderStatus) String() string {
	switch ls.Kind {
	case Commit:
		return fmt.Sprintf("Commit(%v,%v)", ls.Block.Reference(), ls.Decision)
	case Skip:
		return fmt.Sprintf("Skip(%v,%v)", ls.Slot, ls.Decision)
	default:
		return fmt.Sprintf("Undecided(%v)", ls.Slot)
	}
}
