package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Round DAG中的轮次，genesis区块位于第0轮
type Round uint32

// AuthorityIndex committee中authority的下标，在一个epoch内固定不变
type AuthorityIndex uint32

const (
	DigestSize = 32
)

// Digest 区块的hash
type Digest [DigestSize]byte

var (
	MinDigest = Digest{}
	MaxDigest = func() Digest {
		var d Digest
		for i := range d {
			d[i] = 0xff
		}
		return d
	}()
)

func DigestFromBytes(bz []byte) (Digest, error) {
	var d Digest
	if len(bz) != DigestSize {
		return d, fmt.Errorf("wrong digest size: got %d, expected %d", len(bz), DigestSize)
	}
	copy(d[:], bz)
	return d, nil
}

func (d Digest) String() string {
	// 只显示前4个字节，方便日志阅读
	return hex.EncodeToString(d[:4])
}

func (d Digest) Compare(other Digest) int {
	return bytes.Compare(d[:], other[:])
}

// BlockRef 唯一标识一个区块 (round, author, digest)
// 排序规则为 round -> author -> digest，所有需要确定性遍历的地方都使用该顺序
type BlockRef struct {
	Round  Round          `json:"round"`
	Author AuthorityIndex `json:"author"`
	Digest Digest         `json:"digest"`
}

func NewBlockRef(round Round, author AuthorityIndex, digest Digest) BlockRef {
	return BlockRef{Round: round, Author: author, Digest: digest}
}

// Compare returns -1, 0 or 1.
func (ref BlockRef) Compare(other BlockRef) int {
	switch {
	case ref.Round < other.Round:
		return -1
	case ref.Round > other.Round:
		return 1
	case ref.Author < other.Author:
		return -1
	case ref.Author > other.Author:
		return 1
	}
	return ref.Digest.Compare(other.Digest)
}

func (ref BlockRef) Less(other BlockRef) bool {
	return ref.Compare(other) < 0
}

func (ref BlockRef) Slot() Slot {
	return Slot{Round: ref.Round, Authority: ref.Author}
}

func (ref BlockRef) String() string {
	return fmt.Sprintf("B%d(%d,%v)", ref.Round, ref.Author, ref.Digest)
}

// BlockRefLess 供btree等有序容器使用
func BlockRefLess(a, b BlockRef) bool {
	return a.Less(b)
}

// Slot 一个leader候选位置 (round, authority)
type Slot struct {
	Round     Round          `json:"round"`
	Authority AuthorityIndex `json:"authority"`
}

func NewSlot(round Round, authority AuthorityIndex) Slot {
	return Slot{Round: round, Authority: authority}
}

func (s Slot) String() string {
	return fmt.Sprintf("S%d(%d)", s.Round, s.Authority)
}

// Less 先比较round，再比较authority
func (s Slot) Less(other Slot) bool {
	if s.Round != other.Round {
		return s.Round < other.Round
	}
	return s.Authority < other.Authority
}

func (d Digest) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(d[:]) + `"`), nil
}

func (d *Digest) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("digest must be a hex string, got %s", data)
	}
	bz, err := hex.DecodeString(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	parsed, err := DigestFromBytes(bz)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
