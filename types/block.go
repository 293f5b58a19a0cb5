package types

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/merkle"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

var (
	ErrInvalidBlock = errors.New("invalid block")
)

// DAG中的基本单位，由一个authority在某一轮提出
// 区块一旦创建就不可修改
type Block struct {
	mtx sync.Mutex

	Header    `json:"header"`
	Data      `json:"data"`
	Signature tmbytes.HexBytes `json:"signature"` // sign {round}{author}{timestamp}{ancestors}{txs_hash}

	digest *Digest // cache，不参与序列化
}

type Header struct {
	Round     Round          `json:"round"`
	Author    AuthorityIndex `json:"author"`
	Timestamp int64          `json:"timestamp_ms"`
	Ancestors []BlockRef     `json:"ancestors"` // 指向之前轮次的区块
}

type Data struct {
	Txs [][]byte `json:"txs"`
}

func NewBlock(round Round, author AuthorityIndex, timestampMs int64, ancestors []BlockRef, txs [][]byte) *Block {
	return &Block{
		Header: Header{
			Round:     round,
			Author:    author,
			Timestamp: timestampMs,
			Ancestors: ancestors,
		},
		Data: Data{Txs: txs},
	}
}

// SignBytes 返回签名覆盖的内容
func (b *Block) SignBytes() []byte {
	return b.Header.Hash(b.Data.Hash())
}

// Digest 区块hash，包含签名
func (b *Block) Digest() Digest {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.digest == nil {
		var d Digest
		copy(d[:], merkle.HashFromByteSlices([][]byte{b.SignBytes(), b.Signature}))
		b.digest = &d
	}
	return *b.digest
}

func (b *Block) Reference() BlockRef {
	return NewBlockRef(b.Round, b.Author, b.Digest())
}

// ValidateBasic 检查区块结构上的错误，不依赖committee
func (b *Block) ValidateBasic() error {
	if b == nil {
		return errors.Wrap(ErrInvalidBlock, "nil block")
	}
	seen := make(map[BlockRef]struct{}, len(b.Ancestors))
	for _, ancestor := range b.Ancestors {
		if ancestor.Round >= b.Round {
			return errors.Wrapf(ErrInvalidBlock, "ancestor %v is not below block round %d", ancestor, b.Round)
		}
		if _, ok := seen[ancestor]; ok {
			return errors.Wrapf(ErrInvalidBlock, "duplicated ancestor %v", ancestor)
		}
		seen[ancestor] = struct{}{}
	}
	return nil
}

func (b *Block) String() string {
	if b == nil {
		return "nil-Block"
	}
	return fmt.Sprintf("Block{%v ancestors:%d txs:%d}", b.Reference(), len(b.Ancestors), len(b.Txs))
}

func (h *Header) Hash(txsHash []byte) []byte {
	bzs := make([][]byte, 0, 4+len(h.Ancestors))
	bzs = append(bzs, uint64Bytes(uint64(h.Round)), uint64Bytes(uint64(h.Author)), uint64Bytes(uint64(h.Timestamp)), txsHash)
	for _, ancestor := range h.Ancestors {
		bzs = append(bzs, refBytes(ancestor))
	}
	return merkle.HashFromByteSlices(bzs)
}

func (d *Data) Hash() []byte {
	return merkle.HashFromByteSlices(d.Txs)
}

func uint64Bytes(v uint64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, v)
	return bz
}

func refBytes(ref BlockRef) []byte {
	bz := make([]byte, 0, 8+DigestSize)
	bz = append(bz, uint64Bytes(uint64(ref.Round))[4:]...)
	bz = append(bz, uint64Bytes(uint64(ref.Author))[4:]...)
	return append(bz, ref.Digest[:]...)
}

//----------------------------------------

// VerifiedBlock 签名和结构都已经校验过的区块，只读
type VerifiedBlock struct {
	block *Block
	ref   BlockRef
}

// NewVerifiedBlock 只应在校验通过之后调用
func NewVerifiedBlock(block *Block) *VerifiedBlock {
	return &VerifiedBlock{
		block: block,
		ref:   block.Reference(),
	}
}

func (vb *VerifiedBlock) Block() *Block          { return vb.block }
func (vb *VerifiedBlock) Reference() BlockRef    { return vb.ref }
func (vb *VerifiedBlock) Digest() Digest         { return vb.ref.Digest }
func (vb *VerifiedBlock) Round() Round           { return vb.ref.Round }
func (vb *VerifiedBlock) Author() AuthorityIndex { return vb.ref.Author }
func (vb *VerifiedBlock) Slot() Slot             { return vb.ref.Slot() }
func (vb *VerifiedBlock) Timestamp() int64       { return vb.block.Timestamp }
func (vb *VerifiedBlock) Ancestors() []BlockRef  { return vb.block.Ancestors }
func (vb *VerifiedBlock) Txs() [][]byte          { return vb.block.Txs }

func (vb *VerifiedBlock) String() string {
	return vb.block.String()
}

// GenesisBlocks 每个authority在第0轮有一个没有祖先的区块
func GenesisBlocks(committee *Committee) []*VerifiedBlock {
	blocks := make([]*VerifiedBlock, 0, committee.Size())
	for _, authority := range committee.Authorities {
		blocks = append(blocks, NewVerifiedBlock(NewBlock(0, authority.Index, 0, []BlockRef{}, [][]byte{})))
	}
	return blocks
}

//----------------------------------------
// TestBlock

// TestBlock 方便测试时构造区块
// EXPOSED FOR TESTING.
type TestBlock struct {
	block *Block
}

func NewTestBlock(round Round, author AuthorityIndex) *TestBlock {
	return &TestBlock{block: NewBlock(round, author, int64(round)*1000, []BlockRef{}, [][]byte{})}
}

func (tb *TestBlock) SetAncestors(ancestors []BlockRef) *TestBlock {
	tb.block.Ancestors = append([]BlockRef{}, ancestors...)
	return tb
}

func (tb *TestBlock) SetTimestamp(ts int64) *TestBlock {
	tb.block.Timestamp = ts
	return tb
}

func (tb *TestBlock) SetTxs(txs [][]byte) *TestBlock {
	tb.block.Txs = txs
	return tb
}

func (tb *TestBlock) Build() *VerifiedBlock {
	return NewVerifiedBlock(tb.block)
}
