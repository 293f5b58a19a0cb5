package consensus

import (
	"errors"
	"fmt"

	"dagbft/types"
)

const (
	// receiveRoutine前缓存的消息数量，超过后发送方另起goroutine
	msgQueueSize = 1000

	// MaxBlocksPerMessage 单条消息携带的区块上限
	MaxBlocksPerMessage = 1000
)

// ------ Message ------
type Message interface {
	ValidateBasic() error
}

// 与其他节点之间通信的消息格式
type msgInfo struct {
	Msg    Message
	PeerID string
}

// BlocksMessage 其他节点发来的区块，顺序任意
type BlocksMessage struct {
	Blocks []*types.Block
}

func (msg *BlocksMessage) ValidateBasic() error {
	if len(msg.Blocks) == 0 {
		return errors.New("empty blocks message")
	}
	if len(msg.Blocks) > MaxBlocksPerMessage {
		return fmt.Errorf("too many blocks in one message: %d > %d", len(msg.Blocks), MaxBlocksPerMessage)
	}
	for _, block := range msg.Blocks {
		if block == nil {
			return errors.New("nil block in message")
		}
	}
	return nil
}

func (msg *BlocksMessage) String() string {
	return fmt.Sprintf("[Blocks %d]", len(msg.Blocks))
}

// GCRoundMessage 推进gc轮次
type GCRoundMessage struct {
	Round types.Round
}

func (msg *GCRoundMessage) ValidateBasic() error {
	return nil
}

func (msg *GCRoundMessage) String() string {
	return fmt.Sprintf("[GCRound %d]", msg.Round)
}

// BlockRefsMessage 其他节点宣布已经拥有的区块，本地没有的加入缺失集合
type BlockRefsMessage struct {
	Refs []types.BlockRef
}

func (msg *BlockRefsMessage) ValidateBasic() error {
	if len(msg.Refs) == 0 {
		return errors.New("empty block refs message")
	}
	if len(msg.Refs) > MaxBlocksPerMessage {
		return fmt.Errorf("too many block refs in one message: %d > %d", len(msg.Refs), MaxBlocksPerMessage)
	}
	return nil
}

func (msg *BlockRefsMessage) String() string {
	return fmt.Sprintf("[BlockRefs %d]", len(msg.Refs))
}
