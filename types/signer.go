package types

import (
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/sign/schnorr"
)

var (
	ErrInvalidSignature = errors.New("invalid block signature")

	// 所有authority使用同一个suite
	suite = edwards25519.NewBlakeSHA256Ed25519()
)

// Suite 返回签名使用的群
func Suite() *edwards25519.SuiteEd25519 {
	return suite
}

// BlockSigner 使用schnorr签名对区块签名
type BlockSigner struct {
	privKey kyber.Scalar
	pubKey  kyber.Point
}

func NewBlockSigner(privKey kyber.Scalar) *BlockSigner {
	return &BlockSigner{
		privKey: privKey,
		pubKey:  suite.Point().Mul(privKey, nil),
	}
}

// NewBlockSignerFromSeed 相同的seed生成相同的密钥
func NewBlockSignerFromSeed(seed []byte) *BlockSigner {
	return NewBlockSigner(suite.Scalar().Pick(suite.XOF(seed)))
}

// GenBlockSigner generates a signer with a random private key.
func GenBlockSigner() *BlockSigner {
	return NewBlockSigner(suite.Scalar().Pick(suite.RandomStream()))
}

func (s *BlockSigner) PubKey() kyber.Point {
	return s.pubKey
}

func (s *BlockSigner) PrivKey() kyber.Scalar {
	return s.privKey
}

// SignBlock 填充block的签名字段
func (s *BlockSigner) SignBlock(block *Block) error {
	sig, err := schnorr.Sign(suite, s.privKey, block.SignBytes())
	if err != nil {
		return errors.Wrap(err, "sign block")
	}
	block.mtx.Lock()
	block.Signature = sig
	block.digest = nil
	block.mtx.Unlock()
	return nil
}

// VerifySignature 校验区块签名是否来自pubKey
func VerifySignature(block *Block, pubKey kyber.Point) error {
	if pubKey == nil {
		return errors.Wrap(ErrInvalidSignature, "nil public key")
	}
	if err := schnorr.Verify(suite, pubKey, block.SignBytes(), block.Signature); err != nil {
		return errors.Wrapf(ErrInvalidSignature, "block %v: %v", block.Reference(), err)
	}
	return nil
}
