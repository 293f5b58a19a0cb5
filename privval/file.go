package privval

import (
	"fmt"
	"io/ioutil"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/tempfile"

	"dagbft/types"
)

var ErrWrongAuthor = errors.New("block author does not match the key")

//-------------------------------------------------------------------------------

// FilePVKey stores the immutable part of PrivValidator.
type FilePVKey struct {
	Authority types.AuthorityIndex `json:"authority"`
	PubKey    tmbytes.HexBytes     `json:"pub_key"`
	PrivKey   tmbytes.HexBytes     `json:"priv_key"`

	filePath string
}

// Save persists the FilePVKey to its filePath.
func (pvKey FilePVKey) Save() error {
	outFile := pvKey.filePath
	if outFile == "" {
		return errors.New("cannot save private key: filePath not set")
	}

	jsonBytes, err := tmjson.MarshalIndent(pvKey, "", "  ")
	if err != nil {
		return err
	}
	return tempfile.WriteFileAtomic(outFile, jsonBytes, 0600)
}

//-------------------------------------------------------------------------------

// FilePV 一个authority的区块签名密钥，保存在磁盘上
// NOTE: the directory containing pv.Key.filePath must already exist.
type FilePV struct {
	Key FilePVKey

	signer *types.BlockSigner
}

// NewFilePV generates a new key file from the given signer and path.
func NewFilePV(authority types.AuthorityIndex, signer *types.BlockSigner, keyFilePath string) *FilePV {
	pub, err := signer.PubKey().MarshalBinary()
	if err != nil {
		panic(err)
	}
	priv, err := signer.PrivKey().MarshalBinary()
	if err != nil {
		panic(err)
	}
	return &FilePV{
		Key: FilePVKey{
			Authority: authority,
			PubKey:    pub,
			PrivKey:   priv,
			filePath:  keyFilePath,
		},
		signer: signer,
	}
}

// GenFilePVWithSeed 相同的seed生成相同的密钥，本地模拟committee时使用
func GenFilePVWithSeed(keyFilePath string, authority types.AuthorityIndex, seed []byte) *FilePV {
	return NewFilePV(authority, types.NewBlockSignerFromSeed(seed), keyFilePath)
}

// GenFilePV generates a new key with a randomly generated private key
// and sets the filePath, but does not call Save().
func GenFilePV(keyFilePath string, authority types.AuthorityIndex) *FilePV {
	return NewFilePV(authority, types.GenBlockSigner(), keyFilePath)
}

// LoadFilePV loads a FilePV from keyFilePath.
func LoadFilePV(keyFilePath string) (*FilePV, error) {
	keyJSONBytes, err := ioutil.ReadFile(keyFilePath)
	if err != nil {
		return nil, err
	}
	pvKey := FilePVKey{}
	if err := tmjson.Unmarshal(keyJSONBytes, &pvKey); err != nil {
		return nil, errors.Wrapf(err, "reading private key from %v", keyFilePath)
	}

	suite := types.Suite()
	priv := suite.Scalar()
	if err := priv.UnmarshalBinary(pvKey.PrivKey); err != nil {
		return nil, errors.Wrapf(err, "decoding private key from %v", keyFilePath)
	}
	signer := types.NewBlockSigner(priv)

	// overwrite pubkey for convenience
	pub, err := signer.PubKey().MarshalBinary()
	if err != nil {
		return nil, err
	}
	pvKey.PubKey = pub
	pvKey.filePath = keyFilePath

	return &FilePV{
		Key:    pvKey,
		signer: signer,
	}, nil
}

// LoadOrGenFilePV loads a FilePV from the given filePath
// or else generates a new one and saves it to the filePath.
func LoadOrGenFilePV(keyFilePath string, authority types.AuthorityIndex) (*FilePV, error) {
	if tmos.FileExists(keyFilePath) {
		return LoadFilePV(keyFilePath)
	}
	pv := GenFilePV(keyFilePath, authority)
	if err := pv.Save(); err != nil {
		return nil, err
	}
	return pv, nil
}

func (pv *FilePV) Authority() types.AuthorityIndex {
	return pv.Key.Authority
}

func (pv *FilePV) Signer() *types.BlockSigner {
	return pv.signer
}

// SignBlock 只签自己作为author的区块
func (pv *FilePV) SignBlock(block *types.Block) error {
	if block.Author != pv.Key.Authority {
		return errors.Wrapf(ErrWrongAuthor, "author %d, key %d", block.Author, pv.Key.Authority)
	}
	return pv.signer.SignBlock(block)
}

// Save persists the FilePV to disk.
func (pv *FilePV) Save() error {
	return pv.Key.Save()
}

func (pv *FilePV) String() string {
	return fmt.Sprintf("PrivValidator{authority:%d pub:%v}", pv.Key.Authority, pv.Key.PubKey)
}
