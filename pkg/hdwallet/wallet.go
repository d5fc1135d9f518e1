// 钱包功能：冷钱包 xpub 派生充值地址，助记词派生热钱包签名私钥
package hdwallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

const (
	CoinTypeBTC uint32 = 0
	CoinTypeETH uint32 = 60
)

var ErrNoPrivateKey = errors.New("hdwallet: watch-only wallet has no private key")

type HDWallet struct {
	// 根密钥：助记词导入时是私钥，xpub 导入时只有公钥
	masterKey *hdkeychain.ExtendedKey
	btcParams *chaincfg.Params
}

// New 通过助记词生成根私钥
func New(mnemonic string, netParams *chaincfg.Params) (*HDWallet, error) {
	if mnemonic == "" {
		return nil, errors.New("mnemonic cannot empty ")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	extendKey, err := hdkeychain.NewMaster(seed, netParams)
	if err != nil {
		return nil, err
	}
	return &HDWallet{masterKey: extendKey, btcParams: netParams}, nil
}

// NewWatchOnly 从冷钱包扩展公钥 (xpub) 导入，只能派生地址，不能签名
func NewWatchOnly(xpub string, netParams *chaincfg.Params) (*HDWallet, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("parse extended key: %w", err)
	}
	if key.IsPrivate() {
		// 冷钱包私钥不允许进入服务进程
		key, err = key.Neuter()
		if err != nil {
			return nil, err
		}
	}
	return &HDWallet{masterKey: key, btcParams: netParams}, nil
}

// DeriveDepositAddress 冷钱包路径 m/0/<index>（非 hardened，xpub 可派生）
func (w *HDWallet) DeriveDepositAddress(coinType uint32, index uint32) (string, error) {
	key, err := w.derive([]uint32{0, index})
	if err != nil {
		return "", err
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return "", err
	}
	return w.addressOf(coinType, pub)
}

// DeriveAddress BIP44 路径 m/44'/coin'/0'/0/<accountIdx>，返回地址与私钥 hex
func (w *HDWallet) DeriveAddress(coinType uint32, accountIdx uint32) (string, string, error) {
	privKey, err := w.derivePrivate(coinType, accountIdx)
	if err != nil {
		return "", "", err
	}
	address, err := w.addressOf(coinType, privKey.PubKey())
	if err != nil {
		return "", "", err
	}
	return address, fmt.Sprintf("%x", privKey.Serialize()), nil
}

// HotKey 热钱包签名私钥，只交给链适配器使用
func (w *HDWallet) HotKey(accountIdx uint32) (*ecdsa.PrivateKey, error) {
	privKey, err := w.derivePrivate(CoinTypeETH, accountIdx)
	if err != nil {
		return nil, err
	}
	return privKey.ToECDSA(), nil
}

func (w *HDWallet) derivePrivate(coinType uint32, accountIdx uint32) (*btcec.PrivateKey, error) {
	if !w.masterKey.IsPrivate() {
		return nil, ErrNoPrivateKey
	}
	if coinType != CoinTypeBTC && coinType != CoinTypeETH {
		return nil, errors.New("invalid coin type")
	}
	key, err := w.derive([]uint32{
		44 + hdkeychain.HardenedKeyStart,       // Purpose
		coinType + hdkeychain.HardenedKeyStart, // CoinType
		0 + hdkeychain.HardenedKeyStart,        // Account
		0,
		accountIdx,
	})
	if err != nil {
		return nil, err
	}
	return key.ECPrivKey()
}

func (w *HDWallet) derive(path []uint32) (*hdkeychain.ExtendedKey, error) {
	key := w.masterKey
	var err error
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, err
		}
	}
	return key, nil
}

func (w *HDWallet) addressOf(coinType uint32, pub *btcec.PublicKey) (string, error) {
	switch coinType {
	case CoinTypeBTC: // SegWit (p2wpkh)
		addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), w.btcParams)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	case CoinTypeETH:
		return crypto.PubkeyToAddress(*pub.ToECDSA()).Hex(), nil
	default:
		return "", errors.New("invalid coin type")
	}
}
