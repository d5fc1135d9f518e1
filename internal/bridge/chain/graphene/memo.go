package graphene

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
)

var errBadMemo = errors.New("memo decryption failed")

// memoCipher key/iv = sha512(nonce 十进制 + hex(sha512(ECDH x)))
func memoCipher(priv *btcec.PrivateKey, pub *btcec.PublicKey, nonce uint64) (cipher.Block, []byte, error) {
	shared := sha512.Sum512(btcec.GenerateSharedSecret(priv, pub))
	seed := sha512.Sum512([]byte(strconv.FormatUint(nonce, 10) + hex.EncodeToString(shared[:])))
	block, err := aes.NewCipher(seed[:32])
	if err != nil {
		return nil, nil, err
	}
	return block, seed[32:48], nil
}

// EncryptMemo 明文前面带 sha256 前 4 字节校验，AES-256-CBC + PKCS#7
func EncryptMemo(priv *btcec.PrivateKey, pub *btcec.PublicKey, nonce uint64, plain string) ([]byte, error) {
	block, iv, err := memoCipher(priv, pub, nonce)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(plain))
	msg := append(sum[:4:4], plain...)
	pad := aes.BlockSize - len(msg)%aes.BlockSize
	msg = append(msg, bytes.Repeat([]byte{byte(pad)}, pad)...)

	out := make([]byte, len(msg))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, msg)
	return out, nil
}

func DecryptMemo(priv *btcec.PrivateKey, pub *btcec.PublicKey, nonce uint64, message []byte) (string, error) {
	if len(message) == 0 || len(message)%aes.BlockSize != 0 {
		return "", errBadMemo
	}
	block, iv, err := memoCipher(priv, pub, nonce)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(message))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, message)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return "", errBadMemo
	}
	out = out[:len(out)-pad]
	if len(out) < 4 {
		return "", errBadMemo
	}
	plain := out[4:]
	sum := sha256.Sum256(plain)
	if !bytes.Equal(sum[:4], out[:4]) {
		return "", errBadMemo
	}
	return string(plain), nil
}

// openMemo 用自己的 memo 私钥解密：对端公钥取 memo 里不是自己的那一个
func openMemo(priv *btcec.PrivateKey, prefix string, m *Memo) (string, error) {
	self := FormatPublicKey(priv.PubKey(), prefix)
	other := m.From
	if other == self {
		other = m.To
	}
	pub, err := ParsePublicKey(other, prefix)
	if err != nil {
		return "", err
	}
	message, err := hex.DecodeString(m.Message)
	if err != nil {
		return "", errBadMemo
	}
	return DecryptMemo(priv, pub, uint64(m.Nonce), message)
}
