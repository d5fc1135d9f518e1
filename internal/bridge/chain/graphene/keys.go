package graphene

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/ripemd160"
)

var errBadChecksum = errors.New("checksum mismatch")

// DefaultAddressPrefix 公钥字符串前缀
const DefaultAddressPrefix = "BTS"

func ripemdChecksum(b []byte) []byte {
	h := ripemd160.New()
	h.Write(b)
	return h.Sum(nil)[:4]
}

func doubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}

// ParsePublicKey 解析 <prefix><base58(压缩公钥 + ripemd160 校验)>
func ParsePublicKey(s, prefix string) (*btcec.PublicKey, error) {
	if !strings.HasPrefix(s, prefix) {
		return nil, fmt.Errorf("public key %q: want prefix %s", s, prefix)
	}
	raw := base58.Decode(strings.TrimPrefix(s, prefix))
	if len(raw) != 37 {
		return nil, fmt.Errorf("public key %q: bad length %d", s, len(raw))
	}
	key, sum := raw[:33], raw[33:]
	if !bytes.Equal(ripemdChecksum(key), sum) {
		return nil, fmt.Errorf("public key %q: %w", s, errBadChecksum)
	}
	return btcec.ParsePubKey(key)
}

// FormatPublicKey ParsePublicKey 的逆操作
func FormatPublicKey(pub *btcec.PublicKey, prefix string) string {
	key := pub.SerializeCompressed()
	return prefix + base58.Encode(append(key, ripemdChecksum(key)...))
}

// ParseWIF 0x80 + 32 字节私钥 + 双 sha256 校验
func ParseWIF(wif string) (*btcec.PrivateKey, error) {
	raw := base58.Decode(wif)
	if len(raw) != 37 || raw[0] != 0x80 {
		return nil, errors.New("invalid wif")
	}
	payload, sum := raw[:33], raw[33:]
	if !bytes.Equal(doubleSHA256(payload)[:4], sum) {
		return nil, fmt.Errorf("wif: %w", errBadChecksum)
	}
	priv, _ := btcec.PrivKeyFromBytes(payload[1:])
	return priv, nil
}

// FormatWIF 测试和工具用
func FormatWIF(priv *btcec.PrivateKey) string {
	payload := append([]byte{0x80}, priv.Serialize()...)
	return base58.Encode(append(payload, doubleSHA256(payload)[:4]...))
}
