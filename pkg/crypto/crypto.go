package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
)

// CipherText 密文值类型
// 只能通过 Encrypt 构造、通过 Decrypt 读取，其余代码拿到的永远是不透明字符串
// 存储格式：Base64URL(nonce || AES-GCM(plaintext))
type CipherText string

var (
	ErrEmptyKey      = errors.New("encryption key is empty")
	ErrBadCipherText = errors.New("ciphertext is malformed")
)

// Key 对称密钥，从 APP_ENCRYPTION_KEY 加载
type Key struct {
	raw []byte
}

// LoadKey 从 Base64URL 字符串加载密钥 (16/24/32 字节)
func LoadKey(encoded string) (*Key, error) {
	if encoded == "" {
		return nil, ErrEmptyKey
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("解析密钥失败: %v", err)
	}
	switch len(raw) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("密钥长度非法: %d 字节", len(raw))
	}
	return &Key{raw: raw}, nil
}

// GenerateKey 生成一个 32 字节密钥的 Base64URL 编码 (部署初始化用)
func GenerateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Encrypt 加密明文，每次调用使用新的随机 nonce
func Encrypt(plaintext string, key *Key) (CipherText, error) {
	if key == nil {
		return "", ErrEmptyKey
	}
	block, err := aes.NewCipher(key.raw)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return CipherText(base64.RawURLEncoding.EncodeToString(sealed)), nil
}

// Decrypt 解密，密钥不匹配或密文被篡改时报错
func Decrypt(c CipherText, key *Key) (string, error) {
	if key == nil {
		return "", ErrEmptyKey
	}
	sealed, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return "", ErrBadCipherText
	}
	block, err := aes.NewCipher(key.raw)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", ErrBadCipherText
	}
	nonce, data := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", fmt.Errorf("解密失败: %v", err)
	}
	return string(plain), nil
}

// IsZero 是否为空密文
func (c CipherText) IsZero() bool {
	return c == ""
}

// Value 实现 driver.Valuer，落库为 TEXT
func (c CipherText) Value() (driver.Value, error) {
	return string(c), nil
}

// Scan 实现 sql.Scanner
func (c *CipherText) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*c = ""
	case string:
		*c = CipherText(v)
	case []byte:
		*c = CipherText(v)
	default:
		return fmt.Errorf("cannot scan %T into CipherText", value)
	}
	return nil
}

// String 防止密文意外进入日志时难以辨认，统一加前缀标记
func (c CipherText) String() string {
	if c == "" {
		return ""
	}
	return "enc:" + string(c)
}
