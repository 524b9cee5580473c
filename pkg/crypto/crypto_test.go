package crypto

import (
	"strings"
	"testing"
)

func mustKey(t *testing.T) *Key {
	t.Helper()
	encoded, err := GenerateKey()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	key, err := LoadKey(encoded)
	if err != nil {
		t.Fatalf("加载密钥失败: %v", err)
	}
	return key
}

func TestCrypto_RoundTrip(t *testing.T) {
	key := mustKey(t)

	plain := "APP_USR-1234567890-access-token"
	ct, err := Encrypt(plain, key)
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}

	got, err := Decrypt(ct, key)
	if err != nil {
		t.Fatalf("解密失败: %v", err)
	}
	if got != plain {
		t.Errorf("decrypt = %q, want %q", got, plain)
	}
}

func TestCrypto_CipherTextIsOpaque(t *testing.T) {
	key := mustKey(t)

	plain := "secret-refresh-token"
	ct, err := Encrypt(plain, key)
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}

	if strings.Contains(string(ct), plain) {
		t.Error("密文不应包含明文")
	}

	// 同一明文两次加密应产生不同密文 (随机 nonce)
	ct2, _ := Encrypt(plain, key)
	if ct == ct2 {
		t.Error("两次加密产生了相同密文，nonce 没有随机化")
	}
}

func TestCrypto_WrongKeyFails(t *testing.T) {
	key1 := mustKey(t)
	key2 := mustKey(t)

	ct, err := Encrypt("token", key1)
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}

	if _, err := Decrypt(ct, key2); err == nil {
		t.Error("用错误密钥解密应当失败")
	}
}

func TestCrypto_MalformedCipherText(t *testing.T) {
	key := mustKey(t)

	tests := []struct {
		name string
		ct   CipherText
	}{
		{"空密文", CipherText("")},
		{"非 Base64", CipherText("not!!valid@@base64")},
		{"长度不足", CipherText("YWJj")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decrypt(tt.ct, key); err == nil {
				t.Error("畸形密文解密应当失败")
			}
		})
	}
}

func TestCrypto_LoadKeyValidation(t *testing.T) {
	if _, err := LoadKey(""); err == nil {
		t.Error("空密钥应当被拒绝")
	}
	if _, err := LoadKey("c2hvcnQ"); err == nil {
		t.Error("长度非法的密钥应当被拒绝")
	}
}
