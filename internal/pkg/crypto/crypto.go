// Package crypto 负责上游账号凭证的加解密。
//
// 密钥由口令 + 盐经 scrypt 派生，密文格式为 hex(iv):hex(ct)（AES-256-CBC）。
// 解密失败时原样返回输入：存量数据中存在未加密的明文凭证，调用方按明文使用。
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/crypto/scrypt"
)

const (
	keyLen           = 32
	ivLen            = aes.BlockSize
	plaintextCacheN  = 500
	plaintextCacheTL = 5 * time.Minute
)

// scrypt 参数一经上线不可变更，否则存量密文无法解密
const (
	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

var (
	ErrEmptyPassphrase = errors.New("crypto: empty passphrase")
	ErrEmptyPlaintext  = errors.New("crypto: empty plaintext")
)

// Manager 按盐缓存派生出的 Encryptor，并持有进程级明文 LRU。
type Manager struct {
	passphrase string

	mu         sync.Mutex
	encryptors map[string]*Encryptor

	plainCache *ristretto.Cache
}

func NewManager(passphrase string) (*Manager, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrEmptyPassphrase
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: plaintextCacheN * 10,
		MaxCost:     plaintextCacheN,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: init plaintext cache: %w", err)
	}
	return &Manager{
		passphrase: passphrase,
		encryptors: make(map[string]*Encryptor),
		plainCache: cache,
	}, nil
}

// Encryptor 返回指定盐的加解密器；同一盐复用同一实例。
func (m *Manager) Encryptor(salt string) (*Encryptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if enc, ok := m.encryptors[salt]; ok {
		return enc, nil
	}

	key, err := scrypt.Key([]byte(m.passphrase), []byte(salt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}

	enc := &Encryptor{block: block, plainCache: m.plainCache}
	m.encryptors[salt] = enc
	return enc, nil
}

type Encryptor struct {
	block      cipher.Block
	plainCache *ristretto.Cache
}

// Encrypt 输出 hex(iv):hex(ct)。
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}

	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("crypto: generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(e.block, iv).CryptBlocks(ct, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt 还原 Encrypt 的输出。格式不符或解密失败时原样返回输入。
func (e *Encryptor) Decrypt(ciphertext string) string {
	if ciphertext == "" {
		return ""
	}

	cacheKey := plaintextCacheKey(ciphertext)
	if e.plainCache != nil {
		if v, ok := e.plainCache.Get(cacheKey); ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}

	plain, ok := e.decrypt(ciphertext)
	if !ok {
		// 明文遗留数据
		return ciphertext
	}

	if e.plainCache != nil {
		_ = e.plainCache.SetWithTTL(cacheKey, plain, 1, plaintextCacheTL)
	}
	return plain
}

func (e *Encryptor) decrypt(ciphertext string) (string, bool) {
	idx := strings.IndexByte(ciphertext, ':')
	if idx <= 0 || idx == len(ciphertext)-1 {
		return "", false
	}

	iv, err := hex.DecodeString(ciphertext[:idx])
	if err != nil || len(iv) != ivLen {
		return "", false
	}
	ct, err := hex.DecodeString(ciphertext[idx+1:])
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", false
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(e.block, iv).CryptBlocks(plain, ct)

	unpadded, ok := pkcs7Unpad(plain, aes.BlockSize)
	if !ok {
		return "", false
	}
	return string(unpadded), true
}

func plaintextCacheKey(ciphertext string) string {
	sum := sha256.Sum256([]byte(ciphertext))
	return hex.EncodeToString(sum[:])
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, false
		}
	}
	return data[:len(data)-padLen], true
}
