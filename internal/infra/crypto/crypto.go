// Package crypto — аутентифицированное шифрование строки MTProto-сессии.
// Схема: ключ выводится из ENCRYPTION_SECRET через scrypt с фиксированной солью,
// данные шифруются AES-256-GCM. Формат полезной нагрузки: "ivHex:tagHex:ctHex".
// Ошибка расшифровки фатальна на старте демона («session corrupt; re-login
// required») и никогда не приводит к тихому сбросу сессии.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/go-faster/errors"
	"golang.org/x/crypto/scrypt"
)

// Параметры KDF и формата. Соль фиксированная: секрет один на процесс, а
// детерминированный вывод ключа позволяет расшифровать сессию после рестарта.
const (
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1
	keyLen    = 32 // AES-256
	nonceLen  = 12 // стандартный GCM nonce
	tagLen    = 16
	fixedSalt = "tg-backup.session.v1"
)

// ErrMalformed сообщает, что зашифрованная строка не соответствует формату
// "iv:tag:ciphertext" в hex.
var ErrMalformed = errors.New("crypto: malformed payload")

// ErrDecrypt сообщает о провале аутентификации/расшифровки. Для вызывающего кода
// это терминальное состояние: сессия повреждена, требуется повторный логин.
var ErrDecrypt = errors.New("crypto: decrypt failed")

// Box инкапсулирует выведенный ключ. Создаётся один раз на процесс.
type Box struct {
	key []byte
}

// NewBox выводит ключ AES-256 из секрета через scrypt. Секрет не хранится.
func NewBox(secret string) (*Box, error) {
	if secret == "" {
		return nil, errors.New("crypto: empty secret")
	}
	key, err := scrypt.Key([]byte(secret), []byte(fixedSalt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, errors.Wrap(err, "derive key")
	}
	return &Box{key: key}, nil
}

// Encrypt шифрует plaintext и возвращает строку "ivHex:tagHex:ctHex".
// Nonce генерируется случайно на каждое обращение.
func (b *Box) Encrypt(plaintext []byte) (string, error) {
	aead, err := b.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "nonce")
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	// Seal возвращает ciphertext||tag; формат хранения держит тег отдельным полем.
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt разбирает строку формата Encrypt и возвращает исходные байты.
// Любая ошибка формата или аутентификации превращается в ErrMalformed/ErrDecrypt.
func (b *Box) Decrypt(payload string) ([]byte, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceLen {
		return nil, ErrMalformed
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagLen {
		return nil, ErrMalformed
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformed
	}
	aead, err := b.aead()
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// aead собирает AES-GCM поверх выведенного ключа.
func (b *Box) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, errors.Wrap(err, "new cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "new gcm")
	}
	return gcm, nil
}
