package logs

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// 日志头中加密信息的长度
	LOG_CRYPT_MSG_LEN = 16
	// 每个加密mtr在结尾处带的随机数
	LOG_CRYPT_NONCE_LEN = 8
)

var ErrKeyNotFound = errors.New("encryption key not found")

// KeyProvider 按版本号提供主密钥
type KeyProvider interface {
	GetKey(version uint32) ([]byte, error)
}

// StaticKeys 固定的主密钥表
type StaticKeys map[uint32][]byte

func (k StaticKeys) GetKey(version uint32) ([]byte, error) {
	key, ok := k[version]
	if !ok {
		return nil, errors.Wrapf(ErrKeyNotFound, "key version %d", version)
	}
	return key, nil
}

// LogCrypt redo日志的加密上下文。页面记录的头部保持明文，页号之后的内容用AES-CTR加密，
// 日志密钥是用主密钥加密日志头中的随机信息得到的
type LogCrypt struct {
	KeyVersion uint32
	Msg        [LOG_CRYPT_MSG_LEN]byte
	block      cipher.Block
}

// NewLogCrypt 由主密钥和日志头里的信息推出日志密钥
func NewLogCrypt(keys KeyProvider, version uint32, msg []byte) (*LogCrypt, error) {
	if keys == nil {
		return nil, errors.Wrapf(ErrKeyNotFound, "no key provider for key version %d", version)
	}
	if len(msg) != LOG_CRYPT_MSG_LEN {
		return nil, errors.Errorf("invalid crypt msg length %d", len(msg))
	}
	master, err := keys.GetKey(version)
	if err != nil {
		return nil, err
	}
	mb, err := aes.NewCipher(master)
	if err != nil {
		return nil, errors.Wrapf(err, "master key version %d", version)
	}
	var logKey [LOG_CRYPT_MSG_LEN]byte
	mb.Encrypt(logKey[:], msg)
	block, err := aes.NewCipher(logKey[:])
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c := &LogCrypt{KeyVersion: version, block: block}
	copy(c.Msg[:], msg)
	return c, nil
}

// NewCryptMsg 生成新的随机加密信息
func NewCryptMsg() []byte {
	id := uuid.New()
	return id[:]
}

// NewNonce 生成一个mtr使用的随机数
func NewNonce() []byte {
	id := uuid.New()
	return id[:LOG_CRYPT_NONCE_LEN]
}

// Stream 返回一个mtr的密钥流，IV由随机数和mtr起始LSN组成。
// mtr内所有记录的加密部分按顺序共用这一个流
func (c *LogCrypt) Stream(nonce []byte, startLSN uint64) cipher.Stream {
	var iv [aes.BlockSize]byte
	copy(iv[:LOG_CRYPT_NONCE_LEN], nonce)
	binary.BigEndian.PutUint64(iv[LOG_CRYPT_NONCE_LEN:], startLSN)
	return cipher.NewCTR(c.block, iv[:])
}
