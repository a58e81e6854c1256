package strategy

import (
	"encoding/base64"
	"fmt"
	"regexp"

	"github.com/goccy/go-json"

	"github.com/R3E-Network/smartcache/infrastructure/crypto"
	"github.com/R3E-Network/smartcache/infrastructure/errors"
)

// Encryption encrypts values for keys on the configured allow-list (exact
// keys or regex patterns) or all values when encrypt_all is set. A decrypt
// failure on restore surfaces as a miss, never as an error to the caller.
type Encryption struct {
	encryptor crypto.Encryptor
	exact     map[string]struct{}
	patterns  []*regexp.Regexp
	all       bool
}

// NewEncryption creates a new Encryption strategy. Invalid regex patterns
// are skipped.
func NewEncryption(encryptor crypto.Encryptor, keys, patterns []string, encryptAll bool) *Encryption {
	exact := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		exact[key] = struct{}{}
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		compiled = append(compiled, re)
	}

	return &Encryption{
		encryptor: encryptor,
		exact:     exact,
		patterns:  compiled,
		all:       encryptAll,
	}
}

func (*Encryption) ID() string { return "encryption" }

func (e *Encryption) ShouldApply(value interface{}, sc *Context) bool {
	if e.encryptor == nil || !sc.Config.Strategies.Encryption.Enabled {
		return false
	}
	if e.all {
		return true
	}
	if _, ok := e.exact[sc.Key]; ok {
		return true
	}
	for _, re := range e.patterns {
		if re.MatchString(sc.Key) {
			return true
		}
	}
	return false
}

func (e *Encryption) Optimize(value interface{}, sc *Context) (interface{}, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("serialize for encryption: %w", err)
	}
	ciphertext, err := e.encryptor.Encrypt(raw)
	if err != nil {
		return nil, errors.EncryptionFailed(err)
	}
	return map[string]interface{}{
		MarkerEncrypted: true,
		fieldData:       base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

func (e *Encryption) Restore(value interface{}, sc *Context) (interface{}, bool, error) {
	if !HasMarker(value, MarkerEncrypted) {
		return value, false, nil
	}
	envelope := value.(map[string]interface{})

	data, ok := envelope[fieldData].(string)
	if !ok {
		return nil, true, errors.DecryptionFailed(fmt.Errorf("envelope missing data field"))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, true, errors.DecryptionFailed(err)
	}
	if e.encryptor == nil {
		return nil, true, errors.DecryptionFailed(fmt.Errorf("no encryptor configured"))
	}
	raw, err := e.encryptor.Decrypt(ciphertext)
	if err != nil {
		return nil, true, errors.DecryptionFailed(err)
	}

	var restored interface{}
	if err := json.Unmarshal(raw, &restored); err != nil {
		return nil, true, errors.DecryptionFailed(err)
	}
	return restored, true, nil
}
