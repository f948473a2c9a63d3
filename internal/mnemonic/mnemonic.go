// Package mnemonic converts between key entropy and BIP39 English secret
// phrases. Decoding fails closed: a phrase is accepted only when every word
// is known, the word count is allowed and the checksum matches.
package mnemonic

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"icgate/go-backend/internal/platform/apperr"

	"github.com/tyler-smith/go-bip39"
)

var (
	ErrInvalidChecksum  = apperr.New(apperr.CategoryCrypto, "InvalidChecksum", "secret phrase checksum is invalid")
	ErrInvalidWordCount = apperr.New(apperr.CategoryCrypto, "InvalidWordCount", "secret phrase word count is invalid")
	ErrUnknownWord      = apperr.New(apperr.CategoryCrypto, "UnknownWord", "secret phrase contains an unknown word")
	ErrInvalidEntropy   = errors.New("entropy must be 128-256 bits in steps of 32")
)

var (
	wordIndexOnce sync.Once
	wordIndex     map[string]int
)

// Generate returns a fresh phrase carrying bits of entropy.
func Generate(bits int) (string, error) {
	if !validEntropyBits(bits) {
		return "", ErrInvalidEntropy
	}
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

func FromEntropy(entropy []byte) (string, error) {
	if !validEntropyBits(len(entropy) * 8) {
		return "", ErrInvalidEntropy
	}
	return bip39.NewMnemonic(entropy)
}

func ToEntropy(phrase string) ([]byte, error) {
	words := strings.Fields(strings.ToLower(phrase))
	switch len(words) {
	case 12, 15, 18, 21, 24:
	default:
		return nil, fmt.Errorf("%w: %d words", ErrInvalidWordCount, len(words))
	}
	index := words2index()
	for i, w := range words {
		if _, ok := index[w]; !ok {
			return nil, fmt.Errorf("%w at position %d", ErrUnknownWord, i+1)
		}
	}
	entropy, err := bip39.EntropyFromMnemonic(strings.Join(words, " "))
	if err != nil {
		if errors.Is(err, bip39.ErrChecksumIncorrect) {
			return nil, ErrInvalidChecksum
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidChecksum, err)
	}
	return entropy, nil
}

func Validate(phrase string) bool {
	_, err := ToEntropy(phrase)
	return err == nil
}

// Normalize lowercases the phrase and collapses whitespace.
func Normalize(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

// Seed is the 64-byte PBKDF2 seed of a validated phrase.
func Seed(phrase, passphrase string) ([]byte, error) {
	normalized := Normalize(phrase)
	if _, err := ToEntropy(normalized); err != nil {
		return nil, err
	}
	return bip39.NewSeed(normalized, passphrase), nil
}

// Words returns the English word list in index order.
func Words() []string {
	return append([]string(nil), bip39.GetWordList()...)
}

func validEntropyBits(bits int) bool {
	return bits >= 128 && bits <= 256 && bits%32 == 0
}

func words2index() map[string]int {
	wordIndexOnce.Do(func() {
		list := bip39.GetWordList()
		wordIndex = make(map[string]int, len(list))
		for i, w := range list {
			wordIndex[w] = i
		}
	})
	return wordIndex
}
