// Package pow seals blocks by brute-force nonce search over a SHA3-512 digest.
package pow

import (
	"context"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

var (
	ErrInvalidPrefix = errors.New("invalid difficulty prefix")
	ErrInvalidSeal   = errors.New("invalid block seal")
)

// checkInterval is how many attempts are made between context checks.
const checkInterval = 1000

// Input holds the logical fields of a block that go into its digest.
type Input struct {
	ID           int
	Payload      string
	Timestamp    int64
	PreviousHash string
}

// Result is the outcome of a successful seal.
type Result struct {
	Hash  string
	Nonce uint64
}

// SealFunc is the signature of Seal. The ledger accepts any SealFunc so
// callers can substitute their own search.
type SealFunc func(ctx context.Context, in Input, prefix string) (Result, error)

// ValidatePrefix rejects prefixes that a lowercase hex digest can never start
// with, since sealing against them would not terminate.
func ValidatePrefix(prefix string) error {
	for i, c := range prefix {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return errors.Wrapf(ErrInvalidPrefix, "character %q at position %d is not lowercase hex", c, i)
		}
	}
	return nil
}

// Seal finds the first nonce, starting at 1, whose digest starts with prefix.
//
// The digest is sha3-512(id || payload || timestamp || previousHash || nonce)
// over the decimal/text renderings with no delimiters.
func Seal(ctx context.Context, in Input, prefix string) (Result, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return Result{}, err
	}

	h := newHasher(in)
	for nonce := uint64(1); ; nonce++ {
		if nonce%checkInterval == 0 {
			select {
			case <-ctx.Done():
				return Result{}, errors.Wrapf(ctx.Err(), "sealing block %d interrupted at nonce %d", in.ID, nonce)
			default:
			}
		}

		digest := h.digest(nonce)
		if strings.HasPrefix(digest, prefix) {
			return Result{Hash: digest, Nonce: nonce}, nil
		}
	}
}

// Digest computes the hex digest of in with the given nonce.
func Digest(in Input, nonce uint64) string {
	return newHasher(in).digest(nonce)
}

// Verify recomputes the digest and checks it against hash and prefix.
func Verify(in Input, nonce uint64, hash, prefix string) error {
	calculated := Digest(in, nonce)
	if calculated != hash {
		return errors.Wrapf(ErrInvalidSeal, "hash mismatch: stored %s, calculated %s", hash, calculated)
	}
	if !strings.HasPrefix(calculated, prefix) {
		return errors.Wrapf(ErrInvalidSeal, "hash %s does not start with %q", hash, prefix)
	}
	return nil
}

type hasher struct {
	h      hash.Hash
	input  []byte
	sum    []byte
	digits []byte
}

func newHasher(in Input) *hasher {
	input := strconv.AppendInt(nil, int64(in.ID), 10)
	input = append(input, in.Payload...)
	input = strconv.AppendInt(input, in.Timestamp, 10)
	input = append(input, in.PreviousHash...)

	return &hasher{
		h:      sha3.New512(),
		input:  input,
		digits: make([]byte, 0, 20),
	}
}

func (p *hasher) digest(nonce uint64) string {
	p.digits = strconv.AppendUint(p.digits[:0], nonce, 10)

	p.h.Reset()
	p.h.Write(p.input)
	p.h.Write(p.digits)
	p.sum = p.h.Sum(p.sum[:0])
	return hex.EncodeToString(p.sum)
}
