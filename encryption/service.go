// Package encryption computes and signs vote receipts.
package encryption

import (
	"crypto/ecdsa"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

var ErrInvalidSignature = errors.New("invalid receipt signature")

type CryptoService struct {
	key *ecdsa.PrivateKey
}

// NewCryptoService returns a service signing receipts with a fresh key.
func NewCryptoService() (*CryptoService, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generating receipt key")
	}
	return &CryptoService{key: key}, nil
}

// NewCryptoServiceWithKey restores a service from a hex encoded private key,
// so receipts issued before a restart still verify.
func NewCryptoServiceWithKey(hexKey string) (*CryptoService, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "restoring receipt key")
	}
	return &CryptoService{key: key}, nil
}

// Receipt is the Keccak-256 digest of voter, party, id and castAt, in that
// order with no delimiters.
func (cs *CryptoService) Receipt(voter, party, id string, castAt int64) []byte {
	return crypto.Keccak256Hash(
		[]byte(voter),
		[]byte(party),
		[]byte(id),
		strconv.AppendInt(nil, castAt, 10),
	).Bytes()
}

func (cs *CryptoService) Sign(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, cs.key)
	if err != nil {
		return nil, errors.Wrap(err, "signing receipt")
	}
	return sig, nil
}

// Verify checks that sig over digest was produced by this service's key.
func (cs *CryptoService) Verify(digest, sig []byte) error {
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, err.Error())
	}
	if crypto.PubkeyToAddress(*pub) != crypto.PubkeyToAddress(cs.key.PublicKey) {
		return ErrInvalidSignature
	}
	return nil
}

// Address identifies the receipt signing key.
func (cs *CryptoService) Address() string {
	return crypto.PubkeyToAddress(cs.key.PublicKey).Hex()
}

func Encode(b []byte) string {
	return hexutil.Encode(b)
}

func Decode(s string) ([]byte, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %q", s)
	}
	return b, nil
}
