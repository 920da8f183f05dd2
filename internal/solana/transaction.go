package solana

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

const (
	signatureSize = 64
	pubkeySize    = 32
	versionPrefix = 0x80
)

// ErrSignerNotRequired is returned when the transaction does not expect the signer's signature
var ErrSignerNotRequired = errors.New("signer is not a required signer of the transaction")

// SignedTransaction is a transaction ready for submission
type SignedTransaction struct {
	Raw []byte
	// Signature is the first signature, which is the transaction id
	Signature string
}

// Base64 returns the wire encoding expected by sendTransaction
func (t *SignedTransaction) Base64() string {
	return base64.StdEncoding.EncodeToString(t.Raw)
}

// SignBase64Transaction decodes a base64 transaction (legacy or versioned),
// writes the signer's signature into its slot and returns the signed bytes.
func SignBase64Transaction(encoded string, signer Signer) (*SignedTransaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return SignTransaction(raw, signer)
}

// SignTransaction signs a serialized transaction in place of its placeholder signature
func SignTransaction(raw []byte, signer Signer) (*SignedTransaction, error) {
	numSigs, n, err := decodeCompactU16(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature count: %w", err)
	}
	sigStart := n
	msgStart := sigStart + numSigs*signatureSize
	if numSigs == 0 || len(raw) <= msgStart {
		return nil, fmt.Errorf("transaction too short for %d signatures", numSigs)
	}
	message := raw[msgStart:]

	required, keys, err := requiredSigners(message)
	if err != nil {
		return nil, err
	}
	if required > numSigs {
		return nil, fmt.Errorf("message requires %d signatures, transaction has %d slots", required, numSigs)
	}

	signerKey, err := DecodePublicKey(signer.PublicKey())
	if err != nil {
		return nil, err
	}

	slot := -1
	for i := 0; i < required; i++ {
		if bytes.Equal(keys[i], signerKey) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, ErrSignerNotRequired
	}

	signed := make([]byte, len(raw))
	copy(signed, raw)
	sig := signer.Sign(message)
	copy(signed[sigStart+slot*signatureSize:], sig)

	return &SignedTransaction{
		Raw:       signed,
		Signature: base58.Encode(signed[sigStart : sigStart+signatureSize]),
	}, nil
}

// requiredSigners parses the message header and returns the account keys
func requiredSigners(message []byte) (int, [][]byte, error) {
	offset := 0
	if message[0]&versionPrefix != 0 {
		if version := message[0] &^ versionPrefix; version != 0 {
			return 0, nil, fmt.Errorf("unsupported transaction version %d", version)
		}
		offset++
	}

	if len(message) < offset+3 {
		return 0, nil, errors.New("message header truncated")
	}
	required := int(message[offset])
	offset += 3

	numKeys, n, err := decodeCompactU16(message[offset:])
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read account count: %w", err)
	}
	offset += n
	if len(message) < offset+numKeys*pubkeySize {
		return 0, nil, errors.New("account keys truncated")
	}
	if required > numKeys {
		return 0, nil, fmt.Errorf("header requires %d signers but lists %d accounts", required, numKeys)
	}

	keys := make([][]byte, numKeys)
	for i := range keys {
		keys[i] = message[offset+i*pubkeySize : offset+(i+1)*pubkeySize]
	}
	return required, keys, nil
}

// encodeCompactU16 writes Solana's shortvec length encoding
func encodeCompactU16(value int) []byte {
	var out []byte
	for {
		elem := byte(value & 0x7f)
		value >>= 7
		if value == 0 {
			return append(out, elem)
		}
		out = append(out, elem|0x80)
	}
}

// decodeCompactU16 reads Solana's shortvec length encoding
func decodeCompactU16(b []byte) (value int, size int, err error) {
	for size < 3 {
		if size >= len(b) {
			return 0, 0, errors.New("compact-u16 truncated")
		}
		elem := int(b[size])
		value |= (elem & 0x7f) << (7 * size)
		size++
		if elem&0x80 == 0 {
			return value, size, nil
		}
	}
	return 0, 0, errors.New("compact-u16 too long")
}
