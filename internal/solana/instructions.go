package solana

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcutil/base58"
)

// Well-known program addresses
const (
	SystemProgramID                 = "11111111111111111111111111111111"
	TokenProgramID                  = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	AssociatedTokenAccountProgramID = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
)

const (
	systemTransferIndex         uint32 = 2
	tokenTransferCheckedIndex   byte   = 12
	associatedCreateIdempotent  byte   = 1
	programDerivedAddressMarker        = "ProgramDerivedAddress"
)

// ErrNoProgramAddress means no bump seed yields an off-curve address
var ErrNoProgramAddress = errors.New("unable to find a viable program address")

// AccountMeta is one account referenced by an instruction
type AccountMeta struct {
	PublicKey  string
	IsSigner   bool
	IsWritable bool
}

// Instruction is a program call before it is compiled into a message
type Instruction struct {
	ProgramID string
	Accounts  []AccountMeta
	Data      []byte
}

// SystemTransfer moves lamports between two system accounts
func SystemTransfer(from, to string, lamports uint64) Instruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data, systemTransferIndex)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	return Instruction{
		ProgramID: SystemProgramID,
		Accounts: []AccountMeta{
			{PublicKey: from, IsSigner: true, IsWritable: true},
			{PublicKey: to, IsWritable: true},
		},
		Data: data,
	}
}

// CreateAssociatedTokenAccountIdempotent creates owner's token account for mint
// unless it already exists. payer funds the rent.
func CreateAssociatedTokenAccountIdempotent(payer, owner, mint string) (Instruction, error) {
	account, err := FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return Instruction{}, err
	}
	return Instruction{
		ProgramID: AssociatedTokenAccountProgramID,
		Accounts: []AccountMeta{
			{PublicKey: payer, IsSigner: true, IsWritable: true},
			{PublicKey: account, IsWritable: true},
			{PublicKey: owner},
			{PublicKey: mint},
			{PublicKey: SystemProgramID},
			{PublicKey: TokenProgramID},
		},
		Data: []byte{associatedCreateIdempotent},
	}, nil
}

// TokenTransferChecked moves amount base units of mint between token accounts
func TokenTransferChecked(source, mint, destination, owner string, amount uint64, decimals uint8) Instruction {
	data := make([]byte, 10)
	data[0] = tokenTransferCheckedIndex
	binary.LittleEndian.PutUint64(data[1:], amount)
	data[9] = decimals
	return Instruction{
		ProgramID: TokenProgramID,
		Accounts: []AccountMeta{
			{PublicKey: source, IsWritable: true},
			{PublicKey: mint},
			{PublicKey: destination, IsWritable: true},
			{PublicKey: owner, IsSigner: true},
		},
		Data: data,
	}
}

// FindAssociatedTokenAddress derives the canonical token account of owner for mint
func FindAssociatedTokenAddress(owner, mint string) (string, error) {
	ownerKey, err := DecodePublicKey(owner)
	if err != nil {
		return "", err
	}
	mintKey, err := DecodePublicKey(mint)
	if err != nil {
		return "", err
	}
	tokenProgram, _ := DecodePublicKey(TokenProgramID)
	address, _, err := FindProgramAddress([][]byte{ownerKey, tokenProgram, mintKey}, AssociatedTokenAccountProgramID)
	return address, err
}

// FindProgramAddress searches bump seeds from 255 down for an address off the
// ed25519 curve, returning it with the bump used.
func FindProgramAddress(seeds [][]byte, programID string) (string, uint8, error) {
	program, err := DecodePublicKey(programID)
	if err != nil {
		return "", 0, err
	}
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, s := range seeds {
			h.Write(s)
		}
		h.Write([]byte{byte(bump)})
		h.Write(program)
		h.Write([]byte(programDerivedAddressMarker))
		candidate := h.Sum(nil)
		if !IsOnCurve(candidate) {
			return base58.Encode(candidate), uint8(bump), nil
		}
	}
	return "", 0, ErrNoProgramAddress
}

// IsOnCurve reports whether key decodes to an ed25519 point
func IsOnCurve(key []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(key)
	return err == nil
}

// MessageHeader counts the signer and read-only accounts of a message
type MessageHeader struct {
	RequiredSignatures       uint8
	ReadonlySignedAccounts   uint8
	ReadonlyUnsignedAccounts uint8
}

// CompiledInstruction references accounts by index into the message keys
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message is a legacy transaction message
type Message struct {
	Header          MessageHeader
	AccountKeys     []string
	RecentBlockhash string
	Instructions    []CompiledInstruction
}

// ProgramID returns the program an instruction calls
func (m *Message) ProgramID(ix CompiledInstruction) string {
	if int(ix.ProgramIDIndex) >= len(m.AccountKeys) {
		return ""
	}
	return m.AccountKeys[ix.ProgramIDIndex]
}

// NewLegacyTransaction compiles instructions into an unsigned legacy
// transaction with payer as the first signer.
func NewLegacyTransaction(payer, recentBlockhash string, instructions ...Instruction) ([]byte, error) {
	if len(instructions) == 0 {
		return nil, errors.New("transaction has no instructions")
	}
	message, err := compileMessage(payer, recentBlockhash, instructions)
	if err != nil {
		return nil, err
	}

	encoded, err := message.serialize()
	if err != nil {
		return nil, err
	}
	tx := encodeCompactU16(int(message.Header.RequiredSignatures))
	tx = append(tx, make([]byte, signatureSize*int(message.Header.RequiredSignatures))...)
	return append(tx, encoded...), nil
}

// ParseLegacyTransaction decodes the message of a serialized legacy transaction
func ParseLegacyTransaction(raw []byte) (*Message, error) {
	numSigs, n, err := decodeCompactU16(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature count: %w", err)
	}
	msgStart := n + numSigs*signatureSize
	if len(raw) <= msgStart {
		return nil, errors.New("transaction truncated")
	}
	return parseMessage(raw[msgStart:])
}

func compileMessage(payer, recentBlockhash string, instructions []Instruction) (*Message, error) {
	type entry struct {
		key      string
		signer   bool
		writable bool
	}
	var order []string
	metas := map[string]*entry{}
	add := func(key string, signer, writable bool) {
		e, ok := metas[key]
		if !ok {
			e = &entry{key: key}
			metas[key] = e
			order = append(order, key)
		}
		e.signer = e.signer || signer
		e.writable = e.writable || writable
	}

	add(payer, true, true)
	for _, ix := range instructions {
		for _, a := range ix.Accounts {
			add(a.PublicKey, a.IsSigner, a.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}

	// signer+writable, signer, writable, readonly; payer stays first
	rank := func(e *entry) int {
		switch {
		case e.signer && e.writable:
			return 0
		case e.signer:
			return 1
		case e.writable:
			return 2
		default:
			return 3
		}
	}
	var keys []string
	var header MessageHeader
	for r := 0; r < 4; r++ {
		for _, k := range order {
			e := metas[k]
			if rank(e) != r {
				continue
			}
			keys = append(keys, k)
			switch r {
			case 0:
				header.RequiredSignatures++
			case 1:
				header.RequiredSignatures++
				header.ReadonlySignedAccounts++
			case 3:
				header.ReadonlyUnsignedAccounts++
			}
		}
	}
	if len(keys) > 255 {
		return nil, fmt.Errorf("too many accounts: %d", len(keys))
	}

	index := make(map[string]uint8, len(keys))
	for i, k := range keys {
		index[k] = uint8(i)
	}
	compiled := make([]CompiledInstruction, len(instructions))
	for i, ix := range instructions {
		accounts := make([]uint8, len(ix.Accounts))
		for j, a := range ix.Accounts {
			accounts[j] = index[a.PublicKey]
		}
		compiled[i] = CompiledInstruction{
			ProgramIDIndex: index[ix.ProgramID],
			Accounts:       accounts,
			Data:           ix.Data,
		}
	}

	return &Message{
		Header:          header,
		AccountKeys:     keys,
		RecentBlockhash: recentBlockhash,
		Instructions:    compiled,
	}, nil
}

func (m *Message) serialize() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{m.Header.RequiredSignatures, m.Header.ReadonlySignedAccounts, m.Header.ReadonlyUnsignedAccounts})

	buf.Write(encodeCompactU16(len(m.AccountKeys)))
	for _, k := range m.AccountKeys {
		raw, err := DecodePublicKey(k)
		if err != nil {
			return nil, err
		}
		buf.Write(raw)
	}

	blockhash := base58.Decode(m.RecentBlockhash)
	if len(blockhash) != pubkeySize {
		return nil, fmt.Errorf("invalid blockhash %q", m.RecentBlockhash)
	}
	buf.Write(blockhash)

	buf.Write(encodeCompactU16(len(m.Instructions)))
	for _, ix := range m.Instructions {
		buf.WriteByte(ix.ProgramIDIndex)
		buf.Write(encodeCompactU16(len(ix.Accounts)))
		buf.Write(ix.Accounts)
		buf.Write(encodeCompactU16(len(ix.Data)))
		buf.Write(ix.Data)
	}
	return buf.Bytes(), nil
}

func parseMessage(b []byte) (*Message, error) {
	if len(b) < 3 {
		return nil, errors.New("message header truncated")
	}
	if b[0]&versionPrefix != 0 {
		return nil, errors.New("not a legacy message")
	}
	m := &Message{Header: MessageHeader{
		RequiredSignatures:       b[0],
		ReadonlySignedAccounts:   b[1],
		ReadonlyUnsignedAccounts: b[2],
	}}
	r := &reader{b: b, off: 3}

	numKeys := r.compact()
	for i := 0; i < numKeys; i++ {
		m.AccountKeys = append(m.AccountKeys, base58.Encode(r.next(pubkeySize)))
	}
	m.RecentBlockhash = base58.Encode(r.next(pubkeySize))

	numIx := r.compact()
	for i := 0; i < numIx; i++ {
		var ix CompiledInstruction
		if p := r.next(1); p != nil {
			ix.ProgramIDIndex = p[0]
		}
		ix.Accounts = r.next(r.compact())
		ix.Data = r.next(r.compact())
		m.Instructions = append(m.Instructions, ix)
	}
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

// reader walks a message, keeping the first error
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) compact() int {
	if r.err != nil {
		return 0
	}
	v, n, err := decodeCompactU16(r.b[r.off:])
	if err != nil {
		r.err = err
		return 0
	}
	r.off += n
	return v
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.err = errors.New("message truncated")
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}
