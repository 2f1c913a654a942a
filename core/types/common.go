// Package types defines the core data model shared by the fork, snapshot,
// and backend packages: addresses, hashes, 256-bit words, account
// metadata, logs, and the EVM execution environment.
package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	HashLength    = 32
	AddressLength = 20
)

// Address is the 20-byte identifier of an Ethereum account.
type Address [AddressLength]byte

// Hash256 is a 32-byte value used for block hashes, transaction hashes,
// and storage slot keys.
type Hash256 [HashLength]byte

// U256 is a 256-bit unsigned integer, used for balances, storage values,
// and monotonic identifiers (LocalForkId, SnapshotId).
type U256 = uint256.Int

// NewU256 constructs a U256 from a uint64.
func NewU256(v uint64) *U256 {
	return new(uint256.Int).SetUint64(v)
}

// BytesToAddress left-pads or truncates b to AddressLength bytes.
func BytesToAddress(b []byte) Address {
	var a Address
	a.SetBytes(b)
	return a
}

// HexToAddress converts a hex string (with optional 0x prefix) to an Address.
func HexToAddress(s string) Address {
	return BytesToAddress(fromHex(s))
}

func (a Address) Bytes() []byte  { return a[:] }
func (a Address) Hex() string    { return fmt.Sprintf("0x%x", a[:]) }
func (a Address) String() string { return a.Hex() }
func (a Address) IsZero() bool   { return a == Address{} }

func (a *Address) SetBytes(b []byte) {
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
}

// BytesToHash256 left-pads or truncates b to HashLength bytes.
func BytesToHash256(b []byte) Hash256 {
	var h Hash256
	h.SetBytes(b)
	return h
}

// HexToHash256 converts a hex string (with optional 0x prefix) to a Hash256.
func HexToHash256(s string) Hash256 {
	return BytesToHash256(fromHex(s))
}

func (h Hash256) Bytes() []byte  { return h[:] }
func (h Hash256) Hex() string    { return fmt.Sprintf("0x%x", h[:]) }
func (h Hash256) String() string { return h.Hex() }
func (h Hash256) IsZero() bool   { return h == Hash256{} }

func (h *Hash256) SetBytes(b []byte) {
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
}

// Bytecode is contract code together with its keccak256 hash, cached so
// ForkDB and the journaled state never recompute it.
type Bytecode struct {
	Code []byte
	Hash Hash256
}

// IsEmpty reports whether the bytecode has zero length.
func (b *Bytecode) IsEmpty() bool {
	return b == nil || len(b.Code) == 0
}

// AccountInfo is the DB-level view of an account: balance, nonce, and a
// pointer to its code by hash. Two AccountInfos are equal iff all four
// fields match. An absent account is distinguishable from a zero-balance
// one only by presence in the owning map.
type AccountInfo struct {
	Balance  *U256
	Nonce    uint64
	CodeHash Hash256
	Code     *Bytecode // nil when only the hash is known (not yet fetched)
}

// EmptyAccountInfo returns a fresh zero-value AccountInfo, as used for
// EIP-161 empty accounts and for DB misses that must still be cached.
func EmptyAccountInfo() AccountInfo {
	return AccountInfo{
		Balance:  new(uint256.Int),
		CodeHash: EmptyCodeHash,
	}
}

// Equal reports whether two AccountInfos carry identical balance, nonce,
// code hash, and code bytes. A nil Code compares as empty code.
func (a AccountInfo) Equal(o AccountInfo) bool {
	ab, ob := a.Balance, o.Balance
	if ab == nil {
		ab = new(uint256.Int)
	}
	if ob == nil {
		ob = new(uint256.Int)
	}
	var ac, oc []byte
	if a.Code != nil {
		ac = a.Code.Code
	}
	if o.Code != nil {
		oc = o.Code.Code
	}
	return ab.Eq(ob) && a.Nonce == o.Nonce && a.CodeHash == o.CodeHash && bytes.Equal(ac, oc)
}

// IsEmpty reports whether the account is EIP-161 empty: zero nonce, zero
// balance, and no code.
func (a AccountInfo) IsEmpty() bool {
	return a.Nonce == 0 &&
		(a.Balance == nil || a.Balance.IsZero()) &&
		(a.CodeHash == Hash256{} || a.CodeHash == EmptyCodeHash)
}

// Clone returns a deep copy of the account info, safe to mutate
// independently of the source.
func (a AccountInfo) Clone() AccountInfo {
	cp := AccountInfo{Nonce: a.Nonce, CodeHash: a.CodeHash}
	if a.Balance != nil {
		cp.Balance = new(uint256.Int).Set(a.Balance)
	} else {
		cp.Balance = new(uint256.Int)
	}
	if a.Code != nil {
		code := make([]byte, len(a.Code.Code))
		copy(code, a.Code.Code)
		cp.Code = &Bytecode{Code: code, Hash: a.Code.Hash}
	}
	return cp
}

// Log is a contract event emitted during execution, ordered within a
// fork's JournaledState by emission order.
type Log struct {
	Address Address
	Topics  []Hash256
	Data    []byte
}

// Clone returns a deep copy of the log.
func (l Log) Clone() Log {
	topics := make([]Hash256, len(l.Topics))
	copy(topics, l.Topics)
	data := make([]byte, len(l.Data))
	copy(data, l.Data)
	return Log{Address: l.Address, Topics: topics, Data: data}
}

// BlockEnv carries the block-scoped fields of the execution environment.
type BlockEnv struct {
	Number     uint64
	Timestamp  uint64
	Coinbase   Address
	BaseFee    *U256
	GasLimit   uint64
	Difficulty *U256 // prevrandao post-merge, difficulty pre-merge
}

// AccessTuple is a single EIP-2930 access-list entry.
type AccessTuple struct {
	Address     Address
	StorageKeys []Hash256
}

// TxEnv carries the transaction-scoped fields of the execution environment.
type TxEnv struct {
	Caller     Address
	Nonce      uint64
	To         *Address // nil for a Create
	Data       []byte
	Value      *U256
	GasLimit   uint64
	AccessList []AccessTuple
}

// CfgEnv carries the configuration fields of the execution environment.
type CfgEnv struct {
	SpecID  string
	ChainID uint64
}

// Env is the full execution environment passed into every Backend
// operation. select_fork and roll_fork rewrite its Block and Cfg
// subfields in place; Tx is left to the caller.
type Env struct {
	Block BlockEnv
	Tx    TxEnv
	Cfg   CfgEnv
}

// Clone returns a deep copy of the environment.
func (e Env) Clone() Env {
	cp := e
	if e.Block.BaseFee != nil {
		cp.Block.BaseFee = new(uint256.Int).Set(e.Block.BaseFee)
	}
	if e.Block.Difficulty != nil {
		cp.Block.Difficulty = new(uint256.Int).Set(e.Block.Difficulty)
	}
	if e.Tx.To != nil {
		to := *e.Tx.To
		cp.Tx.To = &to
	}
	cp.Tx.Data = append([]byte(nil), e.Tx.Data...)
	if e.Tx.Value != nil {
		cp.Tx.Value = new(uint256.Int).Set(e.Tx.Value)
	}
	cp.Tx.AccessList = append([]AccessTuple(nil), e.Tx.AccessList...)
	return cp
}

// EmptyCodeHash is keccak256("") — the code hash of an externally owned
// account (no contract code).
var EmptyCodeHash = HexToHash256("c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470")

func fromHex(s string) []byte {
	if has0xPrefix(s) {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, _ := hex.DecodeString(s)
	return b
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}
