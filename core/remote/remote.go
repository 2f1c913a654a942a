// Package remote defines the RemoteState contract consumed by ForkDB and
// the transaction replay driver: the single point where the core reaches
// out to a live or archive chain for account, code, storage, block, and
// transaction data. The core never implements RemoteState itself; it only
// drives it through this interface, exactly as it drives the interpreter
// through the Inspector contract in package inspector.
package remote

import (
	"context"
	"fmt"

	"github.com/chainforge/chainforge/core/types"
)

// Transaction is the subset of an on-chain transaction's fields the replay
// driver needs to derive a fresh Env and re-execute it.
type Transaction struct {
	Hash       types.Hash256
	BlockHash  types.Hash256
	BlockNum   uint64
	Index      uint64
	From       types.Address
	To         *types.Address
	Nonce      uint64
	Data       []byte
	Value      *types.U256
	Gas        uint64
	GasPrice   *types.U256
	ChainID    uint64
	AccessList []types.AccessTuple
}

// Block is the subset of an on-chain block's fields the replay driver and
// roll_fork need: its header (for env reconstruction) and its ordered
// transaction list (for replay_until).
type Block struct {
	Number       uint64
	Hash         types.Hash256
	Timestamp    uint64
	Coinbase     types.Address
	BaseFee      *types.U256
	GasLimit     uint64
	Difficulty   *types.U256
	Transactions []Transaction
}

// BlockNumberOrTag selects a block either by exact number or a tag such as
// "latest", "pending", "safe", "finalized".
type BlockNumberOrTag struct {
	Number uint64
	Tag    string // empty when Number is used
}

// Pinned constructs a BlockNumberOrTag that selects an exact block height.
func Pinned(n uint64) BlockNumberOrTag { return BlockNumberOrTag{Number: n} }

// Latest is the BlockNumberOrTag meaning "the chain tip at dial time".
var Latest = BlockNumberOrTag{Tag: "latest"}

func (b BlockNumberOrTag) String() string {
	if b.Tag != "" {
		return b.Tag
	}
	return fmt.Sprintf("pinned:%d", b.Number)
}

// State answers account/code/storage/block/tx queries for a single
// (endpoint, pinned-block) pair. It is supplied by the RPC layer; the core
// treats it as a read-mostly, trusted source of truth and never writes
// remote-originated data back to it.
//
// Implementations MUST be safe for concurrent use: ForkDB may call Basic,
// CodeByHash, Storage, and BlockHash from multiple goroutines servicing
// different forks that happen to share the same RemoteState instance.
type State interface {
	// Basic returns the account info at the pinned block, or nil if the
	// account does not exist there.
	Basic(ctx context.Context, addr types.Address) (*types.AccountInfo, error)
	// CodeByHash returns the bytecode for a previously observed code hash.
	CodeByHash(ctx context.Context, hash types.Hash256) (*types.Bytecode, error)
	// Storage returns the value of a single storage slot at the pinned
	// block. Absent slots return the zero U256, not an error.
	Storage(ctx context.Context, addr types.Address, slot types.U256) (types.U256, error)
	// BlockHash returns the hash of the block at height n.
	BlockHash(ctx context.Context, n uint64) (types.Hash256, error)
	// GetTransaction returns a transaction by hash.
	GetTransaction(ctx context.Context, hash types.Hash256) (*Transaction, error)
	// GetFullBlock returns a block, including its ordered transaction
	// list, by number or tag.
	GetFullBlock(ctx context.Context, numberOrTag BlockNumberOrTag) (*Block, error)
	// Endpoint returns the URL this RemoteState talks to, used to key
	// ForkId and to answer Backend.get_fork_url style queries.
	Endpoint() string
}
