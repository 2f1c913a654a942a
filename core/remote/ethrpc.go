package remote

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/chainforge/chainforge/core/types"
	"github.com/chainforge/chainforge/crypto"
	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/golang-jwt/jwt/v4"
)

// EthRPC is a RemoteState backed by a real JSON-RPC archive node, reached
// through go-ethereum's rpc and ethclient packages. It pins every query to
// a fixed block number so a single EthRPC instance always answers for the
// same (endpoint, block) pair, matching the ForkId contract in package
// multifork.
type EthRPC struct {
	endpoint string
	pinned   uint64
	client   *ethclient.Client
	rpc      *rpc.Client
}

// DialOptions configures how Dial authenticates to the endpoint.
type DialOptions struct {
	// JWTSecret, if non-empty, authenticates every request with an
	// HS256 JWT bearer token the way geth's engine API does, instead of
	// a static API key embedded in the URL.
	JWTSecret []byte
	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration
}

// Dial connects to endpoint and pins all subsequent reads to pinnedBlock.
func Dial(ctx context.Context, endpoint string, pinnedBlock uint64, opts DialOptions) (*EthRPC, error) {
	dialCtx := ctx
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}

	var rpcOpts []rpc.ClientOption
	if len(opts.JWTSecret) > 0 {
		auth, err := newJWTAuth(opts.JWTSecret)
		if err != nil {
			return nil, &types.RemoteIOError{Op: "dial", Err: err}
		}
		rpcOpts = append(rpcOpts, rpc.WithHTTPAuth(auth))
	}

	rc, err := rpc.DialOptions(dialCtx, endpoint, rpcOpts...)
	if err != nil {
		return nil, &types.RemoteIOError{Op: "dial", Err: err}
	}
	return &EthRPC{
		endpoint: endpoint,
		pinned:   pinnedBlock,
		client:   ethclient.NewClient(rc),
		rpc:      rc,
	}, nil
}

// newJWTAuth returns an rpc.HTTPAuth that signs each outbound request with
// a short-lived HS256 JWT, mirroring geth's node.NewJWTAuth used to talk to
// an authenticated engine API endpoint.
func newJWTAuth(secret []byte) (rpc.HTTPAuth, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("jwt secret must be 32 bytes, got %d", len(secret))
	}
	return func(h http.Header) error {
		claims := jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(time.Now())}
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := tok.SignedString(secret)
		if err != nil {
			return err
		}
		h.Set("Authorization", "Bearer "+signed)
		return nil
	}, nil
}

func (e *EthRPC) Endpoint() string { return e.endpoint }

func (e *EthRPC) blockNum() *big.Int { return new(big.Int).SetUint64(e.pinned) }

func (e *EthRPC) Basic(ctx context.Context, addr types.Address) (*types.AccountInfo, error) {
	a := gethcommon.BytesToAddress(addr.Bytes())

	bal, err := e.client.BalanceAt(ctx, a, e.blockNum())
	if err != nil {
		return nil, &types.RemoteIOError{Op: "eth_getBalance", Err: err}
	}
	nonce, err := e.client.NonceAt(ctx, a, e.blockNum())
	if err != nil {
		return nil, &types.RemoteIOError{Op: "eth_getTransactionCount", Err: err}
	}
	code, err := e.client.CodeAt(ctx, a, e.blockNum())
	if err != nil {
		return nil, &types.RemoteIOError{Op: "eth_getCode", Err: err}
	}

	info := types.AccountInfo{
		Balance: new(types.U256).SetBytes(bal.Bytes()),
		Nonce:   nonce,
	}
	if len(code) == 0 {
		info.CodeHash = types.EmptyCodeHash
	} else {
		info.CodeHash = crypto.Keccak256Hash(code)
		info.Code = &types.Bytecode{Code: code, Hash: info.CodeHash}
	}
	return &info, nil
}

func (e *EthRPC) CodeByHash(ctx context.Context, hash types.Hash256) (*types.Bytecode, error) {
	// Archive nodes index code by address, not hash; EthRPC relies on
	// ForkDB having captured the bytecode during the owning Basic() call
	// and caching it there. A cache miss here means the code was never
	// observed through an account read, which is a caller error upstream.
	return nil, &types.RemoteIOError{Op: "code_by_hash", Err: fmt.Errorf("code for hash %s not retrievable without an owning address", hash.Hex())}
}

func (e *EthRPC) Storage(ctx context.Context, addr types.Address, slot types.U256) (types.U256, error) {
	a := gethcommon.BytesToAddress(addr.Bytes())
	key := gethcommon.BytesToHash(slot.Bytes())
	val, err := e.client.StorageAt(ctx, a, key, e.blockNum())
	if err != nil {
		return types.U256{}, &types.RemoteIOError{Op: "eth_getStorageAt", Err: err}
	}
	return *new(types.U256).SetBytes(val), nil
}

func (e *EthRPC) BlockHash(ctx context.Context, n uint64) (types.Hash256, error) {
	hdr, err := e.client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		return types.Hash256{}, &types.RemoteIOError{Op: "eth_getBlockByNumber", Err: err}
	}
	return types.BytesToHash256(hdr.Hash().Bytes()), nil
}

func (e *EthRPC) GetTransaction(ctx context.Context, hash types.Hash256) (*Transaction, error) {
	h := gethcommon.BytesToHash(hash.Bytes())
	tx, pending, err := e.client.TransactionByHash(ctx, h)
	if err != nil {
		return nil, &types.RemoteIOError{Op: "eth_getTransactionByHash", Err: err}
	}
	if pending {
		return nil, &types.RemoteIOError{Op: "eth_getTransactionByHash", Err: fmt.Errorf("transaction %s is pending", hash.Hex())}
	}
	receipt, err := e.client.TransactionReceipt(ctx, h)
	if err != nil {
		return nil, &types.RemoteIOError{Op: "eth_getTransactionReceipt", Err: err}
	}

	from, err := senderOf(tx)
	if err != nil {
		return nil, &types.RemoteIOError{Op: "recover sender", Err: err}
	}

	out := &Transaction{
		Hash:     hash,
		BlockNum: receipt.BlockNumber.Uint64(),
		Index:    uint64(receipt.TransactionIndex),
		From:     types.BytesToAddress(from.Bytes()),
		Nonce:    tx.Nonce(),
		Data:     tx.Data(),
		Value:    new(types.U256).SetBytes(tx.Value().Bytes()),
		Gas:      tx.Gas(),
		ChainID:  tx.ChainId().Uint64(),
	}
	if receipt.BlockHash != (gethcommon.Hash{}) {
		out.BlockHash = types.BytesToHash256(receipt.BlockHash.Bytes())
	}
	if tx.To() != nil {
		to := types.BytesToAddress(tx.To().Bytes())
		out.To = &to
	}
	if gp := tx.GasPrice(); gp != nil {
		out.GasPrice = new(types.U256).SetBytes(gp.Bytes())
	}
	for _, t := range tx.AccessList() {
		keys := make([]types.Hash256, len(t.StorageKeys))
		for i, k := range t.StorageKeys {
			keys[i] = types.BytesToHash256(k.Bytes())
		}
		out.AccessList = append(out.AccessList, types.AccessTuple{
			Address:     types.BytesToAddress(t.Address.Bytes()),
			StorageKeys: keys,
		})
	}
	return out, nil
}

func (e *EthRPC) GetFullBlock(ctx context.Context, numberOrTag BlockNumberOrTag) (*Block, error) {
	var blockNum *big.Int
	if numberOrTag.Tag == "" {
		blockNum = new(big.Int).SetUint64(numberOrTag.Number)
	}
	block, err := e.client.BlockByNumber(ctx, blockNum)
	if err != nil {
		return nil, &types.BlockNotFoundError{Number: numberOrTag.Number}
	}

	out := &Block{
		Number:    block.NumberU64(),
		Hash:      types.BytesToHash256(block.Hash().Bytes()),
		Timestamp: block.Time(),
		Coinbase:  types.BytesToAddress(block.Coinbase().Bytes()),
		GasLimit:  block.GasLimit(),
	}
	if bf := block.BaseFee(); bf != nil {
		out.BaseFee = new(types.U256).SetBytes(bf.Bytes())
	}
	if d := block.Difficulty(); d != nil {
		out.Difficulty = new(types.U256).SetBytes(d.Bytes())
	}
	for i, tx := range block.Transactions() {
		from, err := senderOf(tx)
		if err != nil {
			return nil, &types.RemoteIOError{Op: "recover sender", Err: err}
		}
		t := Transaction{
			Hash:      types.BytesToHash256(tx.Hash().Bytes()),
			BlockHash: out.Hash,
			BlockNum:  out.Number,
			Index:     uint64(i),
			From:      types.BytesToAddress(from.Bytes()),
			Nonce:     tx.Nonce(),
			Data:      tx.Data(),
			Value:     new(types.U256).SetBytes(tx.Value().Bytes()),
			Gas:       tx.Gas(),
			ChainID:   tx.ChainId().Uint64(),
		}
		if tx.To() != nil {
			to := types.BytesToAddress(tx.To().Bytes())
			t.To = &to
		}
		if gp := tx.GasPrice(); gp != nil {
			t.GasPrice = new(types.U256).SetBytes(gp.Bytes())
		}
		out.Transactions = append(out.Transactions, t)
	}
	return out, nil
}
