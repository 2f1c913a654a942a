package remote

import (
	gethcommon "github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// senderOf recovers the sender of a mined transaction using the signer
// implied by its own chain id, so EthRPC works across legacy, EIP-2930,
// EIP-1559, and EIP-4844 transaction types without per-fork configuration.
func senderOf(tx *gethtypes.Transaction) (gethcommon.Address, error) {
	signer := gethtypes.LatestSignerForChainID(tx.ChainId())
	return gethtypes.Sender(signer, tx)
}
