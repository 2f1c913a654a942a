// Package inspector defines the two contracts the Backend sits between:
// the Database trait the interpreter reads state through, and the
// Inspector hook cheatcode-style callers use to observe and steer
// execution. Neither is implemented here — the EVM interpreter and
// cheatcode callers are external collaborators (spec §1, §6).
package inspector

import (
	"context"

	"github.com/chainforge/chainforge/core/types"
)

// Database is the read/write contract the interpreter drives the Backend
// through. All five reads are synchronous from the interpreter's
// perspective even though they may suspend internally on a RemoteState
// round-trip (spec §5).
type Database interface {
	Basic(ctx context.Context, addr types.Address) (types.AccountInfo, error)
	CodeByHash(ctx context.Context, hash types.Hash256) (*types.Bytecode, error)
	Storage(ctx context.Context, addr types.Address, slot types.U256) (types.U256, error)
	BlockHash(ctx context.Context, n uint64) (types.Hash256, error)
	Commit(ctx context.Context, diff StateDiff) error
}

// StateDiff is the state delta produced by a completed EVM execution,
// ready to be applied to whichever DB is currently active.
type StateDiff struct {
	Accounts map[types.Address]types.AccountState
	Logs     []types.Log
}

// ResultAndState is what Inspect returns: the outcome of one execution
// plus the state diff it produced, uncommitted.
type ResultAndState struct {
	Success bool
	GasUsed uint64
	Output  []byte
	Revert  bool
	State   StateDiff
}

// Inspector is implemented by callers such as cheatcode handlers. It is
// invoked before/after every opcode, call, and create, and may re-enter
// the Backend on the same goroutine via the *types.JournaledState it is
// handed, to request operations like snapshot or select_fork mid-flight.
type Inspector interface {
	// StepStart is called before an opcode executes.
	StepStart(jstate *types.JournaledState, pc uint64, op byte)
	// StepEnd is called after an opcode executes.
	StepEnd(jstate *types.JournaledState, pc uint64, op byte)
	// CallStart is called before a CALL-family or CREATE-family frame
	// begins executing.
	CallStart(jstate *types.JournaledState, caller, target types.Address, input []byte, value *types.U256, isCreate bool)
	// CallEnd is called after a call or create frame returns.
	CallEnd(jstate *types.JournaledState, target types.Address, output []byte, success bool)
}

// Interpreter is the narrow contract the Backend drives execution
// through: set up Env + Database, run one transaction under an optional
// Inspector, and return its uncommitted state diff. The interpreter's
// internals (opcode dispatch, gas accounting) are out of scope (spec §1).
type Interpreter interface {
	Inspect(ctx context.Context, env types.Env, db Database, insp Inspector) (ResultAndState, error)
}
