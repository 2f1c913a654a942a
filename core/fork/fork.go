// Package fork defines a Fork — the pairing of a ForkDB and a
// JournaledState that represents one addressable remote context — and the
// persistent-account merge logic used when the Backend swaps between
// forks. See spec §3 and §4.3.
package fork

import (
	"github.com/chainforge/chainforge/core/forkdb"
	"github.com/chainforge/chainforge/core/types"
)

// Fork is one addressable view of a remote chain: its own ForkDB and its
// own JournaledState. Mutations inside one Fork never touch another;
// cross-fork sharing only ever happens through the persistent-account
// merge performed by the Backend around a select_fork or roll_fork.
type Fork struct {
	DB             *forkdb.ForkDB
	JournaledState *types.JournaledState
}

// New returns a Fork with a fresh JournaledState over db.
func New(db *forkdb.ForkDB) *Fork {
	return &Fork{DB: db, JournaledState: types.NewJournaledState()}
}
