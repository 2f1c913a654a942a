package backend

import (
	"github.com/chainforge/chainforge/core/snapshot"
	"github.com/chainforge/chainforge/core/types"
)

// Snapshot captures the current DB image (active fork, or the in-memory
// DB cloned whole), JournaledState, and Env, and returns its id. This is
// snapshot() in spec §4.4.
func (b *Backend) Snapshot(jstate *types.JournaledState, env types.Env) types.U256 {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := snapshot.Snapshot{JState: jstate.Clone(), Env: env.Clone()}
	if b.active != nil {
		snap.ForkIndex = b.active.index
	} else {
		snap.ForkIndex = -1
		snap.DBImage = b.memDB.clone()
	}
	id := b.snapshots.Insert(snap)
	b.metrics.Counter("chainforge.snapshots.taken").Inc()
	b.metrics.Gauge("chainforge.snapshots.live").Set(int64(b.snapshots.Count()))
	return *types.NewU256(id)
}

// Revert restores the snapshot for id, retiring it and every snapshot
// created after it. It returns the restored JournaledState, or nil if id
// is unknown (already reverted, or never issued) — per the
// InvalidSnapshot error-handling policy this is a no-op+warn, never a
// hard failure. This is revert() in spec §4.4.
func (b *Backend) Revert(id types.U256, jstate *types.JournaledState, env *types.Env) *types.JournaledState {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap, ok := b.snapshots.RemoveAt(id.Uint64())
	if !ok {
		b.log.Warn("revert of unknown snapshot id", "id", id.String())
		return nil
	}

	if b.checkGlobalFailureLocked(jstate) {
		b.hasSnapshotFailure.Store(true)
		b.metrics.Counter("chainforge.snapshots.failures").Inc()
	}
	b.metrics.Counter("chainforge.snapshots.reverted").Inc()
	b.metrics.Gauge("chainforge.snapshots.live").Set(int64(b.snapshots.Count()))

	// jstate.Logs is append-only, so everything beyond the length recorded
	// at snapshot time is exactly what S emitted; appending only that
	// suffix avoids double-counting the logs the clone already carried.
	if len(jstate.Logs) > len(snap.JState.Logs) {
		snap.JState.Logs = append(snap.JState.Logs, jstate.Logs[len(snap.JState.Logs):]...)
	}

	if snap.ForkIndex == -1 {
		b.memDB = snap.DBImage.(*memDB)
		b.active = nil
	} else {
		b.active = &activeForkState{
			local: b.localForIndexLocked(snap.ForkIndex),
			index: snap.ForkIndex,
			id:    b.forkIDs[snap.ForkIndex],
		}
		b.forks[snap.ForkIndex].JournaledState = snap.JState
	}

	restored := snap.JState
	if _, ok := restored.State[b.callerAddress]; !ok {
		if st, ok := jstate.State[b.callerAddress]; ok {
			restored.State[b.callerAddress] = st.Clone()
		}
	}

	env.Block = snap.Env.Block
	env.Cfg = snap.Env.Cfg
	b.env = *env

	return restored
}

func (b *Backend) localForIndexLocked(idx int) types.U256 {
	for lid, i := range b.localOf {
		if i == idx {
			return lid
		}
	}
	return types.U256{}
}
