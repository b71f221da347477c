// Package node hosts the driver: the impure shell around the pure reducer.
// It owns the current consensus state, feeds events through the reducer one
// at a time, executes the returned effects, persists the durable subset,
// and pushes newly committed values into the application state machine.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skiffdb/skiff/internal/persistence"
	"github.com/skiffdb/skiff/internal/raft"
)

// commitWait bounds how long AddToLog waits for its entry to commit before
// reporting timedOut to the client.
const commitWait = 10 * time.Second

// AppendResult is the client-visible outcome of AddToLog.
type AppendResult string

const (
	AppendCommitted AppendResult = "committed"
	AppendNotLeader AppendResult = "notLeader"
	AppendTimedOut  AppendResult = "timedOut"
)

// StateMachine is the deterministic application the cluster replicates.
// HandleValue is called synchronously in commit order, at most once per
// committed index, and must not call back into the driver.
type StateMachine interface {
	HandleValue(value string)
}

// Callbacks is the capability record the orchestrator hands to the driver,
// closing the loop between them without a heap cycle. SendMessage must not
// block; the orchestrator ships the message on its own goroutine.
type Callbacks struct {
	SendMessage        func(node string, m raft.Message)
	ResetElectionTimer func()
}

// Status is a point-in-time summary for health reporting.
type Status struct {
	IsLeader    bool
	Term        uint64
	CommitIndex int64
	LogLength   int64
}

// leaderGate tracks one leader epoch's progress toward its first own-term
// commit. Waiters block on done; result is valid once done is closed.
type leaderGate struct {
	term   uint64
	done   chan struct{}
	result bool
	closed bool
}

func (g *leaderGate) resolve(v bool) {
	if !g.closed {
		g.closed = true
		g.result = v
		close(g.done)
	}
}

func resolvedGate(v bool) *leaderGate {
	g := &leaderGate{done: make(chan struct{})}
	g.resolve(v)
	return g
}

// Node is one member of the cluster. All event handling is serialized under
// mu, giving the reducer its single logical execution stream.
type Node struct {
	mu sync.Mutex

	id      string
	reducer raft.Reducer
	state   raft.State
	store   *persistence.Store
	sm      StateMachine
	cb      Callbacks

	// appliedSerial maps clientId to the highest request serial already
	// applied, turning at-least-once commits into at-most-once application.
	appliedSerial map[uint64]uint64
	waiters       map[raft.RequestID]chan struct{}
	gate          *leaderGate
}

// NewNode restores a node from its persistence file. Recovered state is
// always Follower; roles and follower bookkeeping are not durable.
func NewNode(id string, peers []string, store *persistence.Store, sm StateMachine, cb Callbacks) (*Node, error) {
	snap, err := store.Read()
	if err != nil {
		return nil, err
	}

	votedFor := ""
	if snap.VotedFor != nil {
		votedFor = *snap.VotedFor
	}
	log.Info().
		Str("node", id).
		Uint64("term", snap.CurrentTerm).
		Str("votedFor", votedFor).
		Int("entries", len(snap.Entries)).
		Msg("Restored persistent state")

	return &Node{
		id:      id,
		reducer: raft.Reducer{ID: id},
		state: raft.Follower{
			CurrentTerm: snap.CurrentTerm,
			VotedFor:    votedFor,
			Log:         raft.NewLog(snap.Entries),
			CommitIdx:   -1,
			OtherNodes:  peers,
		},
		store:         store,
		sm:            sm,
		cb:            cb,
		appliedSerial: make(map[uint64]uint64),
		waiters:       make(map[raft.RequestID]chan struct{}),
		gate:          resolvedGate(false),
	}, nil
}

// HandleEvent runs one event through the reducer and executes its effects.
func (n *Node) HandleEvent(ev raft.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stepLocked(ev)
}

func (n *Node) stepLocked(ev raft.Event) {
	prevCommit := n.state.CommitIndex()

	next, effects, err := n.reducer.Step(n.state, ev)
	if err != nil {
		log.Fatal().Err(err).Str("node", n.id).Msg("Consensus invariant violated")
	}
	n.state = next

	// At most one durable write per event, and always before any send in
	// the same step.
	for _, effect := range effects {
		if _, ok := effect.(raft.PersistLog); ok {
			n.persistLocked()
			break
		}
	}

	for _, effect := range effects {
		switch e := effect.(type) {
		case raft.PersistLog:
			// Already handled above.
		case raft.SendMessage:
			n.cb.SendMessage(e.Node, e.Message)
		case raft.ResetElectionTimeout:
			n.cb.ResetElectionTimer()
		case raft.AppendNoopEntry:
			n.stepLocked(raft.AppendToLog{Entry: raft.NewNoopEntry()})
		default:
			log.Fatal().Str("node", n.id).Msgf("Unknown effect %T", effect)
		}
	}

	n.observeLeadershipLocked()
	n.applyCommittedLocked(prevCommit, n.state.CommitIndex())
}

func (n *Node) persistLocked() {
	snap := persistence.Snapshot{
		CurrentTerm: n.state.Term(),
		VotedFor:    n.votedForLocked(),
		Entries:     n.state.GetLog().Entries(),
	}
	if err := n.store.Write(snap); err != nil {
		// Continuing without durability would break the safety argument.
		log.Fatal().Err(err).Str("node", n.id).Msg("Failed to persist state")
	}
}

func (n *Node) votedForLocked() *string {
	switch s := n.state.(type) {
	case raft.Follower:
		if s.VotedFor == "" {
			return nil
		}
		v := s.VotedFor
		return &v
	default:
		// Candidates and leaders have voted for themselves.
		v := n.id
		return &v
	}
}

// observeLeadershipLocked keeps the read gate in sync with leader epochs: a
// fresh pending gate per epoch, resolved true on the first own-term commit,
// resolved false the moment leadership is lost.
func (n *Node) observeLeadershipLocked() {
	switch s := n.state.(type) {
	case raft.Leader:
		if n.gate.term != s.CurrentTerm {
			n.gate.resolve(false)
			n.gate = &leaderGate{term: s.CurrentTerm, done: make(chan struct{})}
			log.Info().Str("node", n.id).Uint64("term", s.CurrentTerm).Msg("Became leader")
		}
		if s.HasCommittedEntryThisTerm {
			n.gate.resolve(true)
		}
	default:
		if !n.gate.closed {
			n.gate.resolve(false)
		} else if n.gate.result {
			n.gate = resolvedGate(false)
		}
	}
}

// applyCommittedLocked pushes entries (oldCommit, newCommit] into the state
// machine in index order, suppressing duplicates by request serial, and
// releases any client waiting on a newly committed request.
func (n *Node) applyCommittedLocked(oldCommit, newCommit int64) {
	for i := oldCommit + 1; i <= newCommit; i++ {
		entry := n.state.GetLog().Entry(i)
		if entry.Type != raft.EntryValue {
			continue
		}
		id := *entry.ID
		if n.appliedSerial[id.ClientID] < id.RequestSerial {
			n.sm.HandleValue(entry.Value)
			n.appliedSerial[id.ClientID] = id.RequestSerial
		}
		if waiter, ok := n.waiters[id]; ok {
			close(waiter)
			delete(n.waiters, id)
		}
	}
	if newCommit > oldCommit {
		log.Debug().
			Str("node", n.id).
			Int64("from", oldCommit).
			Int64("to", newCommit).
			Msg("Applied committed entries")
	}
}

// AddToLog submits one client value for replication. Retrying with the same
// request id is safe: the entry may occupy several log slots but is applied
// to the state machine at most once.
func (n *Node) AddToLog(ctx context.Context, value string, id raft.RequestID) AppendResult {
	n.mu.Lock()
	if _, isLeader := n.state.(raft.Leader); !isLeader {
		n.mu.Unlock()
		return AppendNotLeader
	}
	if n.appliedSerial[id.ClientID] >= id.RequestSerial {
		// A retry of a request that already committed.
		n.mu.Unlock()
		return AppendCommitted
	}
	waiter, ok := n.waiters[id]
	if !ok {
		waiter = make(chan struct{})
		n.waiters[id] = waiter
	}
	n.stepLocked(raft.AppendToLog{Entry: raft.NewValueEntry(value, id)})
	n.mu.Unlock()

	timeout := time.NewTimer(commitWait)
	defer timeout.Stop()
	select {
	case <-waiter:
		return AppendCommitted
	case <-timeout.C:
		n.removeWaiter(id)
		return AppendTimedOut
	case <-ctx.Done():
		n.removeWaiter(id)
		return AppendTimedOut
	}
}

func (n *Node) removeWaiter(id raft.RequestID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.waiters, id)
}

// SyncBeforeRead reports whether this node is a leader whose commit index
// is known to cover everything committed cluster-wide. It blocks until the
// current leader epoch commits its first own-term entry, leadership is
// lost, or ctx expires.
func (n *Node) SyncBeforeRead(ctx context.Context) bool {
	n.mu.Lock()
	gate := n.gate
	n.mu.Unlock()

	select {
	case <-gate.done:
		return gate.result
	case <-ctx.Done():
		return false
	}
}

// IsLeader reports whether the node currently believes it is the leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.state.(raft.Leader)
	return ok
}

// Entries returns a copy of the node's log in index order.
func (n *Node) Entries() []raft.Entry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.GetLog().Entries()
}

// Status summarizes the node for health endpoints.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, isLeader := n.state.(raft.Leader)
	return Status{
		IsLeader:    isLeader,
		Term:        n.state.Term(),
		CommitIndex: n.state.CommitIndex(),
		LogLength:   n.state.GetLog().Length(),
	}
}
