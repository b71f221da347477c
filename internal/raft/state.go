package raft

// State is the per-node consensus state, one of Follower, Candidate, or
// Leader. States are immutable values: the reducer returns a fresh State
// rather than mutating the one it was handed.
type State interface {
	// Term is the node's current term.
	Term() uint64
	// Log is the node's copy of the replicated log.
	GetLog() Log
	// CommitIndex is the highest committed index, or -1 when nothing has
	// been committed yet.
	CommitIndex() int64
	// Peers lists the other members of the cluster.
	Peers() []string

	isState()
}

// Follower is the passive role: it answers vote and append requests and
// waits for leader contact.
type Follower struct {
	CurrentTerm uint64
	// VotedFor is the node granted a vote this term, or "" when no vote has
	// been cast.
	VotedFor   string
	Log        Log
	CommitIdx  int64
	OtherNodes []string
}

func (f Follower) Term() uint64       { return f.CurrentTerm }
func (f Follower) GetLog() Log        { return f.Log }
func (f Follower) CommitIndex() int64 { return f.CommitIdx }
func (f Follower) Peers() []string    { return f.OtherNodes }
func (f Follower) isState()           {}

// Candidate is a node running an election. It has implicitly voted for
// itself; VotesReceived holds the peers that granted their vote.
type Candidate struct {
	CurrentTerm   uint64
	Log           Log
	CommitIdx     int64
	OtherNodes    []string
	VotesReceived map[string]bool
}

func (c Candidate) Term() uint64       { return c.CurrentTerm }
func (c Candidate) GetLog() Log        { return c.Log }
func (c Candidate) CommitIndex() int64 { return c.CommitIdx }
func (c Candidate) Peers() []string    { return c.OtherNodes }
func (c Candidate) isState()           {}

// PeerIndices is the leader's view of one follower: the next index to send
// it and the highest index it has confirmed storing.
type PeerIndices struct {
	NextIndex  int64
	MatchIndex int64
}

// Leader owns the log for its term. HasCommittedEntryThisTerm flips true
// the first time the leader commits an entry of its own term, which is the
// gate consistent reads wait behind.
type Leader struct {
	CurrentTerm               uint64
	Log                       Log
	CommitIdx                 int64
	OtherNodes                []string
	FollowerInfo              map[string]PeerIndices
	HasCommittedEntryThisTerm bool
}

func (l Leader) Term() uint64       { return l.CurrentTerm }
func (l Leader) GetLog() Log        { return l.Log }
func (l Leader) CommitIndex() int64 { return l.CommitIdx }
func (l Leader) Peers() []string    { return l.OtherNodes }
func (l Leader) isState()           {}

func cloneFollowerInfo(info map[string]PeerIndices) map[string]PeerIndices {
	copied := make(map[string]PeerIndices, len(info))
	for k, v := range info {
		copied[k] = v
	}
	return copied
}

func cloneVotes(votes map[string]bool) map[string]bool {
	copied := make(map[string]bool, len(votes))
	for k, v := range votes {
		copied[k] = v
	}
	return copied
}
