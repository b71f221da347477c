package raft

import "errors"

// Invariant violations. Each marks an event that must be unreachable given
// how the timers are wired; seeing one is a programming error and the
// driver aborts the process.
var (
	ErrElectionTimeoutAsLeader     = errors.New("election timeout fired while leader")
	ErrHeartbeatTimeoutAsNonLeader = errors.New("heartbeat timeout fired while not leader")
)

// Reducer is the pure consensus state machine. Step never blocks, performs
// no I/O, and touches no shared state; ID is the only configuration it
// carries, identifying this node when it votes for itself.
type Reducer struct {
	ID string
}

// Step applies one event to a state and returns the successor state plus
// the effects the driver must execute. A non-nil error is a fatal invariant
// violation, never a recoverable condition.
func (r Reducer) Step(state State, event Event) (State, []Effect, error) {
	switch ev := event.(type) {
	case ElectionTimeout:
		return r.handleElectionTimeout(state)
	case SendHeartbeatTimeout:
		return r.handleHeartbeatTimeout(state, ev)
	case MessageReceived:
		return r.handleMessage(state, ev)
	case AppendToLog:
		return r.handleAppendToLog(state, ev)
	}
	return state, nil, errors.New("unknown event")
}

// handleElectionTimeout starts (or restarts) an election. A leader's
// election timer must never fire.
func (r Reducer) handleElectionTimeout(state State) (State, []Effect, error) {
	switch s := state.(type) {
	case Follower:
		return r.startElection(s.CurrentTerm+1, s.Log, s.CommitIdx, s.OtherNodes)
	case Candidate:
		return r.startElection(s.CurrentTerm+1, s.Log, s.CommitIdx, s.OtherNodes)
	case Leader:
		return state, nil, ErrElectionTimeoutAsLeader
	}
	return state, nil, nil
}

func (r Reducer) startElection(term uint64, log Log, commitIdx int64, peers []string) (State, []Effect, error) {
	next := Candidate{
		CurrentTerm:   term,
		Log:           log,
		CommitIdx:     commitIdx,
		OtherNodes:    peers,
		VotesReceived: map[string]bool{},
	}
	// With no peers this node alone is the majority and the election is
	// already won.
	if needed := (len(peers)+1)/2 + 1; 1 >= needed {
		state, effects, err := r.becomeLeader(next)
		return state, append(effects, PersistLog{}), err
	}

	request := RequestVoteRequest{Term: term, LastLog: log.LastIdentifier()}
	effects := make([]Effect, 0, len(peers)+2)
	for _, peer := range peers {
		effects = append(effects, SendMessage{Node: peer, Message: request})
	}
	effects = append(effects, ResetElectionTimeout{}, PersistLog{})
	return next, effects, nil
}

// handleHeartbeatTimeout builds an appendEntries for one peer from the
// leader's bookkeeping. Heartbeat timers only run while leading.
func (r Reducer) handleHeartbeatTimeout(state State, ev SendHeartbeatTimeout) (State, []Effect, error) {
	leader, ok := state.(Leader)
	if !ok {
		return state, nil, ErrHeartbeatTimeoutAsNonLeader
	}
	info, known := leader.FollowerInfo[ev.Node]
	if !known {
		// Not a cluster member; nothing to send.
		return state, nil, nil
	}
	return state, []Effect{SendMessage{Node: ev.Node, Message: r.appendEntriesFor(leader, info)}}, nil
}

func (r Reducer) appendEntriesFor(leader Leader, info PeerIndices) AppendEntriesRequest {
	var prev *EntryIdentifier
	if info.NextIndex > 0 {
		prev = &EntryIdentifier{
			Index: info.NextIndex - 1,
			Term:  leader.Log.Entry(info.NextIndex - 1).Term,
		}
	}
	return AppendEntriesRequest{
		Term:         leader.CurrentTerm,
		Prev:         prev,
		Entries:      leader.Log.EntriesFrom(info.NextIndex),
		LeaderCommit: leader.CommitIdx,
	}
}

// handleMessage routes one inbound message. Any message from a higher term
// first demotes this node to follower in that term; the message is then
// handled from the follower state.
func (r Reducer) handleMessage(state State, ev MessageReceived) (State, []Effect, error) {
	var effects []Effect
	if messageTerm(ev.Message) > state.Term() {
		state = Follower{
			CurrentTerm: messageTerm(ev.Message),
			VotedFor:    "",
			Log:         state.GetLog(),
			CommitIdx:   state.CommitIndex(),
			OtherNodes:  state.Peers(),
		}
		effects = append(effects, PersistLog{})
	}

	switch msg := ev.Message.(type) {
	case AppendEntriesRequest:
		next, more, err := r.handleAppendEntries(state, ev.Node, msg)
		return next, append(effects, more...), err
	case AppendEntriesResponse:
		next, more, err := r.handleAppendEntriesResponse(state, ev.Node, msg)
		return next, append(effects, more...), err
	case RequestVoteRequest:
		next, more, err := r.handleRequestVote(state, ev.Node, msg)
		return next, append(effects, more...), err
	case RequestVoteResponse:
		next, more, err := r.handleRequestVoteResponse(state, ev.Node, msg)
		return next, append(effects, more...), err
	}
	return state, effects, nil
}

func (r Reducer) handleAppendEntries(state State, from string, msg AppendEntriesRequest) (State, []Effect, error) {
	if msg.Term < state.Term() {
		// Stale leader; tell it about the newer term.
		reject := AppendEntriesResponse{
			Ok:           false,
			Term:         state.Term(),
			PrevLogIndex: prevIndexOf(msg.Prev),
			NumEntries:   uint64(len(msg.Entries)),
		}
		return state, []Effect{SendMessage{Node: from, Message: reject}}, nil
	}

	follower, ok := state.(Follower)
	if !ok {
		if candidate, isCandidate := state.(Candidate); isCandidate {
			// A leader exists for this term; stand down and process the
			// append as a follower. The self-vote is kept on record.
			follower = Follower{
				CurrentTerm: candidate.CurrentTerm,
				VotedFor:    r.ID,
				Log:         candidate.Log,
				CommitIdx:   candidate.CommitIdx,
				OtherNodes:  candidate.OtherNodes,
			}
		} else {
			// Two leaders in one term cannot happen; refuse without
			// touching our own state.
			reject := AppendEntriesResponse{
				Ok:           false,
				Term:         state.Term(),
				PrevLogIndex: prevIndexOf(msg.Prev),
				NumEntries:   uint64(len(msg.Entries)),
			}
			return state, []Effect{SendMessage{Node: from, Message: reject}}, nil
		}
	}

	newLog, ok, changed := follower.Log.AppendEntries(msg.Prev, msg.Entries)
	next := follower
	next.Log = newLog
	if ok {
		if limit := newLog.Length() - 1; msg.LeaderCommit > next.CommitIdx {
			if msg.LeaderCommit < limit {
				next.CommitIdx = msg.LeaderCommit
			} else {
				next.CommitIdx = limit
			}
		}
	}

	response := AppendEntriesResponse{
		Ok:           ok,
		Term:         next.CurrentTerm,
		PrevLogIndex: prevIndexOf(msg.Prev),
		NumEntries:   uint64(len(msg.Entries)),
	}
	effects := []Effect{SendMessage{Node: from, Message: response}, ResetElectionTimeout{}}
	if changed {
		effects = append(effects, PersistLog{})
	}
	return next, effects, nil
}

func (r Reducer) handleAppendEntriesResponse(state State, from string, msg AppendEntriesResponse) (State, []Effect, error) {
	leader, ok := state.(Leader)
	if !ok || msg.Term < leader.CurrentTerm {
		// Not leading, or an answer from a superseded term. Stale.
		return state, nil, nil
	}
	if _, known := leader.FollowerInfo[from]; !known {
		return state, nil, nil
	}

	info := leader.FollowerInfo[from]
	next := leader
	next.FollowerInfo = cloneFollowerInfo(leader.FollowerInfo)

	if !msg.Ok {
		// The follower is missing earlier entries; back up and retry now
		// rather than waiting out a heartbeat interval.
		if msg.PrevLogIndex > 0 {
			info.NextIndex = msg.PrevLogIndex
		} else {
			info.NextIndex = 0
		}
		next.FollowerInfo[from] = info
		return next, []Effect{SendMessage{Node: from, Message: r.appendEntriesFor(next, info)}}, nil
	}

	if confirmed := msg.PrevLogIndex + int64(msg.NumEntries); confirmed > info.MatchIndex {
		info.MatchIndex = confirmed
	}
	info.NextIndex = info.MatchIndex + 1
	next.FollowerInfo[from] = info

	next = advanceCommit(next)
	return next, nil, nil
}

// advanceCommit recomputes the leader's commit index and records the first
// commit of the leader's own term.
func advanceCommit(leader Leader) Leader {
	advanced := NextCommitIndex(leader.Log, leader.FollowerInfo, leader.CurrentTerm, leader.CommitIdx)
	if advanced > leader.CommitIdx {
		leader.CommitIdx = advanced
		if leader.Log.Entry(advanced).Term == leader.CurrentTerm {
			leader.HasCommittedEntryThisTerm = true
		}
	}
	return leader
}

func (r Reducer) handleRequestVote(state State, from string, msg RequestVoteRequest) (State, []Effect, error) {
	if msg.Term < state.Term() {
		reject := RequestVoteResponse{Term: state.Term(), VoteGranted: false}
		return state, []Effect{SendMessage{Node: from, Message: reject}}, nil
	}

	follower, isFollower := state.(Follower)
	if !isFollower {
		// Candidates and leaders have already voted for themselves this
		// term.
		reject := RequestVoteResponse{Term: state.Term(), VoteGranted: false}
		return state, []Effect{SendMessage{Node: from, Message: reject}}, nil
	}

	alreadyVotedElsewhere := follower.VotedFor != "" && follower.VotedFor != from
	if alreadyVotedElsewhere || !atLeastAsUpToDate(msg.LastLog, follower.Log.LastIdentifier()) {
		reject := RequestVoteResponse{Term: follower.CurrentTerm, VoteGranted: false}
		return state, []Effect{SendMessage{Node: from, Message: reject}}, nil
	}

	next := follower
	next.VotedFor = from
	grant := RequestVoteResponse{Term: next.CurrentTerm, VoteGranted: true}
	return next, []Effect{
		SendMessage{Node: from, Message: grant},
		ResetElectionTimeout{},
		PersistLog{},
	}, nil
}

// atLeastAsUpToDate implements the election restriction ordering: a higher
// last term wins, equal terms compare by index, and an empty log is the
// minimum.
func atLeastAsUpToDate(candidate, own *EntryIdentifier) bool {
	if own == nil {
		return true
	}
	if candidate == nil {
		return false
	}
	if candidate.Term != own.Term {
		return candidate.Term > own.Term
	}
	return candidate.Index >= own.Index
}

func (r Reducer) handleRequestVoteResponse(state State, from string, msg RequestVoteResponse) (State, []Effect, error) {
	candidate, ok := state.(Candidate)
	if !ok || msg.Term < candidate.CurrentTerm || !msg.VoteGranted {
		return state, nil, nil
	}

	votes := cloneVotes(candidate.VotesReceived)
	votes[from] = true
	next := candidate
	next.VotesReceived = votes

	clusterSize := len(candidate.OtherNodes) + 1
	needed := clusterSize/2 + 1
	if 1+len(votes) < needed {
		return next, nil, nil
	}
	return r.becomeLeader(next)
}

// becomeLeader initializes follower bookkeeping, announces leadership with
// an immediate heartbeat round, and schedules the term-opening noop.
func (r Reducer) becomeLeader(candidate Candidate) (State, []Effect, error) {
	info := make(map[string]PeerIndices, len(candidate.OtherNodes))
	for _, peer := range candidate.OtherNodes {
		info[peer] = PeerIndices{NextIndex: candidate.Log.Length(), MatchIndex: -1}
	}
	leader := Leader{
		CurrentTerm:  candidate.CurrentTerm,
		Log:          candidate.Log,
		CommitIdx:    candidate.CommitIdx,
		OtherNodes:   candidate.OtherNodes,
		FollowerInfo: info,
	}
	effects := make([]Effect, 0, len(candidate.OtherNodes)+1)
	for _, peer := range candidate.OtherNodes {
		effects = append(effects, SendMessage{Node: peer, Message: r.appendEntriesFor(leader, info[peer])})
	}
	effects = append(effects, AppendNoopEntry{})
	return leader, effects, nil
}

// handleAppendToLog appends a client value (or the term-opening noop) to
// the leader's log. On a non-leader the event is a leftover from a
// leadership race and is dropped; the client observes notLeader or a
// timeout instead.
func (r Reducer) handleAppendToLog(state State, ev AppendToLog) (State, []Effect, error) {
	leader, ok := state.(Leader)
	if !ok {
		return state, nil, nil
	}
	entry := ev.Entry
	entry.Term = leader.CurrentTerm
	next := leader
	next.Log = leader.Log.Append(entry)
	// With no peers this node alone is the majority, so recompute rather
	// than waiting for responses that will never come.
	next = advanceCommit(next)
	return next, []Effect{PersistLog{}}, nil
}

func prevIndexOf(prev *EntryIdentifier) int64 {
	if prev == nil {
		return -1
	}
	return prev.Index
}
