package raft

import (
	"reflect"
	"testing"
)

var testReducer = Reducer{ID: "n0"}

func mustStep(t *testing.T, s State, ev Event) (State, []Effect) {
	t.Helper()
	next, effects, err := testReducer.Step(s, ev)
	if err != nil {
		t.Fatalf("Step returned error: %v", err)
	}
	return next, effects
}

func sentMessages(effects []Effect) []SendMessage {
	var out []SendMessage
	for _, e := range effects {
		if send, ok := e.(SendMessage); ok {
			out = append(out, send)
		}
	}
	return out
}

func hasEffect(effects []Effect, want Effect) bool {
	for _, e := range effects {
		if reflect.TypeOf(e) == reflect.TypeOf(want) {
			return true
		}
	}
	return false
}

func twoPeerFollower(term uint64, entries []Entry) Follower {
	return Follower{
		CurrentTerm: term,
		Log:         NewLog(entries),
		CommitIdx:   -1,
		OtherNodes:  []string{"n1", "n2"},
	}
}

func TestElectionTimeoutStartsElection(t *testing.T) {
	next, effects := mustStep(t, twoPeerFollower(3, nil), ElectionTimeout{})

	candidate, ok := next.(Candidate)
	if !ok {
		t.Fatalf("expected Candidate, got %T", next)
	}
	if candidate.CurrentTerm != 4 {
		t.Fatalf("term = %d, want 4", candidate.CurrentTerm)
	}
	if len(candidate.VotesReceived) != 0 {
		t.Fatal("fresh candidate should have no recorded peer votes")
	}

	sends := sentMessages(effects)
	if len(sends) != 2 {
		t.Fatalf("expected a vote request per peer, got %d sends", len(sends))
	}
	for _, send := range sends {
		request, ok := send.Message.(RequestVoteRequest)
		if !ok {
			t.Fatalf("expected RequestVoteRequest, got %T", send.Message)
		}
		if request.Term != 4 || request.LastLog != nil {
			t.Fatalf("unexpected vote request: %+v", request)
		}
	}
	if !hasEffect(effects, ResetElectionTimeout{}) || !hasEffect(effects, PersistLog{}) {
		t.Fatalf("missing timer reset or persist: %v", effects)
	}
}

func TestElectionTimeoutRestartsElection(t *testing.T) {
	candidate := Candidate{
		CurrentTerm:   4,
		Log:           NewLog(nil),
		CommitIdx:     -1,
		OtherNodes:    []string{"n1", "n2"},
		VotesReceived: map[string]bool{"n1": true},
	}
	next, _ := mustStep(t, candidate, ElectionTimeout{})

	restarted := next.(Candidate)
	if restarted.CurrentTerm != 5 || len(restarted.VotesReceived) != 0 {
		t.Fatalf("restarted election state: %+v", restarted)
	}
}

func TestElectionTimeoutAsLeaderIsFatal(t *testing.T) {
	leader := Leader{CurrentTerm: 1, Log: NewLog(nil), CommitIdx: -1, FollowerInfo: map[string]PeerIndices{}}
	if _, _, err := testReducer.Step(leader, ElectionTimeout{}); err != ErrElectionTimeoutAsLeader {
		t.Fatalf("err = %v, want ErrElectionTimeoutAsLeader", err)
	}
}

func TestHeartbeatTimeoutAsFollowerIsFatal(t *testing.T) {
	if _, _, err := testReducer.Step(twoPeerFollower(1, nil), SendHeartbeatTimeout{Node: "n1"}); err != ErrHeartbeatTimeoutAsNonLeader {
		t.Fatalf("err = %v, want ErrHeartbeatTimeoutAsNonLeader", err)
	}
}

func TestSingleNodeElectionWinsImmediately(t *testing.T) {
	alone := Follower{CurrentTerm: 0, Log: NewLog(nil), CommitIdx: -1}
	next, effects := mustStep(t, alone, ElectionTimeout{})

	if _, ok := next.(Leader); !ok {
		t.Fatalf("expected Leader, got %T", next)
	}
	if !hasEffect(effects, AppendNoopEntry{}) || !hasEffect(effects, PersistLog{}) {
		t.Fatalf("expected noop and persist effects, got %v", effects)
	}
}

func TestCandidateWinsOnMajority(t *testing.T) {
	log := NewLog([]Entry{{Term: 1, Type: EntryNoop}})
	candidate := Candidate{
		CurrentTerm:   2,
		Log:           log,
		CommitIdx:     0,
		OtherNodes:    []string{"n1", "n2"},
		VotesReceived: map[string]bool{},
	}

	next, effects := mustStep(t, candidate, MessageReceived{
		Node:    "n1",
		Message: RequestVoteResponse{Term: 2, VoteGranted: true},
	})

	leader, ok := next.(Leader)
	if !ok {
		t.Fatalf("expected Leader after majority, got %T", next)
	}
	for _, peer := range []string{"n1", "n2"} {
		info := leader.FollowerInfo[peer]
		if info.NextIndex != 1 || info.MatchIndex != -1 {
			t.Fatalf("follower info for %s = %+v", peer, info)
		}
	}
	if leader.HasCommittedEntryThisTerm {
		t.Fatal("fresh leader cannot have committed in its term")
	}

	sends := sentMessages(effects)
	if len(sends) != 2 {
		t.Fatalf("expected an announcement heartbeat per peer, got %d", len(sends))
	}
	for _, send := range sends {
		hb := send.Message.(AppendEntriesRequest)
		if hb.Term != 2 || len(hb.Entries) != 0 || hb.Prev == nil || hb.Prev.Index != 0 {
			t.Fatalf("unexpected announcement heartbeat: %+v", hb)
		}
	}
	if !hasEffect(effects, AppendNoopEntry{}) {
		t.Fatal("new leader must schedule the term-opening noop")
	}
}

func TestCandidateIgnoresRejectionsAndStaleGrants(t *testing.T) {
	candidate := Candidate{
		CurrentTerm:   5,
		Log:           NewLog(nil),
		CommitIdx:     -1,
		OtherNodes:    []string{"n1", "n2", "n3", "n4"},
		VotesReceived: map[string]bool{},
	}

	next, _ := mustStep(t, candidate, MessageReceived{Node: "n1", Message: RequestVoteResponse{Term: 5, VoteGranted: false}})
	if len(next.(Candidate).VotesReceived) != 0 {
		t.Fatal("rejection counted as a vote")
	}

	next, _ = mustStep(t, next, MessageReceived{Node: "n2", Message: RequestVoteResponse{Term: 4, VoteGranted: true}})
	if len(next.(Candidate).VotesReceived) != 0 {
		t.Fatal("stale-term grant counted as a vote")
	}
}

func TestFollowerGrantsVote(t *testing.T) {
	follower := twoPeerFollower(2, nil)

	next, effects := mustStep(t, follower, MessageReceived{
		Node:    "n1",
		Message: RequestVoteRequest{Term: 2, LastLog: nil},
	})

	granted := next.(Follower)
	if granted.VotedFor != "n1" {
		t.Fatalf("votedFor = %q, want n1", granted.VotedFor)
	}
	sends := sentMessages(effects)
	if len(sends) != 1 {
		t.Fatalf("expected one response, got %d", len(sends))
	}
	if response := sends[0].Message.(RequestVoteResponse); !response.VoteGranted || response.Term != 2 {
		t.Fatalf("unexpected response: %+v", response)
	}
	if !hasEffect(effects, PersistLog{}) || !hasEffect(effects, ResetElectionTimeout{}) {
		t.Fatal("granting a vote must persist and reset the election timer")
	}
}

func TestFollowerVoteRestrictions(t *testing.T) {
	withLog := NewLog([]Entry{{Term: 2, Type: EntryNoop}, {Term: 3, Type: EntryNoop}})

	tests := []struct {
		name     string
		follower Follower
		request  RequestVoteRequest
		want     bool
	}{
		{
			name:     "already voted for someone else",
			follower: Follower{CurrentTerm: 2, VotedFor: "n2", Log: NewLog(nil), CommitIdx: -1},
			request:  RequestVoteRequest{Term: 2},
			want:     false,
		},
		{
			name:     "repeat vote for the same candidate",
			follower: Follower{CurrentTerm: 2, VotedFor: "n1", Log: NewLog(nil), CommitIdx: -1},
			request:  RequestVoteRequest{Term: 2},
			want:     true,
		},
		{
			name:     "stale term",
			follower: Follower{CurrentTerm: 5, Log: NewLog(nil), CommitIdx: -1},
			request:  RequestVoteRequest{Term: 3},
			want:     false,
		},
		{
			name:     "candidate log behind on term",
			follower: Follower{CurrentTerm: 3, Log: withLog, CommitIdx: -1},
			request:  RequestVoteRequest{Term: 3, LastLog: &EntryIdentifier{Index: 5, Term: 2}},
			want:     false,
		},
		{
			name:     "candidate log behind on index",
			follower: Follower{CurrentTerm: 3, Log: withLog, CommitIdx: -1},
			request:  RequestVoteRequest{Term: 3, LastLog: &EntryIdentifier{Index: 0, Term: 3}},
			want:     false,
		},
		{
			name:     "candidate log equal",
			follower: Follower{CurrentTerm: 3, Log: withLog, CommitIdx: -1},
			request:  RequestVoteRequest{Term: 3, LastLog: &EntryIdentifier{Index: 1, Term: 3}},
			want:     true,
		},
		{
			name:     "empty candidate log against non-empty voter",
			follower: Follower{CurrentTerm: 3, Log: withLog, CommitIdx: -1},
			request:  RequestVoteRequest{Term: 3, LastLog: nil},
			want:     false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, effects := mustStep(t, tt.follower, MessageReceived{Node: "n1", Message: tt.request})
			sends := sentMessages(effects)
			if len(sends) != 1 {
				t.Fatalf("expected one response, got %d", len(sends))
			}
			if response := sends[0].Message.(RequestVoteResponse); response.VoteGranted != tt.want {
				t.Fatalf("voteGranted = %v, want %v", response.VoteGranted, tt.want)
			}
		})
	}
}

func TestHigherTermDemotesLeader(t *testing.T) {
	leader := Leader{
		CurrentTerm: 2,
		Log:         NewLog([]Entry{{Term: 2, Type: EntryNoop}}),
		CommitIdx:   0,
		OtherNodes:  []string{"n1", "n2"},
		FollowerInfo: map[string]PeerIndices{
			"n1": {NextIndex: 1, MatchIndex: 0},
			"n2": {NextIndex: 1, MatchIndex: 0},
		},
	}

	next, effects := mustStep(t, leader, MessageReceived{
		Node:    "n1",
		Message: RequestVoteRequest{Term: 7, LastLog: &EntryIdentifier{Index: 3, Term: 6}},
	})

	follower, ok := next.(Follower)
	if !ok {
		t.Fatalf("expected Follower after higher term, got %T", next)
	}
	if follower.CurrentTerm != 7 || follower.VotedFor != "n1" {
		t.Fatalf("demoted state: term=%d votedFor=%q", follower.CurrentTerm, follower.VotedFor)
	}
	sends := sentMessages(effects)
	if response := sends[0].Message.(RequestVoteResponse); !response.VoteGranted {
		t.Fatal("up-to-date candidate in the new term should get the vote")
	}
	if !hasEffect(effects, PersistLog{}) {
		t.Fatal("term change must persist")
	}
}

func TestCandidateStandsDownForCurrentTermLeader(t *testing.T) {
	candidate := Candidate{
		CurrentTerm:   3,
		Log:           NewLog(nil),
		CommitIdx:     -1,
		OtherNodes:    []string{"n1", "n2"},
		VotesReceived: map[string]bool{},
	}

	noop := Entry{Term: 3, Type: EntryNoop}
	next, effects := mustStep(t, candidate, MessageReceived{
		Node:    "n1",
		Message: AppendEntriesRequest{Term: 3, Entries: []Entry{noop}, LeaderCommit: -1},
	})

	follower, ok := next.(Follower)
	if !ok {
		t.Fatalf("expected Follower, got %T", next)
	}
	if follower.VotedFor != testReducer.ID {
		t.Fatalf("self-vote lost on stand-down: votedFor=%q", follower.VotedFor)
	}
	if follower.Log.Length() != 1 {
		t.Fatal("append from current-term leader was not applied")
	}
	sends := sentMessages(effects)
	if response := sends[0].Message.(AppendEntriesResponse); !response.Ok {
		t.Fatalf("append response: %+v", response)
	}
}

func TestFollowerAppendEntriesUpdatesCommitIndex(t *testing.T) {
	follower := twoPeerFollower(1, nil)
	entries := []Entry{{Term: 1, Type: EntryNoop}, valueEntry(1, "x<-1", 7, 1)}

	next, effects := mustStep(t, follower, MessageReceived{
		Node:    "n1",
		Message: AppendEntriesRequest{Term: 1, Entries: entries, LeaderCommit: 5},
	})

	updated := next.(Follower)
	if updated.CommitIdx != 1 {
		t.Fatalf("commit index = %d, want 1 (clamped to log end)", updated.CommitIdx)
	}
	sends := sentMessages(effects)
	response := sends[0].Message.(AppendEntriesResponse)
	if !response.Ok || response.PrevLogIndex != -1 || response.NumEntries != 2 {
		t.Fatalf("unexpected response: %+v", response)
	}
	if !hasEffect(effects, ResetElectionTimeout{}) || !hasEffect(effects, PersistLog{}) {
		t.Fatal("successful append must reset the election timer and persist")
	}
}

func TestFollowerRejectsInconsistentAppend(t *testing.T) {
	follower := twoPeerFollower(2, nil)

	next, effects := mustStep(t, follower, MessageReceived{
		Node: "n1",
		Message: AppendEntriesRequest{
			Term:         2,
			Prev:         &EntryIdentifier{Index: 4, Term: 2},
			Entries:      []Entry{{Term: 2, Type: EntryNoop}},
			LeaderCommit: 4,
		},
	})

	if next.(Follower).Log.Length() != 0 {
		t.Fatal("rejected append changed the log")
	}
	sends := sentMessages(effects)
	response := sends[0].Message.(AppendEntriesResponse)
	if response.Ok || response.PrevLogIndex != 4 || response.NumEntries != 1 {
		t.Fatalf("unexpected response: %+v", response)
	}
	if !hasEffect(effects, ResetElectionTimeout{}) {
		t.Fatal("contact from the current leader resets the election timer even on mismatch")
	}
}

func TestStaleLeaderAppendRejectedWithoutReset(t *testing.T) {
	follower := twoPeerFollower(5, nil)

	next, effects := mustStep(t, follower, MessageReceived{
		Node:    "n1",
		Message: AppendEntriesRequest{Term: 3, LeaderCommit: -1},
	})

	if next.(Follower).CurrentTerm != 5 {
		t.Fatal("stale append changed the term")
	}
	sends := sentMessages(effects)
	response := sends[0].Message.(AppendEntriesResponse)
	if response.Ok || response.Term != 5 {
		t.Fatalf("unexpected response: %+v", response)
	}
	if hasEffect(effects, ResetElectionTimeout{}) {
		t.Fatal("a stale leader must not suppress elections")
	}
}

func TestHeartbeatTimeoutBuildsAppendForPeer(t *testing.T) {
	log := NewLog([]Entry{{Term: 1, Type: EntryNoop}, valueEntry(1, "x<-1", 7, 1)})
	leader := Leader{
		CurrentTerm: 1,
		Log:         log,
		CommitIdx:   0,
		OtherNodes:  []string{"n1", "n2"},
		FollowerInfo: map[string]PeerIndices{
			"n1": {NextIndex: 1, MatchIndex: 0},
			"n2": {NextIndex: 0, MatchIndex: -1},
		},
	}

	_, effects := mustStep(t, leader, SendHeartbeatTimeout{Node: "n1"})
	request := sentMessages(effects)[0].Message.(AppendEntriesRequest)
	if request.Prev == nil || request.Prev.Index != 0 || request.Prev.Term != 1 {
		t.Fatalf("prev = %+v, want index 0 term 1", request.Prev)
	}
	if len(request.Entries) != 1 || request.Entries[0].Value != "x<-1" {
		t.Fatalf("entries = %+v", request.Entries)
	}
	if request.LeaderCommit != 0 {
		t.Fatalf("leaderCommit = %d, want 0", request.LeaderCommit)
	}

	// A peer with nothing replicated gets the whole log with no prev.
	_, effects = mustStep(t, leader, SendHeartbeatTimeout{Node: "n2"})
	request = sentMessages(effects)[0].Message.(AppendEntriesRequest)
	if request.Prev != nil || len(request.Entries) != 2 {
		t.Fatalf("fresh peer request: prev=%+v entries=%d", request.Prev, len(request.Entries))
	}
}

func TestLeaderAdvancesCommitOnResponses(t *testing.T) {
	log := NewLog([]Entry{{Term: 1, Type: EntryNoop}, valueEntry(1, "x<-1", 7, 1), valueEntry(1, "y<-2", 7, 2)})
	leader := Leader{
		CurrentTerm: 1,
		Log:         log,
		CommitIdx:   -1,
		OtherNodes:  []string{"n1", "n2"},
		FollowerInfo: map[string]PeerIndices{
			"n1": {NextIndex: 0, MatchIndex: -1},
			"n2": {NextIndex: 0, MatchIndex: -1},
		},
	}

	next, _ := mustStep(t, leader, MessageReceived{
		Node:    "n1",
		Message: AppendEntriesResponse{Ok: true, Term: 1, PrevLogIndex: -1, NumEntries: 3},
	})

	updated := next.(Leader)
	if info := updated.FollowerInfo["n1"]; info.MatchIndex != 2 || info.NextIndex != 3 {
		t.Fatalf("follower info = %+v", info)
	}
	if updated.CommitIdx != 2 {
		t.Fatalf("commit index = %d, want 2 (leader + n1 is a majority)", updated.CommitIdx)
	}
	if !updated.HasCommittedEntryThisTerm {
		t.Fatal("own-term commit must flip HasCommittedEntryThisTerm")
	}
}

func TestLeaderBacksUpOnRejection(t *testing.T) {
	log := NewLog([]Entry{{Term: 1, Type: EntryNoop}, {Term: 1, Type: EntryNoop}, {Term: 1, Type: EntryNoop}})
	leader := Leader{
		CurrentTerm: 1,
		Log:         log,
		CommitIdx:   -1,
		OtherNodes:  []string{"n1", "n2"},
		FollowerInfo: map[string]PeerIndices{
			"n1": {NextIndex: 3, MatchIndex: -1},
			"n2": {NextIndex: 3, MatchIndex: -1},
		},
	}

	next, effects := mustStep(t, leader, MessageReceived{
		Node:    "n1",
		Message: AppendEntriesResponse{Ok: false, Term: 1, PrevLogIndex: 2, NumEntries: 0},
	})

	updated := next.(Leader)
	if info := updated.FollowerInfo["n1"]; info.NextIndex != 2 {
		t.Fatalf("nextIndex = %d, want 2", info.NextIndex)
	}
	sends := sentMessages(effects)
	if len(sends) != 1 || sends[0].Node != "n1" {
		t.Fatalf("expected an immediate retry to n1, got %v", sends)
	}
	retry := sends[0].Message.(AppendEntriesRequest)
	if retry.Prev == nil || retry.Prev.Index != 1 || len(retry.Entries) != 1 {
		t.Fatalf("retry request: prev=%+v entries=%d", retry.Prev, len(retry.Entries))
	}
}

func TestLeaderAppendsClientEntry(t *testing.T) {
	leader := Leader{
		CurrentTerm: 4,
		Log:         NewLog(nil),
		CommitIdx:   -1,
		OtherNodes:  []string{"n1", "n2"},
		FollowerInfo: map[string]PeerIndices{
			"n1": {NextIndex: 0, MatchIndex: -1},
			"n2": {NextIndex: 0, MatchIndex: -1},
		},
	}

	next, effects := mustStep(t, leader, AppendToLog{Entry: NewValueEntry("x<-1", RequestID{ClientID: 7, RequestSerial: 42})})

	updated := next.(Leader)
	if updated.Log.Length() != 1 {
		t.Fatal("entry not appended")
	}
	if entry := updated.Log.Entry(0); entry.Term != 4 || entry.ID.RequestSerial != 42 {
		t.Fatalf("appended entry: %+v", entry)
	}
	if !hasEffect(effects, PersistLog{}) {
		t.Fatal("log growth must persist")
	}
	if len(sentMessages(effects)) != 0 {
		t.Fatal("replication rides on heartbeats, not on append")
	}
}

func TestAppendToLogDroppedWhenNotLeader(t *testing.T) {
	follower := twoPeerFollower(1, nil)

	next, effects := mustStep(t, follower, AppendToLog{Entry: NewValueEntry("x<-1", RequestID{ClientID: 7, RequestSerial: 1})})
	if next.(Follower).Log.Length() != 0 || len(effects) != 0 {
		t.Fatal("non-leader must ignore client appends")
	}
}
