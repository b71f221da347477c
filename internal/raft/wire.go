package raft

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire format: every node-to-node message is one JSON object discriminated
// by a "type" string, carrying a "responsePort" field that identifies the
// sender so responses can be routed back.

const (
	typeAppendEntries         = "appendEntries"
	typeAppendEntriesResponse = "appendEntriesResponse"
	typeRequestVote           = "requestVote"
	typeRequestVoteResponse   = "requestVoteResponse"
)

// ErrUnknownMessageType indicates a frame whose type string is not part of
// the protocol.
var ErrUnknownMessageType = errors.New("unknown message type")

type wireAppendEntries struct {
	Type                    string           `json:"type"`
	ResponsePort            string           `json:"responsePort"`
	Term                    uint64           `json:"term"`
	PreviousEntryIdentifier *EntryIdentifier `json:"previousEntryIdentifier"`
	Entries                 []Entry          `json:"entries"`
	LeaderCommit            int64            `json:"leaderCommit"`
}

type wireAppendEntriesResponse struct {
	Type                         string `json:"type"`
	ResponsePort                 string `json:"responsePort"`
	Ok                           bool   `json:"ok"`
	Term                         uint64 `json:"term"`
	PrevLogIndexFromRequest      int64  `json:"prevLogIndexFromRequest"`
	NumberOfEntriesSentInRequest uint64 `json:"numberOfEntriesSentInRequest"`
}

type wireRequestVote struct {
	Type         string           `json:"type"`
	ResponsePort string           `json:"responsePort"`
	Term         uint64           `json:"term"`
	LastLog      *EntryIdentifier `json:"lastLog"`
}

type wireRequestVoteResponse struct {
	Type         string `json:"type"`
	ResponsePort string `json:"responsePort"`
	Term         uint64 `json:"term"`
	VoteGranted  bool   `json:"voteGranted"`
}

// EncodeMessage serializes m as one wire frame stamped with the sender's
// reply address.
func EncodeMessage(m Message, responsePort string) ([]byte, error) {
	switch msg := m.(type) {
	case AppendEntriesRequest:
		entries := msg.Entries
		if entries == nil {
			entries = []Entry{}
		}
		return json.Marshal(wireAppendEntries{
			Type:                    typeAppendEntries,
			ResponsePort:            responsePort,
			Term:                    msg.Term,
			PreviousEntryIdentifier: msg.Prev,
			Entries:                 entries,
			LeaderCommit:            msg.LeaderCommit,
		})
	case AppendEntriesResponse:
		return json.Marshal(wireAppendEntriesResponse{
			Type:                         typeAppendEntriesResponse,
			ResponsePort:                 responsePort,
			Ok:                           msg.Ok,
			Term:                         msg.Term,
			PrevLogIndexFromRequest:      msg.PrevLogIndex,
			NumberOfEntriesSentInRequest: msg.NumEntries,
		})
	case RequestVoteRequest:
		return json.Marshal(wireRequestVote{
			Type:         typeRequestVote,
			ResponsePort: responsePort,
			Term:         msg.Term,
			LastLog:      msg.LastLog,
		})
	case RequestVoteResponse:
		return json.Marshal(wireRequestVoteResponse{
			Type:         typeRequestVoteResponse,
			ResponsePort: responsePort,
			Term:         msg.Term,
			VoteGranted:  msg.VoteGranted,
		})
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, m)
}

// DecodeMessage parses one wire frame, returning the message and the
// sender's reply address.
func DecodeMessage(data []byte) (Message, string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, "", err
	}

	switch probe.Type {
	case typeAppendEntries:
		var w wireAppendEntries
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, "", err
		}
		entries := w.Entries
		if entries == nil {
			entries = []Entry{}
		}
		return AppendEntriesRequest{
			Term:         w.Term,
			Prev:         w.PreviousEntryIdentifier,
			Entries:      entries,
			LeaderCommit: w.LeaderCommit,
		}, w.ResponsePort, nil
	case typeAppendEntriesResponse:
		var w wireAppendEntriesResponse
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, "", err
		}
		return AppendEntriesResponse{
			Ok:           w.Ok,
			Term:         w.Term,
			PrevLogIndex: w.PrevLogIndexFromRequest,
			NumEntries:   w.NumberOfEntriesSentInRequest,
		}, w.ResponsePort, nil
	case typeRequestVote:
		var w wireRequestVote
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, "", err
		}
		return RequestVoteRequest{Term: w.Term, LastLog: w.LastLog}, w.ResponsePort, nil
	case typeRequestVoteResponse:
		var w wireRequestVoteResponse
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, "", err
		}
		return RequestVoteResponse{Term: w.Term, VoteGranted: w.VoteGranted}, w.ResponsePort, nil
	}
	return nil, "", fmt.Errorf("%w: %q", ErrUnknownMessageType, probe.Type)
}
