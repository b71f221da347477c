package raft

import "sort"

// NextCommitIndex computes the commit index a leader may advance to.
//
// The candidate index is the median of the leader's own last index and every
// follower's match index, biased toward the lower half on even counts; that
// is the highest index stored on a strict majority of the cluster. The
// leader may only act on it when the entry at that index carries its own
// term--replica count alone never commits an entry from an earlier term.
func NextCommitIndex(log Log, followerInfo map[string]PeerIndices, currentTerm uint64, commitIndex int64) int64 {
	matches := make([]int64, 0, len(followerInfo)+1)
	matches = append(matches, log.Length()-1)
	for _, info := range followerInfo {
		matches = append(matches, info.MatchIndex)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })

	candidate := matches[(len(matches)-1)/2]
	if candidate == -1 {
		return commitIndex
	}
	if log.Entry(candidate).Term != currentTerm {
		return commitIndex
	}
	if candidate > commitIndex {
		return candidate
	}
	return commitIndex
}
