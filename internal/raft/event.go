package raft

// Event is an input to the reducer. Events are produced by the timers, the
// transport, and the driver acting on behalf of a client; they are fed
// through a single logical execution stream per node.
type Event interface {
	isEvent()
}

// ElectionTimeout fires when a follower or candidate has gone too long
// without leader contact.
type ElectionTimeout struct{}

func (ElectionTimeout) isEvent() {}

// SendHeartbeatTimeout fires when the leader's per-peer heartbeat timer for
// Node expires.
type SendHeartbeatTimeout struct {
	Node string
}

func (SendHeartbeatTimeout) isEvent() {}

// MessageReceived carries one inbound message from Node.
type MessageReceived struct {
	Node    string
	Message Message
}

func (MessageReceived) isEvent() {}

// AppendToLog asks the leader to append Entry to its log. The entry's term
// is stamped by the reducer.
type AppendToLog struct {
	Entry Entry
}

func (AppendToLog) isEvent() {}
