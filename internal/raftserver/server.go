// Package raftserver wires a consensus node to the outside world: a TCP
// listener for inbound protocol frames, short-lived outbound connections, a
// randomized election timer, and one heartbeat timer per peer.
package raftserver

import (
	"bufio"
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skiffdb/skiff/internal/node"
	"github.com/skiffdb/skiff/internal/persistence"
	"github.com/skiffdb/skiff/internal/raft"
)

// dialBudget bounds connect plus write for one outbound message. A missed
// message is recovered by the next heartbeat, so failures are logged and
// dropped.
const dialBudget = time.Second

// maxFrameSize caps one inbound frame. Appends carrying a whole log can be
// large; 4 MB leaves generous headroom.
const maxFrameSize = 4 << 20

// Config collects everything needed to run one cluster member.
type Config struct {
	// ListenAddr is this node's address, e.g. "127.0.0.1:9001". It doubles
	// as the node's identity and as the responsePort stamped on outbound
	// frames, so peers must list it verbatim.
	ListenAddr string
	// Peers are the other cluster members' addresses.
	Peers []string
	// PersistenceFilePath locates the durable state snapshot.
	PersistenceFilePath string
	// ElectionTimeout is the base election timeout; the armed value is
	// randomized in [t, 2t) so split votes resolve.
	ElectionTimeout time.Duration
	// HeartbeatTimeout is the per-peer heartbeat interval.
	HeartbeatTimeout time.Duration
	// Slowdown multiplies both timeouts, for debugging a cluster by eye.
	// Zero means no slowdown.
	Slowdown int
}

// Server runs the orchestration loops around one driver.
type Server struct {
	cfg  Config
	node *node.Node

	listener net.Listener

	timerMu         sync.Mutex
	heartbeatTimers map[string]*time.Timer

	resetCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the server and its driver. Start must be called before the
// node participates in the cluster.
func New(cfg Config, sm node.StateMachine) (*Server, error) {
	if cfg.Slowdown < 1 {
		cfg.Slowdown = 1
	}
	s := &Server{
		cfg:             cfg,
		heartbeatTimers: make(map[string]*time.Timer),
		resetCh:         make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
	}

	store, err := persistence.NewStore(cfg.PersistenceFilePath)
	if err != nil {
		return nil, err
	}
	n, err := node.NewNode(cfg.ListenAddr, cfg.Peers, store, sm, node.Callbacks{
		SendMessage:        s.sendMessage,
		ResetElectionTimer: s.resetElectionTimer,
	})
	if err != nil {
		return nil, err
	}
	s.node = n
	return s, nil
}

// Start opens the listener and launches the timer loops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	log.Info().Str("addr", s.cfg.ListenAddr).Int("peers", len(s.cfg.Peers)).Msg("Raft server listening")

	for _, peer := range s.cfg.Peers {
		timer := time.NewTimer(time.Hour)
		timer.Stop()
		s.heartbeatTimers[peer] = timer
		s.wg.Add(1)
		go s.heartbeatLoop(peer, timer)
	}

	s.wg.Add(2)
	go s.acceptLoop()
	go s.electionLoop()
	return nil
}

// Stop shuts the server down. In-flight outbound messages are abandoned.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}

// AddToLog submits a client value for replication; see node.AddToLog.
func (s *Server) AddToLog(ctx context.Context, value string, id raft.RequestID) node.AppendResult {
	return s.node.AddToLog(ctx, value, id)
}

// SyncBeforeRead gates linearizable reads; see node.SyncBeforeRead.
func (s *Server) SyncBeforeRead(ctx context.Context) bool {
	return s.node.SyncBeforeRead(ctx)
}

// Status reports the driver's current summary.
func (s *Server) Status() node.Status {
	return s.node.Status()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.Warn().Err(err).Msg("Accept failed")
				continue
			}
		}
		go s.handleConn(conn)
	}
}

// handleConn reads newline-framed JSON messages until the sender closes.
// Undecodable frames are logged and dropped; the sender retries on its next
// heartbeat.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		message, from, err := raft.DecodeMessage(scanner.Bytes())
		if err != nil {
			log.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		s.node.HandleEvent(raft.MessageReceived{Node: from, Message: message})
	}
}

// sendMessage ships one message on its own goroutine over a short-lived
// connection. Emitting an appendEntries to a peer re-arms that peer's
// heartbeat timer.
func (s *Server) sendMessage(to string, m raft.Message) {
	if _, ok := m.(raft.AppendEntriesRequest); ok {
		s.resetHeartbeat(to)
	}

	data, err := raft.EncodeMessage(m, s.cfg.ListenAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode outbound message")
	}

	go func() {
		conn, err := net.DialTimeout("tcp", to, dialBudget)
		if err != nil {
			log.Debug().Err(err).Str("to", to).Msg("Dial failed, dropping message")
			return
		}
		defer conn.Close()
		conn.SetWriteDeadline(time.Now().Add(dialBudget))
		if _, err := conn.Write(append(data, '\n')); err != nil {
			log.Debug().Err(err).Str("to", to).Msg("Write failed, dropping message")
		}
	}()
}

func (s *Server) resetHeartbeat(peer string) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if timer, ok := s.heartbeatTimers[peer]; ok {
		timer.Stop()
		timer.Reset(time.Duration(s.cfg.Slowdown) * s.cfg.HeartbeatTimeout)
	}
}

func (s *Server) heartbeatLoop(peer string, timer *time.Timer) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
			// Dispatch only while leading; the timer is re-armed by the
			// appendEntries the event produces, so a deposed leader's
			// timers simply go quiet.
			if s.node.IsLeader() {
				s.node.HandleEvent(raft.SendHeartbeatTimeout{Node: peer})
			}
		}
	}
}

func (s *Server) resetElectionTimer() {
	select {
	case s.resetCh <- struct{}{}:
	default:
	}
}

func (s *Server) electionLoop() {
	defer s.wg.Done()
	timer := time.NewTimer(s.randomElectionTimeout())
	defer timer.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.resetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.randomElectionTimeout())
		case <-timer.C:
			// The reducer treats an election timeout while leading as a
			// fatal invariant violation, so the leader's tick is swallowed
			// here instead of dispatched.
			if !s.node.IsLeader() {
				s.node.HandleEvent(raft.ElectionTimeout{})
			}
			timer.Reset(s.randomElectionTimeout())
		}
	}
}

// randomElectionTimeout draws from [t, 2t), t being the configured base
// scaled by the slowdown factor.
func (s *Server) randomElectionTimeout() time.Duration {
	base := time.Duration(s.cfg.Slowdown) * s.cfg.ElectionTimeout
	return base + time.Duration(rand.Int63n(int64(base)))
}
