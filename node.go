package lavapool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// payloadSender is the transport surface a node needs for outbound commands.
// Socket satisfies it; tests substitute a recorder.
type payloadSender interface {
	SendJSON(value interface{}) error
}

// Node is one backend in the pool: a transport handle plus the last-known
// load statistics the balancer ranks it by. Pool membership is mutated by the
// cluster only; players just read the node they are bound to.
type Node struct {
	cfg     *NodeConfig
	cluster *Cluster
	conn    payloadSender
	socket  *Socket
	http    *http.Client
	log     *zap.Logger

	// Guarded by the cluster mutex, like the rest of the pool state.
	healthy  bool
	stats    *Stats
	statsAt  time.Time
	lastUsed time.Time
}

func newNode(cfg *NodeConfig, cluster *Cluster, log *zap.Logger) *Node {
	n := &Node{
		cfg:     cfg,
		cluster: cluster,
		socket:  NewSocket(cfg),
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log.With(zap.String("node", cfg.Name)),
	}
	n.conn = n.socket
	n.socket.DataReceived = n.dataReceived
	n.socket.OnOpen = n.socketOpened
	n.socket.OnClose = n.socketClosed
	return n
}

// Name returns the node's identity.
func (n *Node) Name() string { return n.cfg.Name }

// Healthy reports whether the node is eligible for assignment.
func (n *Node) Healthy() bool {
	n.cluster.mu.Lock()
	defer n.cluster.mu.Unlock()
	return n.healthy
}

// Stats returns a copy of the node's last statistics snapshot, or nil when
// the node has not reported yet.
func (n *Node) Stats() *Stats {
	n.cluster.mu.Lock()
	defer n.cluster.mu.Unlock()
	if n.stats == nil {
		return nil
	}
	s := *n.stats
	if s.Frames != nil {
		f := *s.Frames
		s.Frames = &f
	}
	return &s
}

// StatsAt returns when the node last reported statistics. Zero when it never
// has.
func (n *Node) StatsAt() time.Time {
	n.cluster.mu.Lock()
	defer n.cluster.mu.Unlock()
	return n.statsAt
}

// connect dials the node's websocket with the identifying headers.
func (n *Node) connect(userID string, shards int) error {
	headers := http.Header{}
	headers.Add("User-Id", userID)
	headers.Add("Num-Shards", strconv.Itoa(shards))
	headers.Add("Authorization", n.cfg.Authorization)
	headers.Add("Client-Name", "lavapool")
	if n.cfg.EnableResume {
		headers.Add("Resume-Key", n.cfg.ResumeKey)
	}
	if n.cfg.UserAgent != "" {
		headers.Add("User-Agent", n.cfg.UserAgent)
	}
	return n.socket.Connect(headers)
}

func (n *Node) send(value interface{}) error {
	return n.conn.SendJSON(value)
}

func (n *Node) socketOpened() {
	n.log.Info("node connected")
	if n.cfg.EnableResume {
		err := n.send(resumePayload{
			Op:      "configureResuming",
			Key:     n.cfg.ResumeKey,
			Timeout: int(n.cfg.ResumeTimeout.Seconds()),
		})
		if err != nil {
			n.log.Warn("resume negotiation failed", zap.Error(err))
		}
	}
	n.cluster.nodeUp(n)
}

func (n *Node) socketClosed(err error) {
	if err != nil {
		n.log.Warn("node connection lost", zap.Error(err))
	} else {
		n.log.Info("node connection closed")
	}
	n.cluster.nodeDown(n, err)
}

// dataReceived routes one inbound frame to the owning player or the cluster.
func (n *Node) dataReceived(data []byte) {
	if len(data) == 0 {
		return
	}
	bp := &basePayload{}
	if err := json.Unmarshal(data, bp); err != nil {
		n.log.Warn("undecodable frame", zap.Error(err))
		return
	}
	switch bp.Op {
	case "stats":
		stats := &Stats{}
		if err := json.Unmarshal(data, stats); err != nil {
			n.log.Warn("undecodable stats frame", zap.Error(err))
			return
		}
		n.cluster.statsReceived(n, stats)
	case "playerUpdate":
		pu := playerUpdatePayload{}
		if err := json.Unmarshal(data, &pu); err != nil {
			n.log.Warn("undecodable playerUpdate frame", zap.Error(err))
			return
		}
		if p := n.cluster.ExistingPlayer(pu.GuildID); p != nil {
			p.syncPosition(pu.State.PositionMs)
		}
	case "event":
		ev := eventPayload{}
		if err := json.Unmarshal(data, &ev); err != nil {
			n.log.Warn("undecodable event frame", zap.Error(err))
			return
		}
		n.dispatchEvent(ev)
	default:
		n.log.Debug("unknown op", zap.String("op", bp.Op))
	}
}

func (n *Node) dispatchEvent(ev eventPayload) {
	if ev.Type == webSocketClosedEvent {
		n.cluster.voiceSocketClosed(n, ev.GuildID, ev.Code, ev.Error, ev.ByRemote)
		return
	}
	p := n.cluster.ExistingPlayer(ev.GuildID)
	if p == nil {
		return
	}
	switch ev.Type {
	case trackStartEvent:
		p.handleTrackStart()
	case trackEndEvent:
		p.handleTrackEnd(TrackEndReason(ev.Reason))
	case trackExceptionEvent:
		p.handleTrackException(ev.Error)
	case trackStuckEvent:
		p.handleTrackStuck(time.Duration(ev.ThresholdMs) * time.Millisecond)
	}
}

// loadTracks performs the node's REST resolution call for one identifier.
func (n *Node) loadTracks(ctx context.Context, identifier string) (*LoadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		n.cfg.httpEndpoint()+"/loadtracks?identifier="+url.QueryEscape(identifier), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Authorization", n.cfg.Authorization)
	if n.cfg.UserAgent != "" {
		req.Header.Add("User-Agent", n.cfg.UserAgent)
	}
	res, err := n.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node %s: loadtracks returned status %d", n.cfg.Name, res.StatusCode)
	}
	lr := &LoadResult{}
	if err := json.NewDecoder(res.Body).Decode(lr); err != nil {
		return nil, err
	}
	return lr, nil
}
