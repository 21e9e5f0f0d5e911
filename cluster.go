package lavapool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ClusterHooks are cluster-level event callbacks. All are optional and run on
// their own goroutine.
type ClusterHooks struct {
	// NodeStats fires after a node's statistics snapshot was replaced.
	NodeStats func(n *Node, s *Stats)
	// NodeDown fires after a node was marked unhealthy and its players were
	// migrated (or faulted).
	NodeDown func(n *Node, err error)
	// VoiceSocketClosed surfaces the host gateway closing a guild's voice
	// websocket.
	VoiceSocketClosed func(n *Node, guildID string, code int, reason string, byRemote bool)
}

// Cluster owns the node pool: it assigns the least-loaded node to each new
// session, replaces statistics as nodes report them, and moves sessions away
// from nodes that become unreachable.
type Cluster struct {
	cfg      *Config
	log      *zap.Logger
	balancer Balancer
	resolver *Resolver

	mu      sync.Mutex
	nodes   []*Node
	players map[string]*Player
	gateway gatewayFunc
	hooks   ClusterHooks
	closed  bool
}

// NewCluster builds a cluster from cfg. Nodes are not dialed until Connect.
func NewCluster(cfg *Config) (*Cluster, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("%w: config has no nodes", ErrInvalidArgument)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	balancer := cfg.Balancer
	if balancer == nil {
		balancer = DefaultBalancer()
	}
	c := &Cluster{
		cfg:      cfg,
		log:      log,
		balancer: balancer,
		players:  make(map[string]*Player),
	}
	for _, nc := range cfg.Nodes {
		c.nodes = append(c.nodes, newNode(nc, c, log))
	}
	c.resolver = newResolver(c.anyNode, cfg.Cache, cfg.CacheTTL, log)
	return c, nil
}

// SetVoiceGateway registers the host gateway collaborator used for voice
// join/leave signaling. Must be called before players connect; AttachDiscord
// does this for discordgo sessions.
func (c *Cluster) SetVoiceGateway(fn func(guildID, channelID string, selfDeaf, selfMute bool) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gateway = fn
}

// SetHooks registers cluster-level callbacks. Replaces any previous set.
func (c *Cluster) SetHooks(h ClusterHooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = h
}

// Connect dials every configured node. It succeeds when at least one node
// comes up; nodes that failed keep their unhealthy flag and are skipped by
// selection.
func (c *Cluster) Connect() error {
	var lastErr error
	up := 0
	for _, n := range c.nodes {
		if err := n.connect(c.cfg.UserID, c.cfg.Shards); err != nil {
			c.log.Warn("node dial failed", zap.String("node", n.Name()), zap.Error(err))
			lastErr = err
			continue
		}
		up++
	}
	if up == 0 {
		return fmt.Errorf("%w: all %d nodes failed, last: %v", ErrNoAvailableNode, len(c.nodes), lastErr)
	}
	return nil
}

// Close destroys all players best-effort and closes every node connection.
func (c *Cluster) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	players := make([]*Player, 0, len(c.players))
	for _, p := range c.players {
		players = append(players, p)
	}
	nodes := append([]*Node(nil), c.nodes...)
	c.mu.Unlock()

	for _, p := range players {
		p.Destroy()
	}
	var firstErr error
	for _, n := range nodes {
		if err := n.socket.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AddNode grows the pool with a freshly dialed node.
func (c *Cluster) AddNode(nc *NodeConfig) (*Node, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cluster is closed", ErrInvalidState)
	}
	n := newNode(nc, c, c.log)
	c.nodes = append(c.nodes, n)
	c.mu.Unlock()
	if err := n.connect(c.cfg.UserID, c.cfg.Shards); err != nil {
		return nil, err
	}
	return n, nil
}

// RemoveNode drains a node's sessions onto the rest of the pool and closes
// it. Its players migrate exactly as on failure.
func (c *Cluster) RemoveNode(name string) error {
	c.mu.Lock()
	var target *Node
	for i, n := range c.nodes {
		if n.Name() == name {
			target = n
			c.nodes = append(c.nodes[:i], c.nodes[i+1:]...)
			break
		}
	}
	if target == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: node %q", ErrNotFound, name)
	}
	target.healthy = false
	moves := c.planMigrationsLocked(target)
	c.mu.Unlock()

	c.runMigrations(target, moves)
	return target.socket.Close()
}

// Nodes returns a snapshot of the pool for observability.
func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Node(nil), c.nodes...)
}

// Resolver returns the cluster's track resolver.
func (c *Cluster) Resolver() *Resolver { return c.resolver }

// LoadTracks resolves query through the least-loaded node. See
// Resolver.LoadTracks for the outcome semantics.
func (c *Cluster) LoadTracks(ctx context.Context, query string, mode SearchMode, noCache bool) (*LoadResult, error) {
	return c.resolver.LoadTracks(ctx, query, mode, noCache)
}

// GetTracks resolves query and returns the full ordered track sequence.
func (c *Cluster) GetTracks(ctx context.Context, query string, mode SearchMode, noCache bool) ([]*Track, error) {
	return c.resolver.GetTracks(ctx, query, mode, noCache)
}

// GetTrack resolves query and returns its first track, or ErrNotFound.
func (c *Cluster) GetTrack(ctx context.Context, query string, mode SearchMode, noCache bool) (*Track, error) {
	return c.resolver.GetTrack(ctx, query, mode, noCache)
}

// Player returns the guild's session, creating one bound to the least-loaded
// node when none exists. Concurrent calls for one guild always converge on a
// single instance.
func (c *Cluster) Player(guildID string) (*Player, error) {
	if guildID == "" {
		return nil, fmt.Errorf("%w: empty guild id", ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: cluster is closed", ErrInvalidState)
	}
	if p, ok := c.players[guildID]; ok {
		return p, nil
	}
	node := c.bestNodeLocked()
	if node == nil {
		return nil, ErrNoAvailableNode
	}
	node.lastUsed = time.Now()
	p := newPlayer(node, guildID, c.sendVoiceUpdate, c.log)
	c.players[guildID] = p
	return p, nil
}

// ExistingPlayer returns the guild's session or nil; it never creates one.
func (c *Cluster) ExistingPlayer(guildID string) *Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.players[guildID]
}

// DestroyPlayer tears down and forgets the guild's session. Safe to call for
// guilds without one.
func (c *Cluster) DestroyPlayer(guildID string) {
	c.mu.Lock()
	p := c.players[guildID]
	delete(c.players, guildID)
	c.mu.Unlock()
	if p != nil {
		p.Destroy()
	}
}

// bestNodeLocked picks the healthy node with the lowest penalty; ties go to
// the node unused the longest. Nodes without statistics score the balancer's
// cold value.
func (c *Cluster) bestNodeLocked() *Node {
	var best *Node
	var bestScore float64
	for _, n := range c.nodes {
		if !n.healthy {
			continue
		}
		score := c.balancer.Score(n.stats)
		if best == nil || score < bestScore ||
			(score == bestScore && n.lastUsed.Before(best.lastUsed)) {
			best = n
			bestScore = score
		}
	}
	return best
}

func (c *Cluster) anyNode() (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.bestNodeLocked()
	if n == nil {
		return nil, ErrNoAvailableNode
	}
	return n, nil
}

func (c *Cluster) sendVoiceUpdate(guildID, channelID string, selfDeaf, selfMute bool) error {
	c.mu.Lock()
	gw := c.gateway
	c.mu.Unlock()
	if gw == nil {
		return errors.New("lavapool: no voice gateway attached")
	}
	return gw(guildID, channelID, selfDeaf, selfMute)
}

// statsReceived replaces a node's statistics snapshot wholesale.
func (c *Cluster) statsReceived(n *Node, s *Stats) {
	c.mu.Lock()
	n.stats = s
	n.statsAt = time.Now()
	hook := c.hooks.NodeStats
	c.mu.Unlock()
	if hook != nil {
		go hook(n, s)
	}
}

// nodeUp marks a node eligible again and gives stranded sessions a home.
func (c *Cluster) nodeUp(n *Node) {
	c.mu.Lock()
	n.healthy = true
	var stranded []*Player
	for _, p := range c.players {
		p.mu.Lock()
		if p.faulted != nil {
			stranded = append(stranded, p)
		}
		p.mu.Unlock()
	}
	if len(stranded) > 0 {
		n.lastUsed = time.Now()
	}
	c.mu.Unlock()
	for _, p := range stranded {
		if err := p.migrate(n); err != nil {
			c.log.Warn("stranded session rebind incomplete",
				zap.String("guild", p.GuildID()), zap.String("target", n.Name()), zap.Error(err))
		}
	}
}

type migration struct {
	player *Player
	target *Node
}

// planMigrationsLocked picks a destination for every player bound to the
// down node. A nil target means no healthy node was left for that player.
func (c *Cluster) planMigrationsLocked(down *Node) []migration {
	var moves []migration
	for _, p := range c.players {
		p.mu.Lock()
		bound := p.node == down
		p.mu.Unlock()
		if !bound {
			continue
		}
		target := c.bestNodeLocked()
		if target != nil {
			target.lastUsed = time.Now()
		}
		moves = append(moves, migration{player: p, target: target})
	}
	return moves
}

// runMigrations executes a migration plan outside the pool lock, so the
// re-established sessions' network traffic never blocks other guilds.
func (c *Cluster) runMigrations(down *Node, moves []migration) {
	for _, m := range moves {
		if m.target == nil {
			c.log.Error("no node left for session",
				zap.String("guild", m.player.GuildID()), zap.String("down", down.Name()))
			m.player.markFaulted(ErrNoAvailableNode)
			continue
		}
		if err := m.player.migrate(m.target); err != nil {
			c.log.Warn("session migration incomplete",
				zap.String("guild", m.player.GuildID()),
				zap.String("target", m.target.Name()), zap.Error(err))
			continue
		}
		c.log.Info("session migrated",
			zap.String("guild", m.player.GuildID()),
			zap.String("from", down.Name()), zap.String("to", m.target.Name()))
	}
}

// nodeDown marks a node unhealthy and migrates its sessions. err is nil for
// a locally requested close.
func (c *Cluster) nodeDown(n *Node, err error) {
	c.mu.Lock()
	n.healthy = false
	if c.closed {
		c.mu.Unlock()
		return
	}
	moves := c.planMigrationsLocked(n)
	hook := c.hooks.NodeDown
	c.mu.Unlock()

	c.runMigrations(n, moves)
	if hook != nil {
		go hook(n, err)
	}
}

func (c *Cluster) voiceSocketClosed(n *Node, guildID string, code int, reason string, byRemote bool) {
	c.mu.Lock()
	hook := c.hooks.VoiceSocketClosed
	c.mu.Unlock()
	if hook != nil {
		go hook(n, guildID, code, reason, byRemote)
	}
}
