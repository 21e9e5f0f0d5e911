package lavapool

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/emirpasic/gods/lists/arraylist"
	"go.uber.org/zap"
)

// PlayerState describes where a Player is in its lifecycle.
type PlayerState byte

const (
	// Not connected to a voice channel.
	StateNotConnected PlayerState = iota
	// Connected, nothing playing.
	StateNotPlaying
	// Currently playing a track.
	StatePlaying
	// Playing a track but paused.
	StatePaused
	// Torn down. Terminal: every further operation fails.
	StateDestroyed
)

func (s PlayerState) String() string {
	switch s {
	case StateNotConnected:
		return "NotConnected"
	case StateNotPlaying:
		return "NotPlaying"
	case StatePlaying:
		return "Playing"
	case StatePaused:
		return "Paused"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// TrackEndReason is the node's reason for a track ending.
type TrackEndReason string

const (
	// The track played to its end (or died to an exception after starting).
	ReasonFinished TrackEndReason = "FINISHED"
	// The track failed to start.
	ReasonLoadFailed TrackEndReason = "LOAD_FAILED"
	// Playback was stopped by a stop or destroy command.
	ReasonStopped TrackEndReason = "STOPPED"
	// A new track replaced this one.
	ReasonReplaced TrackEndReason = "REPLACED"
	// The node reclaimed an idle player.
	ReasonCleanup TrackEndReason = "CLEANUP"
)

// EqBand is one equalizer band. Band index is 0-14, gain is -0.25 to 1.0
// where 0 is the natural level.
type EqBand struct {
	Band int     `json:"band"`
	Gain float64 `json:"gain"`
}

// EqBandCount is the fixed number of equalizer bands a node exposes.
const EqBandCount = 15

const (
	MinVolume = 0.0
	MaxVolume = 10.0
	MinGain   = -0.25
	MaxGain   = 1.0
)

// Process-lifetime constant table of zero-gain bands. Read-only.
var defaultEqBands = func() [EqBandCount]EqBand {
	var bands [EqBandCount]EqBand
	for i := range bands {
		bands[i].Band = i
	}
	return bands
}()

// Hooks are the player's track lifecycle extension points. All are optional
// and run on their own goroutine, so they may call back into the player.
type Hooks struct {
	TrackStart     func(p *Player, t *Track)
	TrackEnd       func(p *Player, t *Track, reason TrackEndReason)
	TrackException func(p *Player, t *Track, message string)
	TrackStuck     func(p *Player, t *Track, threshold time.Duration)
	// VoiceConnected fires after the combined voice update is dispatched.
	VoiceConnected func(p *Player)
}

// PlayOptions are the optional arguments to Play.
type PlayOptions struct {
	// Offset to start playback at.
	StartTime time.Duration
	// Position to stop playback at. Zero plays to the end.
	EndTime time.Duration
	// Don't interrupt a live track; the command becomes a no-op on the node.
	NoReplace bool
}

type gatewayFunc func(guildID, channelID string, selfDeaf, selfMute bool) error

// Player is the per-guild playback state machine. One instance exists per
// guild; it is owned by exactly one node at a time and rebinds on failover.
// All operations are serialized per guild; distinct guilds never block each
// other.
type Player struct {
	guildID string
	gateway gatewayFunc
	log     *zap.Logger

	mu          sync.Mutex
	node        *Node
	state       PlayerState
	track       *Track
	channelID   string
	volume      float64
	bands       [EqBandCount]EqBand
	queue       *arraylist.List
	autoAdvance bool
	hooks       Hooks

	// Last position sample and when it was taken. Position reads extrapolate
	// from here instead of running a timer.
	positionMs int64
	positionAt time.Time

	// Voice fragments. sessionID/server keep their last values for failover;
	// the fresh flags gate combined dispatch so a lone later fragment never
	// re-triggers a send.
	sessionID    string
	server       voiceServerPayload
	freshSession bool
	freshServer  bool

	// Set when failover could not find a healthy node for this player.
	faulted error
}

func newPlayer(node *Node, guildID string, gateway gatewayFunc, log *zap.Logger) *Player {
	if log == nil {
		log = zap.NewNop()
	}
	return &Player{
		guildID: guildID,
		gateway: gateway,
		log:     log.With(zap.String("guild", guildID)),
		node:    node,
		state:   StateNotConnected,
		volume:  1.0,
		bands:   defaultEqBands,
		queue:   arraylist.New(),
	}
}

func (p *Player) GuildID() string { return p.guildID }

func (p *Player) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Node returns the node this player currently sends through.
func (p *Player) Node() *Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.node
}

// CurrentTrack returns the playing or paused track, or nil.
func (p *Player) CurrentTrack() *Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

func (p *Player) ChannelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channelID
}

func (p *Player) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Equalizer returns the last bands accepted by the node.
func (p *Player) Equalizer() [EqBandCount]EqBand {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bands
}

// Position extrapolates the playback position from the last node sample.
// Zero when no track is current.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.track == nil {
		return 0
	}
	ms := p.positionMs
	if p.state == StatePlaying {
		ms += time.Since(p.positionAt).Milliseconds()
	}
	if !p.track.Info.Stream && ms > p.track.Info.LengthMs {
		ms = p.track.Info.LengthMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Preconditions. Both are cheap and checked before any message leaves: the
// destroyed gate blocks even administrative operations, the connected gate
// only playback-affecting ones.

func (p *Player) aliveLocked() error {
	if p.state == StateDestroyed {
		return fmt.Errorf("%w: player is destroyed", ErrInvalidState)
	}
	if p.faulted != nil {
		return p.faulted
	}
	return nil
}

func (p *Player) connectedLocked() error {
	if err := p.aliveLocked(); err != nil {
		return err
	}
	if p.state == StateNotConnected {
		return fmt.Errorf("%w: player is not connected to a voice channel", ErrInvalidState)
	}
	return nil
}

// Connect asks the voice gateway to join channelID and moves the player to
// NotPlaying.
//
// Gateway calls always happen outside the player lock: gateway
// implementations go through the cluster, and the pool lock is taken before
// player locks during failover, never after. State commits once the gateway
// accepts, like sends do.
func (p *Player) Connect(channelID string, selfDeaf, selfMute bool) error {
	p.mu.Lock()
	if err := p.aliveLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	if channelID == "" {
		p.mu.Unlock()
		return fmt.Errorf("%w: empty voice channel id", ErrInvalidArgument)
	}
	p.mu.Unlock()

	if err := p.gateway(p.guildID, channelID, selfDeaf, selfMute); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateDestroyed {
		return fmt.Errorf("%w: player is destroyed", ErrInvalidState)
	}
	p.channelID = channelID
	if p.state == StateNotConnected {
		p.state = StateNotPlaying
	}
	return nil
}

// Disconnect leaves the voice channel.
func (p *Player) Disconnect() error {
	p.mu.Lock()
	if err := p.aliveLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	if p.state == StateNotConnected {
		p.mu.Unlock()
		return fmt.Errorf("%w: player is not connected", ErrInvalidState)
	}
	p.mu.Unlock()
	return p.leaveVoice()
}

// leaveVoice signals the gateway leave without holding the player lock and
// commits the disconnected state once it is accepted.
func (p *Player) leaveVoice() error {
	if err := p.gateway(p.guildID, "", false, false); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateDestroyed {
		return nil
	}
	p.channelID = ""
	p.state = StateNotConnected
	return nil
}

// Play starts the given track. State moves to Playing only after the command
// is on the wire.
func (p *Player) Play(track *Track, opts *PlayOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectedLocked(); err != nil {
		return err
	}
	if track == nil {
		return fmt.Errorf("%w: nil track", ErrInvalidArgument)
	}
	if opts == nil {
		opts = &PlayOptions{}
	}
	replaced := !(opts.NoReplace && p.state == StatePlaying && p.track != nil)
	err := p.node.send(playPayload{
		Op:        "play",
		GuildID:   p.guildID,
		Track:     track.Encoded,
		NoReplace: opts.NoReplace,
		StartTime: opts.StartTime.Milliseconds(),
		EndTime:   opts.EndTime.Milliseconds(),
	})
	if err != nil {
		return err
	}
	// With noReplace set the node keeps the live track, so local state must too.
	if replaced {
		p.track = track
		p.state = StatePlaying
		p.positionMs = opts.StartTime.Milliseconds()
		p.positionAt = time.Now()
	}
	return nil
}

// Pause suspends the current track.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectedLocked(); err != nil {
		return err
	}
	if p.state != StatePlaying {
		return fmt.Errorf("%w: can only pause while playing (state %s)", ErrInvalidState, p.state)
	}
	if err := p.node.send(pausePayload{Op: "pause", GuildID: p.guildID, Pause: true}); err != nil {
		return err
	}
	p.positionMs += time.Since(p.positionAt).Milliseconds()
	p.positionAt = time.Now()
	p.state = StatePaused
	return nil
}

// Resume continues a paused track.
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectedLocked(); err != nil {
		return err
	}
	if p.state != StatePaused {
		return fmt.Errorf("%w: can only resume while paused (state %s)", ErrInvalidState, p.state)
	}
	if err := p.node.send(pausePayload{Op: "pause", GuildID: p.guildID, Pause: false}); err != nil {
		return err
	}
	p.positionAt = time.Now()
	p.state = StatePlaying
	return nil
}

// Seek moves playback to position within the current track.
func (p *Player) Seek(position time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectedLocked(); err != nil {
		return err
	}
	if p.track == nil || (p.state != StatePlaying && p.state != StatePaused) {
		return fmt.Errorf("%w: no track to seek (state %s)", ErrInvalidState, p.state)
	}
	if !p.track.Info.Seekable {
		return fmt.Errorf("%w: track %q is not seekable", ErrUnsupported, p.track.Info.Title)
	}
	if position < 0 || position > p.track.Info.Duration() {
		return fmt.Errorf("%w: seek position %s out of range", ErrInvalidArgument, position)
	}
	if err := p.node.send(seekPayload{Op: "seek", GuildID: p.guildID, Position: position.Milliseconds()}); err != nil {
		return err
	}
	p.positionMs = position.Milliseconds()
	p.positionAt = time.Now()
	return nil
}

// Stop ends the current track. With disconnect set, the player also leaves
// the voice channel.
func (p *Player) Stop(disconnect bool) error {
	p.mu.Lock()
	if err := p.connectedLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := p.node.send(stopPayload{Op: "stop", GuildID: p.guildID}); err != nil {
		p.mu.Unlock()
		return err
	}
	p.track = nil
	p.state = StateNotPlaying
	p.positionMs = 0
	p.mu.Unlock()
	if disconnect {
		return p.leaveVoice()
	}
	return nil
}

// SetVolume sets the playback volume. 1.0 is natural level, 10.0 the maximum
// amplification. The stored volume only changes after the node accepts the
// command.
func (p *Player) SetVolume(volume float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectedLocked(); err != nil {
		return err
	}
	if volume < MinVolume || volume > MaxVolume {
		return fmt.Errorf("%w: volume %v out of range [%v, %v]", ErrInvalidArgument, volume, MinVolume, MaxVolume)
	}
	if err := p.node.send(volumePayload{Op: "volume", GuildID: p.guildID, Volume: int(math.Round(volume * 100))}); err != nil {
		return err
	}
	p.volume = volume
	return nil
}

// UpdateEqualizer applies gain changes. With reset, unspecified bands return
// to zero gain and the full table is sent; without it only the given bands
// are sent and the node keeps the rest.
func (p *Player) UpdateEqualizer(bands []EqBand, reset bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.aliveLocked(); err != nil {
		return err
	}
	for _, b := range bands {
		if b.Band < 0 || b.Band >= EqBandCount {
			return fmt.Errorf("%w: band index %d out of range [0, %d]", ErrInvalidArgument, b.Band, EqBandCount-1)
		}
		if b.Gain < MinGain || b.Gain > MaxGain {
			return fmt.Errorf("%w: gain %v out of range [%v, %v]", ErrInvalidArgument, b.Gain, MinGain, MaxGain)
		}
	}
	merged := p.bands
	if reset {
		merged = defaultEqBands
	}
	for _, b := range bands {
		merged[b.Band] = b
	}
	send := bands
	if reset {
		send = merged[:]
	}
	if err := p.node.send(equalizerPayload{Op: "equalizer", GuildID: p.guildID, Bands: send}); err != nil {
		return err
	}
	p.bands = merged
	return nil
}

// Destroy tears the player down. Teardown is best effort: gateway and node
// failures are logged and swallowed, and the player always ends up Destroyed.
// Calling Destroy again is a no-op.
func (p *Player) Destroy() {
	p.mu.Lock()
	if p.state == StateDestroyed {
		p.mu.Unlock()
		return
	}
	leave := p.state != StateNotConnected
	node := p.node
	p.track = nil
	p.channelID = ""
	p.queue.Clear()
	p.freshSession = false
	p.freshServer = false
	p.state = StateDestroyed
	p.mu.Unlock()

	// The terminal state is already committed; the gateway leave and the node
	// command run unlocked so a stalled collaborator cannot wedge the player.
	if leave {
		if err := p.gateway(p.guildID, "", false, false); err != nil {
			p.log.Debug("voice leave during teardown failed", zap.Error(err))
		}
	}
	if err := node.send(destroyPayload{Op: "destroy", GuildID: p.guildID}); err != nil {
		p.log.Debug("destroy command failed", zap.Error(err))
	}
}

// OnVoiceStateUpdate stores the voice-state fragment. When its voice-server
// partner is already fresh, the combined voice update is dispatched.
func (p *Player) OnVoiceStateUpdate(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.aliveLocked(); err != nil {
		return err
	}
	p.sessionID = sessionID
	p.freshSession = true
	return p.dispatchVoiceLocked()
}

// OnVoiceServerUpdate stores the voice-server fragment. When its voice-state
// partner is already fresh, the combined voice update is dispatched.
func (p *Player) OnVoiceServerUpdate(token, endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.aliveLocked(); err != nil {
		return err
	}
	p.server = voiceServerPayload{Token: token, GuildID: p.guildID, Endpoint: endpoint}
	p.freshServer = true
	return p.dispatchVoiceLocked()
}

// dispatchVoiceLocked sends the combined update exactly once per completed
// fragment pair. The fragment values stay around for failover; only the
// freshness flags are cleared, so a lone later fragment never re-triggers a
// send.
func (p *Player) dispatchVoiceLocked() error {
	if !p.freshSession || !p.freshServer {
		return nil
	}
	err := p.node.send(voiceUpdatePayload{
		Op:        "voiceUpdate",
		GuildID:   p.guildID,
		SessionID: p.sessionID,
		Event:     p.server,
	})
	if err != nil {
		// Flags stay set; the pair is still complete and the next fragment
		// or migration retries the dispatch.
		return err
	}
	p.freshSession = false
	p.freshServer = false
	if p.hooks.VoiceConnected != nil {
		go p.hooks.VoiceConnected(p)
	}
	return nil
}

// SetHooks registers lifecycle callbacks. Replaces any previous set.
func (p *Player) SetHooks(h Hooks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = h
}

// SetAutoAdvance controls whether a finished track automatically starts the
// next queued one.
func (p *Player) SetAutoAdvance(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoAdvance = enabled
}

// Enqueue appends a track to the player's queue.
func (p *Player) Enqueue(track *Track) error {
	if track == nil {
		return fmt.Errorf("%w: nil track", ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.aliveLocked(); err != nil {
		return err
	}
	p.queue.Add(track)
	return nil
}

// QueueLen reports the number of queued tracks.
func (p *Player) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Size()
}

// Skip stops the current track and plays the next queued one, if any.
// Returns the track that was skipped. The pop and the follow-up command are
// one atomic step; concurrent operations cannot interleave mid-skip.
func (p *Player) Skip() (*Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectedLocked(); err != nil {
		return nil, err
	}
	skipped := p.track
	next := p.popQueueLocked()
	if next == nil {
		if err := p.node.send(stopPayload{Op: "stop", GuildID: p.guildID}); err != nil {
			return skipped, err
		}
		p.track = nil
		p.state = StateNotPlaying
		p.positionMs = 0
		return skipped, nil
	}
	if err := p.node.send(playPayload{Op: "play", GuildID: p.guildID, Track: next.Encoded}); err != nil {
		return skipped, err
	}
	p.track = next
	p.state = StatePlaying
	p.positionMs = 0
	p.positionAt = time.Now()
	return skipped, nil
}

func (p *Player) popQueueLocked() *Track {
	v, ok := p.queue.Get(0)
	if !ok {
		return nil
	}
	p.queue.Remove(0)
	return v.(*Track)
}

// Node event entry points, invoked from the node's dispatch loop.

func (p *Player) handleTrackStart() {
	p.mu.Lock()
	// A start event racing a stop (or exception) can arrive with no current
	// track; it must not resurrect a trackless Playing state.
	if p.state == StateDestroyed || p.track == nil {
		p.mu.Unlock()
		return
	}
	p.state = StatePlaying
	track := p.track
	hook := p.hooks.TrackStart
	p.mu.Unlock()
	if hook != nil {
		go hook(p, track)
	}
}

func (p *Player) handleTrackEnd(reason TrackEndReason) {
	p.mu.Lock()
	if p.state == StateDestroyed {
		p.mu.Unlock()
		return
	}
	ended := p.track
	var next *Track
	// A replaced track means a new play command is already in flight; leave
	// the player's state to that command.
	if reason != ReasonReplaced {
		p.track = nil
		p.state = StateNotPlaying
		p.positionMs = 0
		if p.autoAdvance && reason == ReasonFinished {
			next = p.popQueueLocked()
		}
	}
	hook := p.hooks.TrackEnd
	p.mu.Unlock()
	if next != nil {
		if err := p.Play(next, nil); err != nil {
			p.log.Warn("queue auto-advance failed", zap.Error(err))
		}
	}
	if hook != nil {
		go hook(p, ended, reason)
	}
}

func (p *Player) handleTrackException(message string) {
	p.mu.Lock()
	if p.state == StateDestroyed {
		p.mu.Unlock()
		return
	}
	failed := p.track
	p.track = nil
	p.state = StateNotPlaying
	p.positionMs = 0
	hook := p.hooks.TrackException
	p.mu.Unlock()
	if hook != nil {
		go hook(p, failed, message)
	}
}

func (p *Player) handleTrackStuck(threshold time.Duration) {
	p.mu.Lock()
	if p.state == StateDestroyed {
		p.mu.Unlock()
		return
	}
	stuck := p.track
	hook := p.hooks.TrackStuck
	p.mu.Unlock()
	if hook != nil {
		go hook(p, stuck, threshold)
	}
}

// syncPosition resets the extrapolation baseline from a node position sample.
func (p *Player) syncPosition(positionMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateDestroyed {
		return
	}
	p.positionMs = positionMs
	p.positionAt = time.Now()
}

// markFaulted puts the player into an error-observable state after a failed
// migration. Every subsequent operation returns err until a node becomes
// available and migration succeeds.
func (p *Player) markFaulted(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateDestroyed {
		p.faulted = err
	}
}

// migrate rebinds the player to a healthy node after its previous node went
// down. Guild, track, volume, equalizer and channel survive; the voice
// session is re-established from the last known fragments and playback
// resumes from the last sampled position. Exact position continuity is not
// guaranteed.
func (p *Player) migrate(target *Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateDestroyed {
		return nil
	}
	p.node = target
	p.faulted = nil
	if p.sessionID != "" && p.server.Endpoint != "" {
		err := target.send(voiceUpdatePayload{
			Op:        "voiceUpdate",
			GuildID:   p.guildID,
			SessionID: p.sessionID,
			Event:     p.server,
		})
		if err != nil {
			return err
		}
	}
	if p.track != nil {
		resumeAt := p.positionMs
		if p.state == StatePlaying {
			resumeAt += time.Since(p.positionAt).Milliseconds()
		}
		err := target.send(playPayload{
			Op:        "play",
			GuildID:   p.guildID,
			Track:     p.track.Encoded,
			StartTime: resumeAt,
			Pause:     p.state == StatePaused,
		})
		if err != nil {
			return err
		}
		p.positionMs = resumeAt
		p.positionAt = time.Now()
	}
	if p.volume != 1.0 {
		if err := target.send(volumePayload{Op: "volume", GuildID: p.guildID, Volume: int(math.Round(p.volume * 100))}); err != nil {
			return err
		}
	}
	if p.bands != defaultEqBands {
		bands := p.bands
		if err := target.send(equalizerPayload{Op: "equalizer", GuildID: p.guildID, Bands: bands[:]}); err != nil {
			return err
		}
	}
	return nil
}
