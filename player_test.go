package lavapool

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records every payload a node would have sent.
type fakeConn struct {
	mu   sync.Mutex
	sent []interface{}
	fail error
}

func (f *fakeConn) SendJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeConn) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, v := range f.sent {
		data, _ := json.Marshal(v)
		bp := basePayload{}
		_ = json.Unmarshal(data, &bp)
		out = append(out, bp.Op)
	}
	return out
}

func (f *fakeConn) count(op string) int {
	n := 0
	for _, o := range f.ops() {
		if o == op {
			n++
		}
	}
	return n
}

func (f *fakeConn) last() interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

// newTestCluster builds a cluster whose nodes send through fakeConns instead
// of real websockets, with a no-op voice gateway.
func newTestCluster(t *testing.T, nodeCount int) (*Cluster, []*fakeConn) {
	t.Helper()
	cfg := NewConfig()
	cfg.Nodes = nil
	for i := 0; i < nodeCount; i++ {
		nc := NewNodeConfig()
		nc.Name = fmt.Sprintf("node-%d", i)
		cfg.Nodes = append(cfg.Nodes, nc)
	}
	c, err := NewCluster(cfg)
	require.NoError(t, err)
	conns := make([]*fakeConn, nodeCount)
	for i, n := range c.nodes {
		conns[i] = &fakeConn{}
		n.conn = conns[i]
		n.healthy = true
	}
	c.SetVoiceGateway(func(guildID, channelID string, selfDeaf, selfMute bool) error {
		return nil
	})
	return c, conns
}

func newTestPlayer(t *testing.T) (*Player, *fakeConn) {
	t.Helper()
	c, conns := newTestCluster(t, 1)
	p, err := c.Player("guild-1")
	require.NoError(t, err)
	return p, conns[0]
}

func connectedPlayer(t *testing.T) (*Player, *fakeConn) {
	t.Helper()
	p, conn := newTestPlayer(t)
	require.NoError(t, p.Connect("vc-1", true, false))
	return p, conn
}

func testTrack(seekable bool) *Track {
	return &Track{
		Encoded: "QAAAjQIAJFRoZQ",
		Info: TrackInfo{
			Identifier: "dQw4w9WgXcQ",
			Author:     "Artist",
			Title:      "Song",
			Seekable:   seekable,
			LengthMs:   212000,
			URI:        "https://youtu.be/dQw4w9WgXcQ",
			SourceName: "youtube",
		},
	}
}

func TestPlayerStateTransitions(t *testing.T) {
	track := testTrack(true)
	tests := []struct {
		name      string
		run       func(p *Player) error
		wantState PlayerState
		wantErr   error
	}{
		{
			name:      "fresh player is not connected",
			run:       func(p *Player) error { return nil },
			wantState: StateNotConnected,
		},
		{
			name:      "play before connect",
			run:       func(p *Player) error { return p.Play(track, nil) },
			wantState: StateNotConnected,
			wantErr:   ErrInvalidState,
		},
		{
			name:      "disconnect before connect",
			run:       func(p *Player) error { return p.Disconnect() },
			wantState: StateNotConnected,
			wantErr:   ErrInvalidState,
		},
		{
			name:      "connect",
			run:       func(p *Player) error { return p.Connect("vc", true, false) },
			wantState: StateNotPlaying,
		},
		{
			name: "pause without track",
			run: func(p *Player) error {
				if err := p.Connect("vc", true, false); err != nil {
					return err
				}
				return p.Pause()
			},
			wantState: StateNotPlaying,
			wantErr:   ErrInvalidState,
		},
		{
			name: "play",
			run: func(p *Player) error {
				if err := p.Connect("vc", true, false); err != nil {
					return err
				}
				return p.Play(track, nil)
			},
			wantState: StatePlaying,
		},
		{
			name: "play then pause",
			run: func(p *Player) error {
				_ = p.Connect("vc", true, false)
				_ = p.Play(track, nil)
				return p.Pause()
			},
			wantState: StatePaused,
		},
		{
			name: "resume while playing",
			run: func(p *Player) error {
				_ = p.Connect("vc", true, false)
				_ = p.Play(track, nil)
				return p.Resume()
			},
			wantState: StatePlaying,
			wantErr:   ErrInvalidState,
		},
		{
			name: "pause resume roundtrip",
			run: func(p *Player) error {
				_ = p.Connect("vc", true, false)
				_ = p.Play(track, nil)
				_ = p.Pause()
				return p.Resume()
			},
			wantState: StatePlaying,
		},
		{
			name: "stop",
			run: func(p *Player) error {
				_ = p.Connect("vc", true, false)
				_ = p.Play(track, nil)
				return p.Stop(false)
			},
			wantState: StateNotPlaying,
		},
		{
			name: "stop with disconnect",
			run: func(p *Player) error {
				_ = p.Connect("vc", true, false)
				_ = p.Play(track, nil)
				return p.Stop(true)
			},
			wantState: StateNotConnected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPlayer(t)
			err := tt.run(p)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantState, p.State())
		})
	}
}

func TestPlayRejectsNilTrack(t *testing.T) {
	p, conn := connectedPlayer(t)
	err := p.Play(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Zero(t, conn.count("play"))
	assert.Nil(t, p.CurrentTrack())
}

func TestPlayerNeverPlayingWithoutTrack(t *testing.T) {
	p, _ := connectedPlayer(t)
	require.NoError(t, p.Play(testTrack(true), nil))
	p.handleTrackEnd(ReasonFinished)
	assert.Equal(t, StateNotPlaying, p.State())
	assert.Nil(t, p.CurrentTrack())
}

func TestSetVolume(t *testing.T) {
	tests := []struct {
		name    string
		volume  float64
		wantErr bool
	}{
		{name: "minimum", volume: 0.0},
		{name: "natural", volume: 1.0},
		{name: "maximum", volume: 10.0},
		{name: "below range", volume: -0.1, wantErr: true},
		{name: "above range", volume: 10.01, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, conn := connectedPlayer(t)
			err := p.SetVolume(tt.volume)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgument)
				assert.Equal(t, 1.0, p.Volume())
				assert.Zero(t, conn.count("volume"))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.volume, p.Volume())
			assert.Equal(t, 1, conn.count("volume"))
		})
	}
}

func TestSetVolumeNotStoredOnSendFailure(t *testing.T) {
	p, conn := connectedPlayer(t)
	conn.fail = errors.New("broken pipe")
	err := p.SetVolume(2.0)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 1.0, p.Volume())
}

func TestUpdateEqualizer(t *testing.T) {
	t.Run("reset with no bands restores defaults", func(t *testing.T) {
		p, conn := connectedPlayer(t)
		require.NoError(t, p.UpdateEqualizer([]EqBand{{Band: 3, Gain: 0.5}}, false))
		require.NoError(t, p.UpdateEqualizer(nil, true))
		bands := p.Equalizer()
		for i, b := range bands {
			assert.Equal(t, i, b.Band)
			assert.Zero(t, b.Gain)
		}
		sent := conn.last().(equalizerPayload)
		assert.Len(t, sent.Bands, EqBandCount)
	})
	t.Run("partial update sends only given bands", func(t *testing.T) {
		p, conn := connectedPlayer(t)
		require.NoError(t, p.UpdateEqualizer([]EqBand{{Band: 2, Gain: 0.25}}, false))
		require.NoError(t, p.UpdateEqualizer([]EqBand{{Band: 7, Gain: -0.1}}, false))
		sent := conn.last().(equalizerPayload)
		require.Len(t, sent.Bands, 1)
		assert.Equal(t, 7, sent.Bands[0].Band)
		bands := p.Equalizer()
		assert.Equal(t, 0.25, bands[2].Gain)
		assert.Equal(t, -0.1, bands[7].Gain)
	})
	t.Run("explicit values win over reset defaults", func(t *testing.T) {
		p, _ := connectedPlayer(t)
		require.NoError(t, p.UpdateEqualizer([]EqBand{{Band: 0, Gain: 1.0}}, true))
		bands := p.Equalizer()
		assert.Equal(t, 1.0, bands[0].Gain)
		assert.Zero(t, bands[1].Gain)
	})
	t.Run("band index out of range", func(t *testing.T) {
		p, _ := connectedPlayer(t)
		assert.ErrorIs(t, p.UpdateEqualizer([]EqBand{{Band: 15}}, false), ErrInvalidArgument)
		assert.ErrorIs(t, p.UpdateEqualizer([]EqBand{{Band: -1}}, false), ErrInvalidArgument)
	})
	t.Run("gain out of range", func(t *testing.T) {
		p, _ := connectedPlayer(t)
		assert.ErrorIs(t, p.UpdateEqualizer([]EqBand{{Band: 1, Gain: 1.5}}, false), ErrInvalidArgument)
	})
	t.Run("allowed while not connected", func(t *testing.T) {
		p, conn := newTestPlayer(t)
		require.NoError(t, p.UpdateEqualizer([]EqBand{{Band: 1, Gain: 0.1}}, false))
		assert.Equal(t, 1, conn.count("equalizer"))
	})
}

func TestSeek(t *testing.T) {
	t.Run("while playing", func(t *testing.T) {
		p, conn := connectedPlayer(t)
		require.NoError(t, p.Play(testTrack(true), nil))
		require.NoError(t, p.Seek(30*time.Second))
		sent := conn.last().(seekPayload)
		assert.Equal(t, int64(30000), sent.Position)
	})
	t.Run("without a track", func(t *testing.T) {
		p, _ := connectedPlayer(t)
		assert.ErrorIs(t, p.Seek(time.Second), ErrInvalidState)
	})
	t.Run("non-seekable track", func(t *testing.T) {
		p, _ := connectedPlayer(t)
		require.NoError(t, p.Play(testTrack(false), nil))
		assert.ErrorIs(t, p.Seek(time.Second), ErrUnsupported)
	})
	t.Run("beyond track length", func(t *testing.T) {
		p, _ := connectedPlayer(t)
		require.NoError(t, p.Play(testTrack(true), nil))
		assert.ErrorIs(t, p.Seek(time.Hour), ErrInvalidArgument)
	})
}

func TestVoiceFragmentPairing(t *testing.T) {
	t.Run("server then state", func(t *testing.T) {
		p, conn := connectedPlayer(t)
		require.NoError(t, p.OnVoiceServerUpdate("tok", "eu.example.com"))
		assert.Zero(t, conn.count("voiceUpdate"))
		require.NoError(t, p.OnVoiceStateUpdate("sess-1"))
		assert.Equal(t, 1, conn.count("voiceUpdate"))
	})
	t.Run("state then server", func(t *testing.T) {
		p, conn := connectedPlayer(t)
		require.NoError(t, p.OnVoiceStateUpdate("sess-1"))
		assert.Zero(t, conn.count("voiceUpdate"))
		require.NoError(t, p.OnVoiceServerUpdate("tok", "eu.example.com"))
		assert.Equal(t, 1, conn.count("voiceUpdate"))
	})
	t.Run("lone fragment never re-triggers", func(t *testing.T) {
		p, conn := connectedPlayer(t)
		require.NoError(t, p.OnVoiceStateUpdate("sess-1"))
		require.NoError(t, p.OnVoiceServerUpdate("tok", "eu.example.com"))
		require.NoError(t, p.OnVoiceServerUpdate("tok2", "us.example.com"))
		assert.Equal(t, 1, conn.count("voiceUpdate"))
		// Completing the new pair dispatches again.
		require.NoError(t, p.OnVoiceStateUpdate("sess-2"))
		assert.Equal(t, 2, conn.count("voiceUpdate"))
	})
	t.Run("connected callback fires once per dispatch", func(t *testing.T) {
		p, _ := connectedPlayer(t)
		connected := make(chan struct{}, 4)
		p.SetHooks(Hooks{VoiceConnected: func(*Player) { connected <- struct{}{} }})
		require.NoError(t, p.OnVoiceStateUpdate("sess-1"))
		require.NoError(t, p.OnVoiceServerUpdate("tok", "eu.example.com"))
		select {
		case <-connected:
		case <-time.After(time.Second):
			t.Fatal("voice connected hook never fired")
		}
		select {
		case <-connected:
			t.Fatal("voice connected hook fired twice")
		case <-time.After(50 * time.Millisecond):
		}
	})
	t.Run("rejected after destroy", func(t *testing.T) {
		p, _ := connectedPlayer(t)
		p.Destroy()
		assert.ErrorIs(t, p.OnVoiceStateUpdate("sess-1"), ErrInvalidState)
		assert.ErrorIs(t, p.OnVoiceServerUpdate("tok", "e"), ErrInvalidState)
	})
}

func TestDestroy(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		p, conn := connectedPlayer(t)
		p.Destroy()
		p.Destroy()
		assert.Equal(t, 1, conn.count("destroy"))
		assert.Equal(t, StateDestroyed, p.State())
	})
	t.Run("terminal for every operation", func(t *testing.T) {
		p, _ := connectedPlayer(t)
		p.Destroy()
		assert.ErrorIs(t, p.Connect("vc", true, false), ErrInvalidState)
		assert.ErrorIs(t, p.Play(testTrack(true), nil), ErrInvalidState)
		assert.ErrorIs(t, p.SetVolume(2.0), ErrInvalidState)
		assert.ErrorIs(t, p.UpdateEqualizer(nil, true), ErrInvalidState)
	})
	t.Run("completes despite transport failure", func(t *testing.T) {
		p, conn := connectedPlayer(t)
		conn.fail = errors.New("node gone")
		p.Destroy()
		assert.Equal(t, StateDestroyed, p.State())
	})
}

func TestPosition(t *testing.T) {
	t.Run("zero without track", func(t *testing.T) {
		p, _ := connectedPlayer(t)
		assert.Zero(t, p.Position())
	})
	t.Run("extrapolates from last sample while playing", func(t *testing.T) {
		p, _ := connectedPlayer(t)
		require.NoError(t, p.Play(testTrack(true), nil))
		p.syncPosition(60000)
		pos := p.Position()
		assert.GreaterOrEqual(t, pos, 60*time.Second)
		assert.Less(t, pos, 61*time.Second)
	})
	t.Run("frozen while paused", func(t *testing.T) {
		p, _ := connectedPlayer(t)
		require.NoError(t, p.Play(testTrack(true), nil))
		p.syncPosition(60000)
		require.NoError(t, p.Pause())
		first := p.Position()
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, first, p.Position())
	})
	t.Run("clamped to track length", func(t *testing.T) {
		p, _ := connectedPlayer(t)
		require.NoError(t, p.Play(testTrack(true), nil))
		p.syncPosition(500000)
		assert.Equal(t, 212*time.Second, p.Position())
	})
}

func TestQueueAutoAdvance(t *testing.T) {
	p, conn := connectedPlayer(t)
	p.SetAutoAdvance(true)
	first := testTrack(true)
	second := testTrack(true)
	second.Encoded = "second"
	require.NoError(t, p.Play(first, nil))
	require.NoError(t, p.Enqueue(second))

	p.handleTrackEnd(ReasonFinished)
	assert.Equal(t, StatePlaying, p.State())
	require.NotNil(t, p.CurrentTrack())
	assert.Equal(t, "second", p.CurrentTrack().Encoded)
	assert.Zero(t, p.QueueLen())
	assert.Equal(t, 2, conn.count("play"))

	// Queue drained: the next end leaves the player idle.
	p.handleTrackEnd(ReasonFinished)
	assert.Equal(t, StateNotPlaying, p.State())
}

func TestLateTrackStartAfterStop(t *testing.T) {
	p, _ := connectedPlayer(t)
	require.NoError(t, p.Play(testTrack(true), nil))
	require.NoError(t, p.Stop(false))

	// A start event for the stopped track arrives after the stop committed.
	p.handleTrackStart()
	assert.Equal(t, StateNotPlaying, p.State())
	assert.Nil(t, p.CurrentTrack())
	assert.ErrorIs(t, p.Seek(time.Second), ErrInvalidState)
}

func TestSkip(t *testing.T) {
	t.Run("plays next queued track", func(t *testing.T) {
		p, conn := connectedPlayer(t)
		first := testTrack(true)
		second := testTrack(true)
		second.Encoded = "second"
		require.NoError(t, p.Play(first, nil))
		require.NoError(t, p.Enqueue(second))

		skipped, err := p.Skip()
		require.NoError(t, err)
		assert.Equal(t, first.Encoded, skipped.Encoded)
		assert.Equal(t, "second", p.CurrentTrack().Encoded)
		assert.Equal(t, StatePlaying, p.State())
		assert.Zero(t, p.QueueLen())
		assert.Equal(t, 2, conn.count("play"))
	})
	t.Run("empty queue stops playback", func(t *testing.T) {
		p, conn := connectedPlayer(t)
		require.NoError(t, p.Play(testTrack(true), nil))
		skipped, err := p.Skip()
		require.NoError(t, err)
		require.NotNil(t, skipped)
		assert.Equal(t, StateNotPlaying, p.State())
		assert.Nil(t, p.CurrentTrack())
		assert.Equal(t, 1, conn.count("stop"))
	})
	t.Run("rejected before connect", func(t *testing.T) {
		p, _ := newTestPlayer(t)
		_, err := p.Skip()
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestTrackEndHook(t *testing.T) {
	p, _ := connectedPlayer(t)
	got := make(chan TrackEndReason, 1)
	p.SetHooks(Hooks{TrackEnd: func(_ *Player, _ *Track, reason TrackEndReason) { got <- reason }})
	require.NoError(t, p.Play(testTrack(true), nil))
	p.handleTrackEnd(ReasonStopped)
	select {
	case reason := <-got:
		assert.Equal(t, ReasonStopped, reason)
	case <-time.After(time.Second):
		t.Fatal("track end hook never fired")
	}
}

func TestNoReplaceKeepsCurrentTrack(t *testing.T) {
	p, _ := connectedPlayer(t)
	first := testTrack(true)
	require.NoError(t, p.Play(first, nil))
	second := testTrack(true)
	second.Encoded = "second"
	require.NoError(t, p.Play(second, &PlayOptions{NoReplace: true}))
	assert.Equal(t, first.Encoded, p.CurrentTrack().Encoded)
}
