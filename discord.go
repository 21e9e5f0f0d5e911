package lavapool

import (
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// AttachDiscord wires a discordgo session as the cluster's voice gateway:
// joins/leaves go out through the gateway opcode, and the session's voice
// update events are routed into the owning player's fragment handlers.
// Call before opening the session so no update is missed.
func AttachDiscord(c *Cluster, s *discordgo.Session) {
	c.SetVoiceGateway(func(guildID, channelID string, selfDeaf, selfMute bool) error {
		return s.ChannelVoiceJoinManual(guildID, channelID, selfMute, selfDeaf)
	})
	s.AddHandler(func(_ *discordgo.Session, e *discordgo.VoiceServerUpdate) {
		p := c.ExistingPlayer(e.GuildID)
		if p == nil {
			return
		}
		if err := p.OnVoiceServerUpdate(e.Token, e.Endpoint); err != nil {
			c.log.Warn("voice server update rejected", zap.String("guild", e.GuildID), zap.Error(err))
		}
	})
	s.AddHandler(func(sess *discordgo.Session, e *discordgo.VoiceStateUpdate) {
		// Only the bot's own voice state carries the session id we need.
		if sess.State.User == nil || e.UserID != sess.State.User.ID {
			return
		}
		p := c.ExistingPlayer(e.GuildID)
		if p == nil {
			return
		}
		if err := p.OnVoiceStateUpdate(e.SessionID); err != nil {
			c.log.Warn("voice state update rejected", zap.String("guild", e.GuildID), zap.Error(err))
		}
	})
}
