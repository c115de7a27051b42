package discord

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/pandabot/pkg/pandabot/channels"
)

func TestToIncoming(t *testing.T) {
	t.Parallel()

	d := New("helper", Config{GuildIDs: []string{"g1"}}, nil)
	now := time.Now()
	msg := func(mut func(m *discordgo.Message)) *discordgo.Message {
		m := &discordgo.Message{
			ID:        "m1",
			ChannelID: "c1",
			GuildID:   "g1",
			Content:   "hello",
			Timestamp: now,
			Author:    &discordgo.User{ID: "u1", Username: "ana", GlobalName: "Ana"},
		}
		if mut != nil {
			mut(m)
		}
		return m
	}

	in, ok := d.toIncoming("self", msg(nil))
	require.True(t, ok)
	assert.Equal(t, "helper", in.BotID)
	assert.Equal(t, "c1", in.ChatID)
	assert.Equal(t, "Ana", in.FromName)
	assert.True(t, in.IsGroup)

	_, ok = d.toIncoming("self", msg(func(m *discordgo.Message) { m.Author.ID = "self" }))
	assert.False(t, ok, "own messages are ignored")

	_, ok = d.toIncoming("self", msg(func(m *discordgo.Message) { m.Author.Bot = true }))
	assert.False(t, ok, "other bots are ignored")

	_, ok = d.toIncoming("self", msg(func(m *discordgo.Message) { m.GuildID = "g2" }))
	assert.False(t, ok, "guild outside allow list")

	in, ok = d.toIncoming("self", msg(func(m *discordgo.Message) { m.GuildID = "" }))
	require.True(t, ok, "DMs bypass the guild filter")
	assert.False(t, in.IsGroup)

	_, ok = d.toIncoming("self", msg(func(m *discordgo.Message) { m.Content = "" }))
	assert.False(t, ok)
}

func TestSendWhileDisconnected(t *testing.T) {
	t.Parallel()

	d := New("helper", Config{}, nil)
	require.ErrorIs(t, d.Send(context.Background(), "c1", &channels.OutgoingMessage{Content: "x"}), channels.ErrChannelDisconnected)
	require.Error(t, d.Connect(context.Background()))
	assert.Equal(t, channels.PlatformDiscord, d.Platform())
	assert.Equal(t, 2000, channels.MaxMessageLen(d.Platform()))
}
