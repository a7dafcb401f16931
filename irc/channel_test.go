package irc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingEvents struct {
	parted  []string
	flagged []string
	topics  []string
}

func (r *recordingEvents) MemberParted(ch *Channel, member *User) {
	r.parted = append(r.parted, member.Nick)
}

func (r *recordingEvents) MemberFlagsChanged(ch *Channel, member *User) {
	r.flagged = append(r.flagged, member.Nick+":"+ch.MemberFlags(member))
}

func (r *recordingEvents) TopicChanged(ch *Channel, sender *User) {
	r.topics = append(r.topics, ch.Topic())
}

func TestChannelMembership(t *testing.T) {
	events := &recordingEvents{}
	ch := NewChannel("#ricochet", events)
	alice := &User{Nick: "alice"}
	bob := &User{Nick: "bob"}

	ch.AddMember(alice, "")
	ch.AddMember(bob, "+v")
	assert.True(t, ch.HasMember("alice"))
	assert.Equal(t, []*User{alice, bob}, ch.Members())
	assert.Same(t, bob, ch.GetMember("bob"))
	assert.Nil(t, ch.GetMember("carol"))

	// Re-adding is a no-op, even with different flags.
	ch.AddMember(alice, "@")
	assert.Len(t, ch.Members(), 2)
	assert.Equal(t, "", ch.MemberFlags(alice))
}

func TestChannelRemoveMemberAlwaysNotifies(t *testing.T) {
	events := &recordingEvents{}
	ch := NewChannel("#ricochet", events)
	alice := &User{Nick: "alice"}
	ch.AddMember(alice, "")

	ch.RemoveMember(alice)
	assert.False(t, ch.HasMember("alice"))

	// Removing a non-member still notifies the sink.
	ch.RemoveMember(alice)
	assert.Equal(t, []string{"alice", "alice"}, events.parted)
}

func TestChannelMemberFlags(t *testing.T) {
	events := &recordingEvents{}
	ch := NewChannel("#ricochet", events)
	alice := &User{Nick: "alice"}
	ch.AddMember(alice, "")

	ch.SetMemberFlags(alice, "+v")
	assert.Equal(t, "+v", ch.MemberFlags(alice))
	assert.Equal(t, "+", ch.MemberFlagsShort(alice))

	ch.SetMemberFlags(alice, "-v")
	assert.Equal(t, "", ch.MemberFlagsShort(alice))

	ch.SetMemberFlags(alice, "@")
	assert.Equal(t, "@", ch.MemberFlagsShort(alice))

	assert.Equal(t, []string{"alice:+v", "alice:-v", "alice:@"}, events.flagged)

	// Flag changes for unknown users are dropped.
	ch.SetMemberFlags(&User{Nick: "ghost"}, "+v")
	assert.Len(t, events.flagged, 3)
}

func TestChannelTopic(t *testing.T) {
	events := &recordingEvents{}
	ch := NewChannel("#ricochet", events)
	assert.Equal(t, "", ch.Topic())

	sender := &User{Nick: "ricochet"}
	ch.SetTopic(sender, "Your messaging gateway")
	assert.Equal(t, "Your messaging gateway", ch.Topic())
	assert.Equal(t, []string{"Your messaging gateway"}, events.topics)
}

func TestUserPrefix(t *testing.T) {
	u := &User{Nick: "alice", User: "alice", Hostname: "::1"}
	assert.Equal(t, "alice!~alice@::1", u.Prefix())
}
