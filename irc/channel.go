package irc

// ChannelEvents receives membership notifications from a Channel. The Server
// implements it to turn flag and topic changes into MODE/TOPIC broadcasts.
type ChannelEvents interface {
	MemberParted(ch *Channel, member *User)
	MemberFlagsChanged(ch *Channel, member *User)
	TopicChanged(ch *Channel, sender *User)
}

type channelMember struct {
	user  *User
	flags string // long form: "", "+v", "-v", "+o", "-o", "@"
}

// Channel is a named chat room. Channels are created lazily by the server on
// first reference and persist for the lifetime of the process, even when
// empty. A Channel carries no lock of its own; the owning Server serializes
// all access under its registry mutex.
type Channel struct {
	name    string
	topic   string
	members []channelMember
	events  ChannelEvents
}

// NewChannel creates a channel. events may be nil.
func NewChannel(name string, events ChannelEvents) *Channel {
	return &Channel{name: name, events: events}
}

// Name returns the channel name, including its leading sigil.
func (ch *Channel) Name() string { return ch.name }

// Topic returns the current topic; empty means unset.
func (ch *Channel) Topic() string { return ch.topic }

// SetTopic replaces the topic and notifies the event sink.
func (ch *Channel) SetTopic(sender *User, topic string) {
	ch.topic = topic
	if ch.events != nil {
		ch.events.TopicChanged(ch, sender)
	}
}

// AddMember adds user with the given flags. A user already present is left
// untouched, so a user appears in the member set at most once.
func (ch *Channel) AddMember(user *User, flags string) {
	for _, m := range ch.members {
		if m.user == user {
			return
		}
	}
	ch.members = append(ch.members, channelMember{user: user, flags: flags})
}

// RemoveMember removes user from the channel. The part notification is
// emitted unconditionally, even when the user was not a member; callers
// that care should check membership first.
func (ch *Channel) RemoveMember(user *User) {
	if ch.events != nil {
		ch.events.MemberParted(ch, user)
	}
	for i, m := range ch.members {
		if m.user == user {
			ch.members = append(ch.members[:i], ch.members[i+1:]...)
			return
		}
	}
}

// SetMemberFlags replaces the flags of an existing member and notifies the
// event sink. Unknown users are ignored.
func (ch *Channel) SetMemberFlags(user *User, flags string) {
	for i := range ch.members {
		if ch.members[i].user == user {
			ch.members[i].flags = flags
			if ch.events != nil {
				ch.events.MemberFlagsChanged(ch, user)
			}
			return
		}
	}
}

// MemberFlags returns the long-form flags for user ("" if not a member).
// The long form is authoritative and is what MODE broadcasts carry.
func (ch *Channel) MemberFlags(user *User) string {
	for _, m := range ch.members {
		if m.user == user {
			return m.flags
		}
	}
	return ""
}

// MemberFlagsShort derives the one-character display form used in NAMES
// replies: "+" for voiced, "@" for operators, empty otherwise.
func (ch *Channel) MemberFlagsShort(user *User) string {
	switch lf := ch.MemberFlags(user); lf {
	case "+v":
		return "+"
	case "-v":
		return ""
	case "+o", "@":
		return "@"
	case "-o":
		return ""
	default:
		return lf
	}
}

// Members returns the current member list in insertion order.
func (ch *Channel) Members() []*User {
	users := make([]*User, 0, len(ch.members))
	for _, m := range ch.members {
		users = append(users, m.user)
	}
	return users
}

// GetMember looks up a member by nickname. Channels are small; this is a
// linear scan.
func (ch *Channel) GetMember(nickname string) *User {
	for _, m := range ch.members {
		if m.user.Nick == nickname {
			return m.user
		}
	}
	return nil
}

// HasMember reports whether a user with the given nickname is a member.
func (ch *Channel) HasMember(nickname string) bool {
	return ch.GetMember(nickname) != nil
}
