package irc

import "fmt"

// User is an IRC-visible identity. Connection embeds it for socket-backed
// clients; the gateway allocates bare Users for virtual identities (the
// control user and bridged contacts).
type User struct {
	Nick     string
	User     string
	Hostname string
	Realname string
}

// Prefix returns the message prefix for this user, nick!~user@hostname.
func (u *User) Prefix() string {
	return fmt.Sprintf("%s!~%s@%s", u.Nick, u.User, u.Hostname)
}
