package irc

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Hooks is the bridge surface between the IRC core and whatever sits behind
// it. All hooks are invoked with no server lock held, so implementations may
// freely call back into Server methods.
type Hooks interface {
	// UserLoggedIn runs after the welcome numerics have been sent.
	UserLoggedIn(c *Connection)
	// UserLeft runs once per logged-in connection when it goes away,
	// whether by QUIT or by transport error.
	UserLeft(c *Connection)
	// Privmsg runs for every PRIVMSG a client sends, after local delivery.
	Privmsg(sender *User, target, text string)
	// WelcomeMessage supplies the RPL_WELCOME text.
	WelcomeMessage() string
}

type nopHooks struct{}

func (nopHooks) UserLoggedIn(*Connection)      {}
func (nopHooks) UserLeft(*Connection)          {}
func (nopHooks) Privmsg(*User, string, string) {}
func (nopHooks) WelcomeMessage() string        { return "Welcome to IRC" }

// Server owns the connection, channel and virtual-user registries. One mutex
// guards all three; every public method takes it for the duration of the
// operation and releases it before invoking hooks.
type Server struct {
	mu       sync.Mutex
	addr     string
	password string
	debug    bool
	hooks    Hooks
	listener net.Listener
	conns    map[string]*Connection
	channels map[string]*Channel
	virtual  map[string]*User
}

// NewServer returns a server that will listen on addr. An empty password
// disables the PASS requirement. A nil hooks installs no-op hooks.
func NewServer(addr, password string, hooks Hooks) *Server {
	if hooks == nil {
		hooks = nopHooks{}
	}
	return &Server{
		addr:     addr,
		password: password,
		hooks:    hooks,
		conns:    make(map[string]*Connection),
		channels: make(map[string]*Channel),
		virtual:  make(map[string]*User),
	}
}

// SetDebug toggles wire-level logging. Call it before Start.
func (s *Server) SetDebug(debug bool) {
	s.debug = debug
}

// Start binds the listener and begins accepting clients.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("irc: listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	log.Printf("irc: %s listening on %s", Version, ln.Addr())
	go s.acceptConnections(ln)
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) acceptConnections(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		c := newConnection(uuid.NewString(), s, conn, s.password)
		s.mu.Lock()
		s.conns[c.id] = c
		s.mu.Unlock()
		go c.handleConnection()
	}
}

func (s *Server) welcomeMessage() string {
	return s.hooks.WelcomeMessage()
}

// clientLoggedIn records the login and hands the connection to the hooks.
func (s *Server) clientLoggedIn(c *Connection) {
	s.mu.Lock()
	c.loggedIn = true
	s.mu.Unlock()
	s.hooks.UserLoggedIn(c)
}

// disconnect runs the one-shot cleanup for a dead connection: it leaves the
// registries, all channel memberships are dropped without any broadcast, and
// UserLeft fires if the session had logged in.
func (s *Server) disconnect(c *Connection) {
	s.mu.Lock()
	if c.gone {
		s.mu.Unlock()
		return
	}
	c.gone = true
	delete(s.conns, c.id)
	for _, ch := range s.channels {
		if hasUser(ch, &c.User) {
			ch.RemoveMember(&c.User)
		}
	}
	wasLoggedIn := c.loggedIn
	s.mu.Unlock()

	c.conn.Close()
	log.Printf("[%s] client disconnected", c.id)
	if wasLoggedIn {
		s.hooks.UserLeft(c)
	}
}

// Quit broadcasts the client's departure to every channel it is in and
// removes the memberships. The caller closes the connection afterwards.
func (s *Server) Quit(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if hasUser(ch, &c.User) {
			s.channelMessageLocked(ch, "QUIT :Client quit", &c.User, false)
			ch.RemoveMember(&c.User)
		}
	}
}

// join adds the connection to the channel, creating it on first use, and
// returns the topic and names list for the join replies. The JOIN broadcast
// goes out to all members, the joiner included, but only when the member is
// actually new.
func (s *Server) join(c *Connection, name string) (topic, names string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channelLocked(name)
	if !hasUser(ch, &c.User) {
		ch.AddMember(&c.User, "")
		s.channelMessageLocked(ch, "JOIN "+name, &c.User, true)
	}

	parts := make([]string, 0, len(ch.Members()))
	for _, m := range ch.Members() {
		parts = append(parts, ch.MemberFlagsShort(m)+m.Nick)
	}
	return ch.Topic(), strings.Join(parts, " ")
}

// Part broadcasts the departure, the leaver included, then removes the
// member. Parting a channel that does not exist is a no-such-channel error.
func (s *Server) Part(c *Connection, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channels[name]
	if ch == nil {
		c.ReplyNumeric(ERR_NOSUCHCHANNEL, c.target(), name, "No such channel")
		return
	}
	s.channelMessageLocked(ch, "PART "+name, &c.User, true)
	ch.RemoveMember(&c.User)
}

// Privmsg delivers a message. Channel targets fan out to the members minus
// the sender; nick targets go to the matching connection, if any. The
// Privmsg hook always runs afterwards so the bridge sees every message,
// including those aimed at virtual users no connection backs.
func (s *Server) Privmsg(sender *User, target, text string) {
	s.mu.Lock()
	if strings.ContainsAny(target[:1], "&#+!") {
		if ch := s.channels[target]; ch != nil {
			s.channelMessageLocked(ch, fmt.Sprintf("PRIVMSG %s :%s", target, text), sender, false)
		} else if c := s.connectionForLocked(sender); c != nil {
			c.ReplyNumeric(ERR_NOSUCHCHANNEL, c.target(), target, "No such channel")
		}
	} else if c := s.findConnectionLocked(target); c != nil {
		c.Reply(sender.Prefix(), fmt.Sprintf("PRIVMSG %s :%s", target, text))
	}
	s.mu.Unlock()

	s.hooks.Privmsg(sender, target, text)
}

// channelMessageLocked writes ":<sender prefix> <text>" to every
// connection-backed member. Virtual members have no transport and are
// skipped.
func (s *Server) channelMessageLocked(ch *Channel, text string, sender *User, includeSender bool) {
	for _, m := range ch.Members() {
		if m == sender && !includeSender {
			continue
		}
		if c := s.connectionForLocked(m); c != nil {
			c.Reply(sender.Prefix(), text)
		}
	}
}

// Rename changes a user's nickname. The new nick must be free across both
// connections and virtual users; the check and the mutation happen under one
// lock so two racing renames cannot both win. Logged-in connections are told
// before the nick changes, so the notice still carries the old prefix.
func (s *Server) Rename(u *User, newNick string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if newNick == u.Nick {
		return nil
	}
	for _, c := range s.conns {
		if &c.User != u && c.Nick == newNick {
			return fmt.Errorf("irc: nickname %q already in use", newNick)
		}
	}
	if v, ok := s.virtual[newNick]; ok && v != u {
		return fmt.Errorf("irc: nickname %q already in use", newNick)
	}

	if u.Nick != "" {
		for _, c := range s.conns {
			if c.loggedIn {
				c.Reply(u.Prefix(), "NICK :"+newNick)
			}
		}
	}
	if _, ok := s.virtual[u.Nick]; ok {
		delete(s.virtual, u.Nick)
		s.virtual[newNick] = u
	}
	u.Nick = newNick
	return nil
}

func (s *Server) channelLocked(name string) *Channel {
	ch := s.channels[name]
	if ch == nil {
		ch = NewChannel(name, s)
		s.channels[name] = ch
	}
	return ch
}

// SetTopic sets a channel topic on sender's behalf and broadcasts it.
func (s *Server) SetTopic(name string, sender *User, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelLocked(name).SetTopic(sender, topic)
}

// SetChannelFlags updates a member's channel flags, which broadcasts the
// matching MODE change.
func (s *Server) SetChannelFlags(name string, u *User, flags string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch := s.channels[name]; ch != nil {
		ch.SetMemberFlags(u, flags)
	}
}

// JoinUser places a virtual user into a channel with the given flags and
// broadcasts the JOIN.
func (s *Server) JoinUser(name string, u *User, flags string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channelLocked(name)
	if hasUser(ch, u) {
		return
	}
	ch.AddMember(u, flags)
	s.channelMessageLocked(ch, "JOIN "+name, u, true)
}

// AddVirtualUser registers a nick that exists without a connection behind
// it. It fails when the nick is taken.
func (s *Server) AddVirtualUser(nick, username, hostname, realname string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findUserLocked(nick) != nil {
		return nil, fmt.Errorf("irc: nickname %q already in use", nick)
	}
	u := &User{Nick: nick, User: username, Hostname: hostname, Realname: realname}
	s.virtual[nick] = u
	return u, nil
}

// RemoveVirtualUser parts the user from every channel and drops the nick.
func (s *Server) RemoveVirtualUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.channels {
		if hasUser(ch, u) {
			s.channelMessageLocked(ch, "PART "+ch.Name(), u, true)
			ch.RemoveMember(u)
		}
	}
	delete(s.virtual, u.Nick)
}

// FindUser looks a nick up across connections and virtual users.
func (s *Server) FindUser(nick string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUserLocked(nick)
}

func (s *Server) findUserLocked(nick string) *User {
	if c := s.findConnectionLocked(nick); c != nil {
		return &c.User
	}
	return s.virtual[nick]
}

// FindConnection returns the connection whose user carries the nick.
func (s *Server) FindConnection(nick string) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findConnectionLocked(nick)
}

func (s *Server) findConnectionLocked(nick string) *Connection {
	for _, c := range s.conns {
		if c.Nick == nick {
			return c
		}
	}
	return nil
}

func (s *Server) connectionForLocked(u *User) *Connection {
	for _, c := range s.conns {
		if &c.User == u {
			return c
		}
	}
	return nil
}

// RelayToClients delivers lines as private messages from sender to every
// logged-in connection, addressed to each client's own nick.
func (s *Server) RelayToClients(sender *User, lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if !c.loggedIn {
			continue
		}
		for _, line := range lines {
			c.Reply(sender.Prefix(), fmt.Sprintf("PRIVMSG %s :%s", c.Nick, line))
		}
	}
}

// LoggedInConnections snapshots the connections that completed login.
func (s *Server) LoggedInConnections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		if c.loggedIn {
			out = append(out, c)
		}
	}
	return out
}

// who answers a WHO for a channel mask: one reply per member, then the end
// marker. Masks that match no channel produce just the end marker.
func (s *Server) who(c *Connection, mask string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	host := c.localHost()
	if ch := s.channels[mask]; ch != nil {
		for _, m := range ch.Members() {
			c.ReplyNumeric(RPL_WHOREPLY, c.Nick, mask, m.User, m.Hostname, host, m.Nick, "H", "0 "+m.Realname)
		}
	}
	c.ReplyNumeric(RPL_ENDOFWHO, c.Nick, mask, "End of WHO list")
}

func hasUser(ch *Channel, u *User) bool {
	for _, m := range ch.Members() {
		if m == u {
			return true
		}
	}
	return false
}

// MemberFlagsChanged broadcasts the MODE line for a flags update.
func (s *Server) MemberFlagsChanged(ch *Channel, member *User) {
	s.channelMessageLocked(ch, fmt.Sprintf("MODE %s %s %s", ch.Name(), ch.MemberFlags(member), member.Nick), member, true)
}

// TopicChanged broadcasts the new topic from the sender's prefix.
func (s *Server) TopicChanged(ch *Channel, sender *User) {
	s.channelMessageLocked(ch, fmt.Sprintf("TOPIC %s :%s", ch.Name(), ch.Topic()), sender, true)
}

// MemberParted is informational only; the PART/QUIT broadcasts are sent by
// the operations themselves before membership changes.
func (s *Server) MemberParted(ch *Channel, member *User) {
	log.Printf("irc: %s left %s", member.Nick, ch.Name())
}
