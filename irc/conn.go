package irc

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"regexp"
	"strings"
	"sync"
)

// Validation patterns for the registration commands. Realname is only
// anchored at the front; the rest must match entirely.
var (
	reNickname = regexp.MustCompile("^[][\\\\`_^{|}A-Za-z][][\\\\`_^{|}A-Za-z0-9-]{0,50}$")
	reUsername = regexp.MustCompile("^[][\\\\`_^{|}A-Za-z][][\\\\`_^{|}A-Za-z0-9-]{0,50}$")
	reRealname = regexp.MustCompile("^[A-Za-z0-9.-]+")
	reChannel  = regexp.MustCompile("^[&#+!][^\\x00\\x07\\x0a\\x0d ,:]{0,50}$")
)

// IsValidNickname reports whether s is an acceptable nickname.
func IsValidNickname(s string) bool {
	return reNickname.MatchString(s)
}

// IsValidChannelName reports whether s is an acceptable channel name.
func IsValidChannelName(s string) bool {
	return reChannel.MatchString(s)
}

// Connection is one client session: a socket, its line codec state, and the
// login state machine. The three login preconditions (nick, user, pass) are
// monotonic; once all are true the welcome is sent exactly once and the
// connection counts as logged in.
type Connection struct {
	User
	id       string
	server   *Server
	conn     net.Conn
	writer   *bufio.Writer
	writeMu  sync.Mutex
	lines    LineBuffer
	password string // required connection password, empty when none

	// Login state, touched only by this connection's read goroutine.
	haveNick    bool
	haveUser    bool
	havePass    bool
	welcomeSent bool

	// Guarded by the server mutex.
	loggedIn bool
	gone     bool
}

func newConnection(id string, server *Server, conn net.Conn, password string) *Connection {
	c := &Connection{
		id:       id,
		server:   server,
		conn:     conn,
		writer:   bufio.NewWriter(conn),
		password: password,
		havePass: password == "",
	}
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		c.Hostname = host
	} else {
		c.Hostname = conn.RemoteAddr().String()
	}
	return c
}

// ID returns the connection's registry identifier.
func (c *Connection) ID() string { return c.id }

// localHost returns the host part of the connection's local address, which
// doubles as the server name in reply prefixes.
func (c *Connection) localHost() string {
	if c.conn == nil {
		return "localhost"
	}
	host, _, err := net.SplitHostPort(c.conn.LocalAddr().String())
	if err != nil {
		return c.conn.LocalAddr().String()
	}
	return host
}

// handleConnection reads the socket until it closes, feeding complete lines
// to the dispatcher. Cleanup runs exactly once regardless of how the loop
// exits.
func (c *Connection) handleConnection() {
	defer c.server.disconnect(c)

	log.Printf("[%s] new client from %s", c.id, c.conn.RemoteAddr())

	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			for _, line := range c.lines.Feed(buf[:n]) {
				if !c.handleLine(line) {
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("[%s] read error: %v", c.id, err)
			}
			return
		}
	}
}

// handleLine executes one command. It returns false when the connection must
// be closed (protocol violation, fatal USER error, password mismatch, QUIT).
func (c *Connection) handleLine(line string) bool {
	if c.server.debug {
		log.Printf("[%s] <= %#v", c.id, line)
	}

	msg, err := ParseMessage(line)
	if err != nil {
		log.Printf("[%s] protocol violation: %v", c.id, err)
		return false
	}

	switch msg.Command {
	case "PASS":
		return c.handlePass(msg.Params)
	case "NICK":
		c.handleNick(msg.Params)
		return true
	case "USER":
		return c.handleUser(msg.Params)
	case "PING":
		c.handlePing()
		return true
	case "QUIT":
		c.server.Quit(c)
		return false
	}

	// Everything below needs at least the password. Commands arriving
	// before it are rejected without side effects.
	if !c.havePass {
		c.ReplyNumeric(ERR_NOTREGISTERED, c.target(), "You have not registered")
		return true
	}

	switch msg.Command {
	case "JOIN":
		c.handleJoin(msg.Params)
	case "PRIVMSG":
		c.handlePrivmsg(msg.Params)
	case "PART":
		c.handlePart(msg.Params)
	case "WHO":
		c.handleWho(msg.Params)
	default:
		log.Printf("[%s] unknown command: %s", c.id, msg.Command)
	}
	return true
}

// requireLogin sends the no-login error unless the session is logged in.
func (c *Connection) requireLogin() bool {
	if !c.welcomeSent {
		c.ReplyNumeric(ERR_NOTREGISTERED, c.target(), "You have not registered")
		return false
	}
	return true
}

func (c *Connection) handlePass(params []string) bool {
	if len(params) < 1 {
		c.ReplyNumeric(ERR_NEEDMOREPARAMS, c.target(), "PASS", "Not enough parameters")
		return true
	}
	if c.havePass {
		// No password configured, or already supplied: accepted idempotently.
		c.checkLogin()
		return true
	}
	if params[0] != c.password {
		c.ReplyNumeric(ERR_PASSWDMISMATCH, c.target(), "Password incorrect")
		return false
	}
	c.havePass = true
	c.checkLogin()
	return true
}

func (c *Connection) handleNick(params []string) {
	if len(params) < 1 {
		c.ReplyNumeric(ERR_NEEDMOREPARAMS, c.target(), "NICK", "Not enough parameters")
		return
	}
	newNick := params[0]
	if !reNickname.MatchString(newNick) {
		c.ReplyNumeric(ERR_ERRONEUSNICKNAME, c.target(), newNick, "Erroneous nickname")
		return
	}
	if err := c.server.Rename(&c.User, newNick); err != nil {
		c.ReplyNumeric(ERR_NICKNAMEINUSE, c.target(), newNick, "Nickname is already in use")
		return
	}
	c.haveNick = true
	c.checkLogin()
}

func (c *Connection) handleUser(params []string) bool {
	if len(params) < 4 {
		c.ReplyNumeric(ERR_NEEDMOREPARAMS, c.target(), "USER", "Not enough parameters")
		return false
	}
	if !reUsername.MatchString(params[0]) {
		c.Reply(c.localHost(), "ERROR :Invalid username")
		return false
	}
	if !reRealname.MatchString(params[3]) {
		c.Reply(c.localHost(), "ERROR :Invalid realname")
		return false
	}
	c.User.User = params[0]
	c.Realname = params[3]
	c.haveUser = true
	c.checkLogin()
	return true
}

// checkLogin fires the login transition when nick, user and pass are all in
// place. welcomeSent guards re-entry, so extra NICK/USER resends never repeat
// the welcome.
func (c *Connection) checkLogin() {
	if !c.haveNick || !c.haveUser || !c.havePass || c.welcomeSent {
		return
	}
	c.welcomeSent = true
	c.ReplyNumeric(RPL_WELCOME, c.Nick, c.server.welcomeMessage())
	c.ReplyNumeric(RPL_YOURHOST, c.Nick, "Your host is: "+c.localHost())
	c.server.clientLoggedIn(c)
}

func (c *Connection) handlePing() {
	host := c.localHost()
	c.Reply(host, fmt.Sprintf("PONG %s :%s", host, host))
}

func (c *Connection) handleJoin(params []string) {
	if !c.requireLogin() {
		return
	}
	if len(params) < 1 {
		c.ReplyNumeric(ERR_NEEDMOREPARAMS, c.target(), "JOIN", "Not enough parameters")
		return
	}
	c.Join(params[0])
}

// Join adds the connection to a channel and sends the join replies: the JOIN
// broadcast (only when newly added), then MODE, TOPIC or no-topic, the NAMES
// list and end-of-names, in that order. The gateway also calls this directly
// to force clients into the control channel.
func (c *Connection) Join(name string) {
	if !reChannel.MatchString(name) {
		c.ReplyNumeric(ERR_NOSUCHCHANNEL, c.target(), name, "No such channel")
		return
	}

	topic, names := c.server.join(c, name)

	c.Reply(c.localHost(), fmt.Sprintf("MODE %s +ns", name))
	if topic == "" {
		c.ReplyNumeric(RPL_NOTOPIC, c.Nick, name, "No topic is set")
	} else {
		c.ReplyNumeric(RPL_TOPIC, c.Nick, name, topic)
	}
	c.ReplyNumeric(RPL_NAMREPLY, c.Nick, "@", name, names)
	c.ReplyNumeric(RPL_ENDOFNAMES, c.Nick, name, "End of names list")
}

func (c *Connection) handlePrivmsg(params []string) {
	if !c.requireLogin() {
		return
	}
	if len(params) < 2 {
		c.ReplyNumeric(ERR_NEEDMOREPARAMS, c.target(), "PRIVMSG", "Not enough parameters")
		return
	}
	c.server.Privmsg(&c.User, params[0], params[1])
}

func (c *Connection) handlePart(params []string) {
	if !c.requireLogin() {
		return
	}
	if len(params) < 1 {
		c.ReplyNumeric(ERR_NEEDMOREPARAMS, c.target(), "PART", "Not enough parameters")
		return
	}
	if !reChannel.MatchString(params[0]) {
		c.ReplyNumeric(ERR_NOSUCHCHANNEL, c.target(), params[0], "No such channel")
		return
	}
	c.server.Part(c, params[0])
}

func (c *Connection) handleWho(params []string) {
	if !c.requireLogin() {
		return
	}
	if len(params) < 1 {
		c.ReplyNumeric(ERR_NEEDMOREPARAMS, c.target(), "WHO", "Not enough parameters")
		return
	}
	c.server.who(c, params[0])
}

// target is the first numeric parameter: the nick once known, "*" before.
func (c *Connection) target() string {
	if c.Nick != "" {
		return c.Nick
	}
	return "*"
}

// Reply writes one line, ":prefix text", to the client.
func (c *Connection) Reply(prefix, text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	line := fmt.Sprintf(":%s %s\r\n", prefix, text)
	if _, err := c.writer.WriteString(line); err == nil {
		c.writer.Flush()
	}
	if c.server.debug {
		log.Printf("[%s] => %#v", c.id, strings.TrimSuffix(line, "\r\n"))
	}
}

// ReplyNumeric writes a numeric reply. The last parameter is rendered as a
// trailing parameter when it contains spaces.
func (c *Connection) ReplyNumeric(numeric int, params ...string) {
	msg := &Message{
		Command: fmt.Sprintf("%03d", numeric),
		Params:  params,
	}
	c.Reply(c.localHost(), msg.String())
}

// Close shuts the socket down. Safe to call any number of times from any
// goroutine; the read loop notices and runs cleanup.
func (c *Connection) Close() {
	c.conn.Close()
}
