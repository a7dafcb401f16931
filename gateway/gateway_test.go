package gateway

import (
	"crypto/ed25519"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet-irc/gateway/backend"
	"github.com/ricochet-irc/gateway/irc/config"
	"github.com/ricochet-irc/gateway/ricochet"
)

// fakeBackend is an in-memory backend.Backend that records calls.
type fakeBackend struct {
	mu       sync.Mutex
	online   bool
	identity string
	contacts []*backend.Contact
	requests []*backend.Request
	sent      []string // "nick: text"
	added     []string
	renameErr error
	events    chan backend.Event
}

func newFakeBackend() *fakeBackend {
	pub, _, _ := ed25519.GenerateKey(nil)
	return &fakeBackend{
		identity: ricochet.ContactID(pub),
		events:   make(chan backend.Event, 16),
	}
}

func (f *fakeBackend) Identity() (string, error) { return f.identity, nil }

func (f *fakeBackend) SetOnline(online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
	return nil
}

func (f *fakeBackend) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeBackend) Contacts() ([]*backend.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*backend.Contact, len(f.contacts))
	copy(out, f.contacts)
	return out, nil
}

func (f *fakeBackend) AddContact(id, nick, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, fmt.Sprintf("%s as %s: %s", id, nick, message))
	f.contacts = append(f.contacts, &backend.Contact{ID: id, Nick: nick, Pending: true})
	return nil
}

func (f *fakeBackend) DeleteContact(nick string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.contacts {
		if c.Nick == nick {
			f.contacts = append(f.contacts[:i], f.contacts[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unknown contact %q", nick)
}

func (f *fakeBackend) RenameContact(oldNick, newNick string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renameErr != nil {
		return f.renameErr
	}
	for _, c := range f.contacts {
		if c.Nick == oldNick {
			c.Nick = newNick
			return nil
		}
	}
	return fmt.Errorf("unknown contact %q", oldNick)
}

func (f *fakeBackend) Requests() ([]*backend.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*backend.Request, len(f.requests))
	copy(out, f.requests)
	return out, nil
}

func (f *fakeBackend) AcceptRequest(id, nick string) (*backend.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.requests {
		if r.ID == id {
			f.requests = append(f.requests[:i], f.requests[i+1:]...)
			c := &backend.Contact{ID: id, Nick: nick}
			f.contacts = append(f.contacts, c)
			return c, nil
		}
	}
	return nil, fmt.Errorf("no request from %q", id)
}

func (f *fakeBackend) RejectRequest(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.requests {
		if r.ID == id {
			f.requests = append(f.requests[:i], f.requests[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no request from %q", id)
}

func (f *fakeBackend) SendMessage(nick, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, nick+": "+text)
	return nil
}

func (f *fakeBackend) Events() <-chan backend.Event { return f.events }
func (f *fakeBackend) Close() error                 { return nil }

func (f *fakeBackend) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeBackend) addedContacts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.added...)
}

func (f *fakeBackend) setContact(c *backend.Contact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts = append(f.contacts, c)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.IRC.Port = 0
	cfg.IRC.Password = "secret"
	cfg.IRC.GeneratePassword = false
	return cfg
}

func startGateway(t *testing.T, fb *fakeBackend) *Gateway {
	t.Helper()
	g := New(testConfig(), fb)
	require.NoError(t, g.Start())
	t.Cleanup(g.Stop)
	return g
}

// client is a minimal raw-socket IRC client.
type client struct {
	t    *testing.T
	conn net.Conn
	tp   *textproto.Conn
	name string
}

func dial(t *testing.T, g *Gateway, name string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", g.Server().Addr().String())
	require.NoError(t, err)
	c := &client{t: t, conn: conn, tp: textproto.NewConn(conn), name: name}
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *client) send(line string) {
	log.Printf("    [%s] => %#v", c.name, line)
	require.NoError(c.t, c.tp.PrintfLine("%s", line))
}

func (c *client) login(nick string) {
	c.send("PASS secret")
	c.send("NICK " + nick)
	c.send("USER " + nick + " 0 * :" + nick)
	if !c.waitFor(" 001 ") {
		c.t.Fatalf("[%s] no welcome", c.name)
	}
}

// waitFor reads until a line contains substr, and returns whether it did.
func (c *client) waitFor(substr string) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.conn.SetReadDeadline(deadline)
		line, err := c.tp.ReadLine()
		if err != nil {
			break
		}
		log.Printf("    [%s] <= %#v", c.name, line)
		if strings.Contains(line, substr) {
			c.conn.SetReadDeadline(time.Time{})
			return true
		}
	}
	c.conn.SetReadDeadline(time.Time{})
	return false
}

// collectUntil returns every line read until one contains substr.
func (c *client) collectUntil(substr string) []string {
	var lines []string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.conn.SetReadDeadline(deadline)
		line, err := c.tp.ReadLine()
		if err != nil {
			break
		}
		log.Printf("    [%s] <= %#v", c.name, line)
		lines = append(lines, line)
		if strings.Contains(line, substr) {
			break
		}
	}
	c.conn.SetReadDeadline(time.Time{})
	return lines
}

func (c *client) closed() bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.conn.SetReadDeadline(deadline)
		if _, err := c.tp.ReadLine(); err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return false
			}
			return true
		}
	}
	return false
}

func testID(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return ricochet.ContactID(pub)
}

func TestLoginJoinsControlChannel(t *testing.T) {
	fb := newFakeBackend()
	g := startGateway(t, fb)

	alice := dial(t, g, "alice")
	alice.send("PASS secret")
	alice.send("NICK alice")
	alice.send("USER alice 0 * :alice")

	lines := alice.collectUntil("reject an incoming request")
	require.NotEmpty(t, lines)

	var sawWelcome, sawJoin, sawNames, sawOper bool
	for _, line := range lines {
		switch {
		case strings.Contains(line, " 001 "):
			sawWelcome = true
		case strings.Contains(line, "JOIN #ricochet"):
			sawJoin = true
		case strings.Contains(line, " 353 ") && strings.Contains(line, "@ricochet"):
			sawNames = true
		case strings.Contains(line, "MODE #ricochet +o alice"):
			sawOper = true
		}
		for _, code := range []string{" 401 ", " 403 ", " 432 ", " 433 ", " 451 ", " 461 ", " 464 "} {
			assert.NotContains(t, line, code, "login produced an error reply")
		}
	}
	assert.True(t, sawWelcome, "missing welcome")
	assert.True(t, sawJoin, "missing forced JOIN")
	assert.True(t, sawNames, "control user missing from NAMES")
	assert.True(t, sawOper, "client not granted operator flag")

	assert.True(t, fb.Online(), "backend must go online with the first client")
}

func TestHelpAndID(t *testing.T) {
	fb := newFakeBackend()
	g := startGateway(t, fb)

	alice := dial(t, g, "alice")
	alice.login("alice")
	alice.collectUntil("reject an incoming request")

	alice.send("PRIVMSG #ricochet :help")
	if !alice.waitFor("request reject <contact-id>") {
		t.Error("help text not echoed")
	}

	alice.send("PRIVMSG #ricochet :id")
	if !alice.waitFor(fb.identity) {
		t.Error("identity not echoed")
	}
}

func TestAddRejectsInvalidIDWithoutBackendCall(t *testing.T) {
	fb := newFakeBackend()
	g := startGateway(t, fb)

	alice := dial(t, g, "alice")
	alice.login("alice")
	alice.collectUntil("reject an incoming request")

	alice.send("PRIVMSG #ricochet :add not-a-valid-id bob hello")
	if !alice.waitFor("invalid contact ID: not-a-valid-id") {
		t.Error("missing invalid-ID error")
	}

	// The greeting message is mandatory.
	alice.send("PRIVMSG #ricochet :add " + testID(t) + " bob")
	if !alice.waitFor("usage: add <contact-id> <nick> <message>") {
		t.Error("missing usage line for add without a message")
	}
	assert.Empty(t, fb.addedContacts(), "backend must not see an invalid add")
}

func TestAddContact(t *testing.T) {
	fb := newFakeBackend()
	g := startGateway(t, fb)

	alice := dial(t, g, "alice")
	alice.login("alice")
	alice.collectUntil("reject an incoming request")

	id := testID(t)
	alice.send("PRIVMSG #ricochet :add " + id + " bob hello there")
	lines := alice.collectUntil("contact request sent to bob")
	require.NotEmpty(t, lines, "missing confirmation")
	added := fb.addedContacts()
	require.Len(t, added, 1)
	assert.Equal(t, id+" as bob: hello there", added[0])

	// The new contact joined the control channel before the confirmation.
	var sawJoin bool
	for _, line := range lines {
		if strings.Contains(line, ":bob!~bob@") {
			sawJoin = true
		}
	}
	assert.True(t, sawJoin, "bob did not join the control channel")
}

func TestMessageToOfflineContact(t *testing.T) {
	fb := newFakeBackend()
	fb.setContact(&backend.Contact{ID: testID(t), Nick: "bob"})
	g := startGateway(t, fb)

	alice := dial(t, g, "alice")
	alice.login("alice")
	alice.collectUntil("reject an incoming request")

	alice.send("PRIVMSG bob :are you there")
	if !alice.waitFor(" 301 ") {
		t.Error("missing is-offline notice")
	}
	require.Eventually(t, func() bool {
		return len(fb.sentMessages()) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"bob: are you there"}, fb.sentMessages())
}

func TestInboundMessageSplitsOnNewlines(t *testing.T) {
	fb := newFakeBackend()
	contact := &backend.Contact{ID: testID(t), Nick: "bob", Online: true}
	fb.setContact(contact)
	g := startGateway(t, fb)

	alice := dial(t, g, "alice")
	alice.login("alice")
	alice.collectUntil("reject an incoming request")

	fb.events <- backend.Event{Type: backend.EventMessage, Contact: contact, Text: "first line\nsecond line"}
	if !alice.waitFor("PRIVMSG alice :first line") {
		t.Error("missing first line")
	}
	if !alice.waitFor("PRIVMSG alice :second line") {
		t.Error("missing second line")
	}
}

func TestContactPresenceTogglesVoice(t *testing.T) {
	fb := newFakeBackend()
	contact := &backend.Contact{ID: testID(t), Nick: "bob"}
	fb.setContact(contact)
	g := startGateway(t, fb)

	alice := dial(t, g, "alice")
	alice.login("alice")
	alice.collectUntil("reject an incoming request")

	fb.events <- backend.Event{Type: backend.EventContactOnline, Contact: contact}
	if !alice.waitFor("MODE #ricochet +v bob") {
		t.Error("missing voice grant")
	}
	fb.events <- backend.Event{Type: backend.EventContactOffline, Contact: contact}
	if !alice.waitFor("MODE #ricochet -v bob") {
		t.Error("missing voice removal")
	}
}

func TestSingleActiveSession(t *testing.T) {
	fb := newFakeBackend()
	g := startGateway(t, fb)

	first := dial(t, g, "first")
	first.login("alice")
	first.collectUntil("reject an incoming request")

	second := dial(t, g, "second")
	second.send("PASS secret")
	second.send("NICK alice2")
	second.send("USER alice2 0 * :alice2")
	if !second.waitFor(" 001 ") {
		t.Fatal("second session did not log in")
	}

	if !first.closed() {
		t.Error("older session must be disconnected")
	}
	assert.True(t, fb.Online(), "backend stays online while a session remains")

	second.conn.Close()
	require.Eventually(t, func() bool { return !fb.Online() },
		2*time.Second, 20*time.Millisecond, "backend must go offline after the last client leaves")
}

func TestRequestLifecycle(t *testing.T) {
	fb := newFakeBackend()
	g := startGateway(t, fb)

	alice := dial(t, g, "alice")
	alice.login("alice")
	alice.collectUntil("reject an incoming request")

	id := testID(t)
	fb.mu.Lock()
	fb.requests = append(fb.requests, &backend.Request{ID: id, Message: "hi, it's carol"})
	fb.mu.Unlock()
	fb.events <- backend.Event{Type: backend.EventRequest, Request: &backend.Request{ID: id, Message: "hi, it's carol"}}

	if !alice.waitFor("contact request from " + id) {
		t.Fatal("request not announced")
	}

	alice.send("PRIVMSG #ricochet :request list")
	if !alice.waitFor("hi, it's carol") {
		t.Error("request list missing entry")
	}

	alice.send("PRIVMSG #ricochet :request accept " + id + " carol")
	lines := alice.collectUntil("accepted " + id + " as carol")
	require.NotEmpty(t, lines, "accept not confirmed")
	var sawJoin bool
	for _, line := range lines {
		if strings.Contains(line, ":carol!~carol@") {
			sawJoin = true
		}
	}
	assert.True(t, sawJoin, "carol did not join the control channel")
	reqs, _ := fb.Requests()
	assert.Empty(t, reqs)
}

func TestDeleteAndRename(t *testing.T) {
	fb := newFakeBackend()
	fb.setContact(&backend.Contact{ID: testID(t), Nick: "bob"})
	g := startGateway(t, fb)

	alice := dial(t, g, "alice")
	alice.login("alice")
	alice.collectUntil("reject an incoming request")

	alice.send("PRIVMSG #ricochet :rename bob robert")
	if !alice.waitFor("renamed bob to robert") {
		t.Fatal("rename not confirmed")
	}

	alice.send("PRIVMSG #ricochet :delete robert")
	if !alice.waitFor("deleted contact robert") {
		t.Fatal("delete not confirmed")
	}
	contacts, _ := fb.Contacts()
	assert.Empty(t, contacts)
}

func TestRenameBackendFailureKeepsOldNick(t *testing.T) {
	fb := newFakeBackend()
	fb.setContact(&backend.Contact{ID: testID(t), Nick: "bob"})
	fb.renameErr = fmt.Errorf("database locked")
	g := startGateway(t, fb)

	alice := dial(t, g, "alice")
	alice.login("alice")
	alice.collectUntil("reject an incoming request")

	alice.send("PRIVMSG #ricochet :rename bob robert")
	lines := alice.collectUntil("could not rename bob")
	require.NotEmpty(t, lines, "missing rename error")
	for _, line := range lines {
		assert.NotContains(t, line, "NICK :robert", "rename must not be broadcast on backend failure")
	}
	assert.NotNil(t, g.Server().FindUser("bob"), "old nick must survive a failed rename")
	assert.Nil(t, g.Server().FindUser("robert"))

	// Messages still route to the old nick.
	alice.send("PRIVMSG bob :still there")
	require.Eventually(t, func() bool {
		return len(fb.sentMessages()) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"bob: still there"}, fb.sentMessages())
}

func TestUnknownCommand(t *testing.T) {
	fb := newFakeBackend()
	g := startGateway(t, fb)

	alice := dial(t, g, "alice")
	alice.login("alice")
	alice.collectUntil("reject an incoming request")

	alice.send("PRIVMSG #ricochet :frobnicate")
	if !alice.waitFor("unknown command: frobnicate") {
		t.Error("missing unknown-command reply")
	}
}

func TestStatusEndpoint(t *testing.T) {
	fb := newFakeBackend()
	fb.setContact(&backend.Contact{ID: testID(t), Nick: "bob", Online: true})
	g := startGateway(t, fb)
	s := NewStatusServer(g)

	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"contacts":1`)
	assert.Contains(t, body, `"contacts_online":1`)
	assert.Contains(t, body, `"client_connected":false`)

	rec = httptest.NewRecorder()
	s.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_sessions_total")
}
