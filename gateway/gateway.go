// Package gateway bridges a peer-messaging backend onto a local IRC server.
// Contacts appear as virtual users in a control channel, voiced while they
// are reachable, and a control user accepts management commands. A single
// IRC client is served at a time; a newer login wins and the older session
// is disconnected.
package gateway

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/ricochet-irc/gateway/backend"
	"github.com/ricochet-irc/gateway/irc"
	"github.com/ricochet-irc/gateway/irc/config"
	"github.com/ricochet-irc/gateway/ricochet"
)

// Gateway wires the IRC server, the backend and the control conversation
// together. It implements irc.Hooks.
type Gateway struct {
	cfg     *config.Config
	server  *irc.Server
	backend backend.Backend

	control *irc.User

	mu       sync.Mutex
	contacts map[string]*irc.User // contact nick -> virtual user
	activeID string               // connection ID of the session being served
}

var _ irc.Hooks = (*Gateway)(nil)

// New builds a gateway for the given configuration and backend. Start
// brings up the listener.
func New(cfg *config.Config, be backend.Backend) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		backend:  be,
		contacts: make(map[string]*irc.User),
	}
	g.server = irc.NewServer(cfg.ListenAddress(), cfg.IRC.Password, g)
	g.server.SetDebug(cfg.IRC.Debug)
	return g
}

// Server exposes the underlying IRC server.
func (g *Gateway) Server() *irc.Server { return g.server }

// Start registers the control user, restores the contact list into the
// control channel, starts the IRC listener and begins consuming backend
// events.
func (g *Gateway) Start() error {
	if !irc.IsValidChannelName(g.cfg.Control.Channel) {
		return fmt.Errorf("gateway: invalid control channel %q", g.cfg.Control.Channel)
	}
	if !irc.IsValidNickname(g.cfg.Control.Nick) {
		return fmt.Errorf("gateway: invalid control nick %q", g.cfg.Control.Nick)
	}
	ctl, err := g.server.AddVirtualUser(g.cfg.Control.Nick, g.cfg.Control.Nick, "service", "gateway control user")
	if err != nil {
		return fmt.Errorf("gateway: register control user: %w", err)
	}
	g.control = ctl
	g.server.JoinUser(g.cfg.Control.Channel, ctl, "@")
	g.server.SetTopic(g.cfg.Control.Channel, ctl, "Ricochet IRC gateway")

	contacts, err := g.backend.Contacts()
	if err != nil {
		return fmt.Errorf("gateway: restore contacts: %w", err)
	}
	for _, c := range contacts {
		g.ensureContact(c)
	}

	if err := g.server.Start(); err != nil {
		return err
	}
	go g.eventLoop()
	return nil
}

// Stop shuts the IRC side down. The backend is closed by its owner.
func (g *Gateway) Stop() {
	g.server.Stop()
}

// WelcomeMessage supplies the RPL_WELCOME text.
func (g *Gateway) WelcomeMessage() string {
	return "Welcome to the Ricochet IRC gateway"
}

// UserLoggedIn serves the newest session only: any older logged-in session
// is forced out, the backend goes online with the first client, and the
// client is placed into the control channel.
func (g *Gateway) UserLoggedIn(c *irc.Connection) {
	g.mu.Lock()
	g.activeID = c.ID()
	g.mu.Unlock()

	for _, old := range g.server.LoggedInConnections() {
		if old.ID() != c.ID() {
			log.Printf("gateway: new session %s, closing %s", c.ID(), old.ID())
			g.server.Quit(old)
			old.Close()
		}
	}
	sessionsTotal.Inc()

	if !g.backend.Online() {
		if err := g.backend.SetOnline(true); err != nil {
			log.Printf("gateway: backend online: %v", err)
		}
	}

	c.Join(g.cfg.Control.Channel)
	g.server.SetChannelFlags(g.cfg.Control.Channel, &c.User, "+o")
	g.echo("Ricochet IRC gateway ready. Type 'help' for a list of commands.")
	g.echo(helpText)
}

// UserLeft takes the backend offline when the served session goes away.
func (g *Gateway) UserLeft(c *irc.Connection) {
	g.mu.Lock()
	last := g.activeID == c.ID()
	if last {
		g.activeID = ""
	}
	g.mu.Unlock()

	if last {
		if err := g.backend.SetOnline(false); err != nil {
			log.Printf("gateway: backend offline: %v", err)
		}
	}
}

// Privmsg routes client messages: control traffic becomes commands, and
// messages to contact nicks are relayed through the backend. Messages from
// the control user are the gateway's own echoes and are ignored.
func (g *Gateway) Privmsg(sender *irc.User, target, text string) {
	if sender == g.control {
		return
	}
	if target == g.cfg.Control.Channel || target == g.cfg.Control.Nick {
		g.handleCommand(text)
		return
	}

	g.mu.Lock()
	_, isContact := g.contacts[target]
	g.mu.Unlock()
	if !isContact {
		return
	}
	g.relayToContact(sender, target, text)
}

// relayToContact ships text to the backend, one message per line. Offline
// contacts get an away notice; the lines are still queued for later
// delivery.
func (g *Gateway) relayToContact(sender *irc.User, target, text string) {
	if !g.contactOnline(target) {
		if c := g.server.FindConnection(sender.Nick); c != nil {
			c.ReplyNumeric(irc.RPL_AWAY, sender.Nick, target, "is offline")
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		if err := g.backend.SendMessage(target, line); err != nil {
			log.Printf("gateway: send to %s: %v", target, err)
			g.echo(fmt.Sprintf("could not send message to %s: %v", target, err))
			return
		}
		messagesOut.Inc()
	}
}

func (g *Gateway) contactOnline(nick string) bool {
	contacts, err := g.backend.Contacts()
	if err != nil {
		return false
	}
	for _, c := range contacts {
		if c.Nick == nick {
			return c.Online
		}
	}
	return false
}

// eventLoop turns backend notifications into IRC traffic. It exits when the
// backend closes its event stream.
func (g *Gateway) eventLoop() {
	for ev := range g.backend.Events() {
		switch ev.Type {
		case backend.EventMessage:
			g.contactMessage(ev.Contact, ev.Text)
		case backend.EventContactOnline:
			vu := g.ensureContact(ev.Contact)
			if vu != nil {
				g.server.SetChannelFlags(g.cfg.Control.Channel, vu, "+v")
			}
			contactsOnline.Inc()
		case backend.EventContactOffline:
			vu := g.ensureContact(ev.Contact)
			if vu != nil {
				g.server.SetChannelFlags(g.cfg.Control.Channel, vu, "-v")
			}
			contactsOnline.Dec()
		case backend.EventRequest:
			g.echo(fmt.Sprintf("contact request from %s: %s", ev.Request.ID, ev.Request.Message))
			g.echo(fmt.Sprintf("use 'request accept %s <nick>' or 'request reject %s'", ev.Request.ID, ev.Request.ID))
		case backend.EventRequestAnswered:
			g.echo(fmt.Sprintf("%s accepted your contact request", ev.Contact.Nick))
		}
	}
}

// contactMessage delivers an inbound message as private messages from the
// contact's virtual user, one PRIVMSG per line.
func (g *Gateway) contactMessage(contact *backend.Contact, text string) {
	vu := g.ensureContact(contact)
	if vu == nil {
		return
	}
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	g.server.RelayToClients(vu, lines)
	messagesIn.Add(float64(len(lines)))
}

// ensureContact returns the virtual user for a contact, creating it and
// joining it to the control channel on first sight. Reachable contacts are
// voiced.
func (g *Gateway) ensureContact(contact *backend.Contact) *irc.User {
	g.mu.Lock()
	vu := g.contacts[contact.Nick]
	g.mu.Unlock()
	if vu != nil {
		return vu
	}

	vu, err := g.server.AddVirtualUser(contact.Nick, contact.Nick, ricochet.ServiceID(contact.ID), contact.ID)
	if err != nil {
		log.Printf("gateway: virtual user %s: %v", contact.Nick, err)
		return nil
	}
	g.mu.Lock()
	g.contacts[contact.Nick] = vu
	g.mu.Unlock()

	flags := ""
	if contact.Online {
		flags = "+v"
	}
	g.server.JoinUser(g.cfg.Control.Channel, vu, flags)
	return vu
}

// dropContact removes a contact's virtual user from the channel and the
// registries.
func (g *Gateway) dropContact(nick string) {
	g.mu.Lock()
	vu := g.contacts[nick]
	delete(g.contacts, nick)
	g.mu.Unlock()
	if vu != nil {
		g.server.RemoveVirtualUser(vu)
	}
}

// echo speaks as the control user into the control channel.
func (g *Gateway) echo(text string) {
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		g.server.Privmsg(g.control, g.cfg.Control.Channel, line)
	}
}
