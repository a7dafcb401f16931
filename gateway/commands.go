package gateway

import (
	"fmt"
	"log"
	"strings"

	"github.com/ricochet-irc/gateway/irc"
	"github.com/ricochet-irc/gateway/ricochet"
)

var helpText = strings.Join([]string{
	"help                                  this text",
	"id                                    show your own contact ID",
	"add <contact-id> <nick> <message>     send a contact request",
	"delete <nick>                         remove a contact",
	"rename <old> <new>                    rename a contact",
	"request list                          list incoming contact requests",
	"request accept <contact-id> <nick>    accept an incoming request",
	"request reject <contact-id>           reject an incoming request",
}, "\n")

// handleCommand interprets one control-channel line.
func (g *Gateway) handleCommand(line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}
	commandsTotal.WithLabelValues(args[0]).Inc()

	switch args[0] {
	case "help":
		g.echo(helpText)
	case "id":
		g.cmdID()
	case "add":
		g.cmdAdd(args[1:])
	case "delete":
		g.cmdDelete(args[1:])
	case "rename":
		g.cmdRename(args[1:])
	case "request":
		g.cmdRequest(args[1:])
	default:
		log.Printf("gateway: unknown command %q", args[0])
		g.echo(fmt.Sprintf("unknown command: %s, try 'help'", args[0]))
	}
}

func (g *Gateway) cmdID() {
	id, err := g.backend.Identity()
	if err != nil {
		g.echo(fmt.Sprintf("could not determine identity: %v", err))
		return
	}
	g.echo(id)
}

// cmdAdd validates locally before anything reaches the backend: a bad
// contact ID or nick never causes a backend call.
func (g *Gateway) cmdAdd(args []string) {
	if len(args) < 3 {
		g.echo("usage: add <contact-id> <nick> <message>")
		return
	}
	id, nick := args[0], args[1]
	if !ricochet.IsContactID(id) {
		g.echo(fmt.Sprintf("invalid contact ID: %s", id))
		return
	}
	if !irc.IsValidNickname(nick) {
		g.echo(fmt.Sprintf("invalid nick: %s", nick))
		return
	}
	if g.server.FindUser(nick) != nil {
		g.echo(fmt.Sprintf("nick already in use: %s", nick))
		return
	}

	message := strings.Join(args[2:], " ")

	if err := g.backend.AddContact(id, nick, message); err != nil {
		g.echo(fmt.Sprintf("could not add %s: %v", nick, err))
		return
	}
	contacts, err := g.backend.Contacts()
	if err == nil {
		for _, c := range contacts {
			if c.Nick == nick {
				g.ensureContact(c)
			}
		}
	}
	g.echo(fmt.Sprintf("contact request sent to %s (%s)", nick, id))
}

func (g *Gateway) cmdDelete(args []string) {
	if len(args) < 1 {
		g.echo("usage: delete <nick>")
		return
	}
	nick := args[0]
	if err := g.backend.DeleteContact(nick); err != nil {
		g.echo(fmt.Sprintf("could not delete %s: %v", nick, err))
		return
	}
	g.dropContact(nick)
	g.echo(fmt.Sprintf("deleted contact %s", nick))
}

func (g *Gateway) cmdRename(args []string) {
	if len(args) < 2 {
		g.echo("usage: rename <old> <new>")
		return
	}
	oldNick, newNick := args[0], args[1]
	if !irc.IsValidNickname(newNick) {
		g.echo(fmt.Sprintf("invalid nick: %s", newNick))
		return
	}

	g.mu.Lock()
	vu := g.contacts[oldNick]
	g.mu.Unlock()
	if vu == nil {
		g.echo(fmt.Sprintf("no such contact: %s", oldNick))
		return
	}
	if g.server.FindUser(newNick) != nil {
		g.echo(fmt.Sprintf("nick already in use: %s", newNick))
		return
	}
	// Backend first: a refusal leaves the IRC side untouched.
	if err := g.backend.RenameContact(oldNick, newNick); err != nil {
		g.echo(fmt.Sprintf("could not rename %s: %v", oldNick, err))
		return
	}
	if err := g.server.Rename(vu, newNick); err != nil {
		if rbErr := g.backend.RenameContact(newNick, oldNick); rbErr != nil {
			log.Printf("gateway: rename rollback of %s: %v", newNick, rbErr)
		}
		g.echo(fmt.Sprintf("nick already in use: %s", newNick))
		return
	}
	g.mu.Lock()
	delete(g.contacts, oldNick)
	g.contacts[newNick] = vu
	g.mu.Unlock()
	g.echo(fmt.Sprintf("renamed %s to %s", oldNick, newNick))
}

func (g *Gateway) cmdRequest(args []string) {
	if len(args) < 1 {
		g.echo("usage: request list|accept|reject")
		return
	}
	switch args[0] {
	case "list":
		reqs, err := g.backend.Requests()
		if err != nil {
			g.echo(fmt.Sprintf("could not list requests: %v", err))
			return
		}
		if len(reqs) == 0 {
			g.echo("no pending contact requests")
			return
		}
		for _, r := range reqs {
			g.echo(fmt.Sprintf("%s: %s", r.ID, r.Message))
		}
	case "accept":
		if len(args) < 3 {
			g.echo("usage: request accept <contact-id> <nick>")
			return
		}
		id, nick := args[1], args[2]
		if !irc.IsValidNickname(nick) {
			g.echo(fmt.Sprintf("invalid nick: %s", nick))
			return
		}
		if g.server.FindUser(nick) != nil {
			g.echo(fmt.Sprintf("nick already in use: %s", nick))
			return
		}
		contact, err := g.backend.AcceptRequest(id, nick)
		if err != nil {
			g.echo(fmt.Sprintf("could not accept request: %v", err))
			return
		}
		g.ensureContact(contact)
		g.echo(fmt.Sprintf("accepted %s as %s", id, nick))
	case "reject":
		if len(args) < 2 {
			g.echo("usage: request reject <contact-id>")
			return
		}
		if err := g.backend.RejectRequest(args[1]); err != nil {
			g.echo(fmt.Sprintf("could not reject request: %v", err))
			return
		}
		g.echo(fmt.Sprintf("rejected request from %s", args[1]))
	default:
		g.echo("usage: request list|accept|reject")
	}
}
