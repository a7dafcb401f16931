/*
Package irc implements the IRC-facing core of the Ricochet gateway: a small
RFC 1459-style server intended to be spoken to by exactly one local client.

# Overview

The package is split along the wire:

  - LineBuffer splits the raw byte stream on CRLF boundaries, keeping any
    trailing partial line for the next read.
  - Message/ParseMessage turn one logical line into {prefix, command, params}.
  - Connection owns a client socket, its login state machine (PASS/NICK/USER)
    and the command dispatch table.
  - Channel tracks members and their mode flags plus a topic.
  - Server owns the channel registry, the live connection set and the set of
    virtual (socket-less) users, and implements broadcast and targeted
    delivery.

Only the commands a single local client actually needs are implemented:
PASS, NICK, USER, PING, QUIT before login; JOIN, PRIVMSG, PART and WHO after.
Anything else is logged and ignored.

# Hooks

Server takes a Hooks implementation at construction. The gateway layer uses
it to force new clients into the control channel, to intercept PRIVMSGs for
the control-command language, and to learn when the last client is gone.
A nil Hooks yields a plain standalone server, which is what most of the
package tests run against.

# Concurrency

All registry state (connections, channels, virtual users, nicknames) is
guarded by a single server mutex. Each connection is read by its own
goroutine, one line at a time, so per-connection command execution is
strictly ordered; cross-connection operations such as nickname renames are
atomic because check and mutation happen under the same lock. Hooks are
always invoked with no locks held.
*/
package irc

// Version reported in replies and logs.
const Version = "ricochet-irc-gateway/1.0"
