// Package backend defines the messaging side of the gateway: contacts,
// contact requests, and the event stream a backend feeds into the bridge.
package backend

// Contact is one peer in the contact list.
type Contact struct {
	// ID is the ricochet: contact identifier.
	ID string
	// Nick is the local display name, which doubles as the virtual IRC
	// nickname.
	Nick string
	// Online reports current reachability. Messages sent to offline
	// contacts are queued.
	Online bool
	// Pending marks a contact whose outgoing request has not been
	// answered yet.
	Pending bool
}

// Request is an incoming contact request awaiting a decision.
type Request struct {
	// ID is the requesting peer's contact identifier.
	ID string
	// Message is the free-text greeting sent along with the request.
	Message string
}

// EventType discriminates Event payloads.
type EventType int

const (
	// EventMessage carries an inbound chat message from a contact.
	EventMessage EventType = iota
	// EventContactOnline fires when a contact becomes reachable.
	EventContactOnline
	// EventContactOffline fires when a contact stops being reachable.
	EventContactOffline
	// EventRequest fires when a new incoming contact request arrives.
	EventRequest
	// EventRequestAnswered fires when a previously pending outgoing
	// request is accepted by the peer.
	EventRequestAnswered
)

// Event is one notification from the backend to the bridge.
type Event struct {
	Type    EventType
	Contact *Contact
	Request *Request
	// Text is the message body for EventMessage.
	Text string
}

// Backend is a peer-messaging service the gateway can bridge to IRC.
// Implementations deliver notifications on the Events channel from a single
// goroutine.
type Backend interface {
	// Identity returns the gateway's own contact identifier.
	Identity() (string, error)

	// SetOnline turns the backend's network presence on or off. The
	// bridge switches it on when the first IRC client logs in and off
	// when the last one leaves.
	SetOnline(online bool) error
	// Online reports the current presence state.
	Online() bool

	// Contacts lists the contact book in stable order.
	Contacts() ([]*Contact, error)
	// AddContact sends a contact request to id with a greeting message
	// and stores the contact as pending.
	AddContact(id, nick, message string) error
	// DeleteContact removes the contact with the given nick.
	DeleteContact(nick string) error
	// RenameContact changes a contact's nick.
	RenameContact(oldNick, newNick string) error

	// Requests lists incoming contact requests awaiting an answer.
	Requests() ([]*Request, error)
	// AcceptRequest turns an incoming request into a contact.
	AcceptRequest(id, nick string) (*Contact, error)
	// RejectRequest drops an incoming request.
	RejectRequest(id string) error

	// SendMessage delivers text to a contact, queueing it while the
	// contact is offline.
	SendMessage(nick, text string) error

	// Events is the notification stream. It closes when the backend
	// shuts down.
	Events() <-chan Event

	// Close releases all resources.
	Close() error
}
