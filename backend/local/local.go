// Package local is a Backend backed by a SQLite database. It keeps the
// contact book, incoming requests and the offline message queue durable
// across restarts. Network presence is driven from outside through the
// exported transport methods; the package itself never dials anywhere.
package local

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ricochet-irc/gateway/backend"
	"github.com/ricochet-irc/gateway/ricochet"
)

type contactRow struct {
	ID        uint   `gorm:"primaryKey"`
	ContactID string `gorm:"uniqueIndex"`
	Nick      string `gorm:"uniqueIndex"`
	Pending   bool
	CreatedAt time.Time
}

type requestRow struct {
	ID        uint   `gorm:"primaryKey"`
	ContactID string `gorm:"uniqueIndex"`
	Message   string
	CreatedAt time.Time
}

type queuedRow struct {
	ID        uint   `gorm:"primaryKey"`
	ContactID string `gorm:"index"`
	Body      string
	CreatedAt time.Time
}

type identityRow struct {
	ID         uint `gorm:"primaryKey"`
	PublicKey  []byte
	PrivateKey []byte
}

// Store implements backend.Backend on a SQLite file.
type Store struct {
	db       *gorm.DB
	events   chan backend.Event
	quit     chan struct{}
	emitters sync.WaitGroup

	mu     sync.Mutex
	online bool
	up     map[string]bool // contact ID -> reachable
	closed bool
}

var _ backend.Backend = (*Store)(nil)

// Open opens or creates the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("local: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&contactRow{}, &requestRow{}, &queuedRow{}, &identityRow{}); err != nil {
		return nil, fmt.Errorf("local: migrate: %w", err)
	}
	return &Store{
		db:     db,
		events: make(chan backend.Event, 64),
		quit:   make(chan struct{}),
		up:     make(map[string]bool),
	}, nil
}

// Identity returns the stored contact identifier, generating and persisting
// a fresh ed25519 keypair on first use.
func (s *Store) Identity() (string, error) {
	var row identityRow
	err := s.db.First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pub, priv, kerr := ed25519.GenerateKey(nil)
		if kerr != nil {
			return "", fmt.Errorf("local: generate identity: %w", kerr)
		}
		row = identityRow{PublicKey: pub, PrivateKey: priv}
		if err := s.db.Create(&row).Error; err != nil {
			return "", fmt.Errorf("local: store identity: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("local: load identity: %w", err)
	}
	return ricochet.ContactID(ed25519.PublicKey(row.PublicKey)), nil
}

// SetOnline flips network presence. Going online does not change contact
// reachability by itself; the transport reports that per contact.
func (s *Store) SetOnline(online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return nil
	}
	s.online = online
	if !online {
		// Presence knowledge is stale once we are offline.
		s.up = make(map[string]bool)
	}
	log.Printf("local: backend online=%v", online)
	return nil
}

// Online reports current presence.
func (s *Store) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Contacts lists the contact book in creation order.
func (s *Store) Contacts() ([]*backend.Contact, error) {
	var rows []contactRow
	if err := s.db.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("local: list contacts: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*backend.Contact, 0, len(rows))
	for _, r := range rows {
		out = append(out, &backend.Contact{
			ID:      r.ContactID,
			Nick:    r.Nick,
			Online:  s.up[r.ContactID],
			Pending: r.Pending,
		})
	}
	return out, nil
}

// AddContact stores a pending contact and queues the greeting for delivery
// with the request.
func (s *Store) AddContact(id, nick, message string) error {
	if !ricochet.IsContactID(id) {
		return fmt.Errorf("local: invalid contact ID %q", id)
	}
	row := contactRow{ContactID: id, Nick: nick, Pending: true}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("local: add contact %s: %w", nick, err)
	}
	if message != "" {
		s.db.Create(&queuedRow{ContactID: id, Body: message})
	}
	return nil
}

// DeleteContact removes a contact along with its queued messages.
func (s *Store) DeleteContact(nick string) error {
	row, err := s.contactByNick(nick)
	if err != nil {
		return err
	}
	s.db.Where("contact_id = ?", row.ContactID).Delete(&queuedRow{})
	if err := s.db.Delete(row).Error; err != nil {
		return fmt.Errorf("local: delete contact %s: %w", nick, err)
	}
	s.mu.Lock()
	delete(s.up, row.ContactID)
	s.mu.Unlock()
	return nil
}

// RenameContact changes a contact's nick.
func (s *Store) RenameContact(oldNick, newNick string) error {
	row, err := s.contactByNick(oldNick)
	if err != nil {
		return err
	}
	if err := s.db.Model(row).Update("nick", newNick).Error; err != nil {
		return fmt.Errorf("local: rename contact %s: %w", oldNick, err)
	}
	return nil
}

// Requests lists pending incoming requests, oldest first.
func (s *Store) Requests() ([]*backend.Request, error) {
	var rows []requestRow
	if err := s.db.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("local: list requests: %w", err)
	}
	out := make([]*backend.Request, 0, len(rows))
	for _, r := range rows {
		out = append(out, &backend.Request{ID: r.ContactID, Message: r.Message})
	}
	return out, nil
}

// AcceptRequest converts an incoming request into a contact.
func (s *Store) AcceptRequest(id, nick string) (*backend.Contact, error) {
	var req requestRow
	if err := s.db.Where("contact_id = ?", id).First(&req).Error; err != nil {
		return nil, fmt.Errorf("local: no request from %q", id)
	}
	row := contactRow{ContactID: id, Nick: nick}
	if err := s.db.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("local: accept request from %q: %w", id, err)
	}
	s.db.Delete(&req)
	return &backend.Contact{ID: id, Nick: nick}, nil
}

// RejectRequest drops an incoming request.
func (s *Store) RejectRequest(id string) error {
	res := s.db.Where("contact_id = ?", id).Delete(&requestRow{})
	if res.Error != nil {
		return fmt.Errorf("local: reject request from %q: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("local: no request from %q", id)
	}
	return nil
}

// SendMessage queues text for an offline contact and hands it to the
// transport log otherwise. The queue drains when the contact comes back.
func (s *Store) SendMessage(nick, text string) error {
	row, err := s.contactByNick(nick)
	if err != nil {
		return err
	}
	s.mu.Lock()
	reachable := s.online && s.up[row.ContactID]
	s.mu.Unlock()
	if !reachable {
		if err := s.db.Create(&queuedRow{ContactID: row.ContactID, Body: text}).Error; err != nil {
			return fmt.Errorf("local: queue message for %s: %w", nick, err)
		}
		return nil
	}
	log.Printf("local: deliver to %s: %d bytes", nick, len(text))
	return nil
}

// QueuedMessages returns the undelivered bodies for a contact, oldest first.
func (s *Store) QueuedMessages(nick string) ([]string, error) {
	row, err := s.contactByNick(nick)
	if err != nil {
		return nil, err
	}
	var rows []queuedRow
	if err := s.db.Where("contact_id = ?", row.ContactID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("local: list queue for %s: %w", nick, err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Body)
	}
	return out, nil
}

// Events is the notification stream.
func (s *Store) Events() <-chan backend.Event {
	return s.events
}

// Close shuts the event stream and the database down.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.quit)
	s.emitters.Wait()
	close(s.events)
	if db, err := s.db.DB(); err == nil {
		return db.Close()
	}
	return nil
}

// SetContactOnline is the transport's reachability notification. A pending
// contact that comes online has had its request accepted; the pending flag
// clears and the queued greeting and messages drain.
func (s *Store) SetContactOnline(nick string, online bool) error {
	row, err := s.contactByNick(nick)
	if err != nil {
		return err
	}

	s.mu.Lock()
	was := s.up[row.ContactID]
	s.up[row.ContactID] = online
	s.mu.Unlock()
	if was == online {
		return nil
	}

	contact := &backend.Contact{ID: row.ContactID, Nick: row.Nick, Online: online}
	if online && row.Pending {
		s.db.Model(row).Update("pending", false)
		s.emit(backend.Event{Type: backend.EventRequestAnswered, Contact: contact})
	}
	if online {
		s.emit(backend.Event{Type: backend.EventContactOnline, Contact: contact})
		s.drainQueue(row)
	} else {
		s.emit(backend.Event{Type: backend.EventContactOffline, Contact: contact})
	}
	return nil
}

// DeliverMessage is the transport's inbound path: a message arriving from a
// known contact surfaces as an EventMessage.
func (s *Store) DeliverMessage(id, text string) error {
	var row contactRow
	if err := s.db.Where("contact_id = ?", id).First(&row).Error; err != nil {
		return fmt.Errorf("local: message from unknown contact %q", id)
	}
	s.emit(backend.Event{
		Type:    backend.EventMessage,
		Contact: &backend.Contact{ID: row.ContactID, Nick: row.Nick, Online: true},
		Text:    text,
	})
	return nil
}

// ReceiveRequest is the transport's inbound contact request path.
func (s *Store) ReceiveRequest(id, message string) error {
	if !ricochet.IsContactID(id) {
		return fmt.Errorf("local: invalid contact ID %q", id)
	}
	row := requestRow{ContactID: id, Message: message}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("local: store request from %q: %w", id, err)
	}
	s.emit(backend.Event{Type: backend.EventRequest, Request: &backend.Request{ID: id, Message: message}})
	return nil
}

func (s *Store) drainQueue(row *contactRow) {
	var rows []queuedRow
	if err := s.db.Where("contact_id = ?", row.ContactID).Order("id").Find(&rows).Error; err != nil {
		return
	}
	for _, q := range rows {
		log.Printf("local: deliver queued to %s: %d bytes", row.Nick, len(q.Body))
		s.db.Delete(&q)
	}
}

func (s *Store) contactByNick(nick string) (*contactRow, error) {
	var row contactRow
	if err := s.db.Where("nick = ?", nick).First(&row).Error; err != nil {
		return nil, fmt.Errorf("local: unknown contact %q", nick)
	}
	return &row, nil
}

// emit blocks when the buffer is full rather than drop the event; the
// consumer drains steadily, and Close releases any emitter still waiting.
func (s *Store) emit(ev backend.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.emitters.Add(1)
	s.mu.Unlock()
	defer s.emitters.Done()

	select {
	case s.events <- ev:
	case <-s.quit:
	}
}
