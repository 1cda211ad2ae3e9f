package model

import "fmt"

const (
	// NoSubject is the subject used when a message carries none.
	NoSubject = "*No Subject*"
	// UndecodableBody replaces a body whose transfer or charset decoding failed.
	UndecodableBody = "(Unable to decode email body)"
)

// EmailRecord is the three-field unit published to the broker for every
// newsletter email.
type EmailRecord struct {
	SequenceNumber int64
	Subject        string
	Body           string
}

// Key identifies a source message across runs. It is carried as the broker
// record key and used for duplicate suppression on both sides of the topic.
type Key string

// IMAPKey builds the key for a message of an IMAP mailbox.
func IMAPKey(mailbox string, uidValidity, uid uint32) Key {
	return Key(fmt.Sprintf("%s/%d/%d", mailbox, uidValidity, uid))
}

// ArchiveKey builds the key for a message replayed from an mbox archive.
func ArchiveKey(hash string) Key {
	return Key("mbox/" + hash)
}

// Message is a record in flight together with its source identity.
type Message struct {
	Key    Key
	UID    uint32
	Record EmailRecord
}

// Envelope wraps a message alongside an optional error encountered while fetching.
type Envelope struct {
	Message Message
	Err     error
}

// Ack reports the outcome of publishing a message back to its source.
type Ack struct {
	Key Key
	UID uint32
	Err error
}
