// Package models defines the core data structures shared by the store
// server and the client proxy: the record contract, change journal
// entries, user credentials, and the encrypted wire envelope.
package models

import "strconv"

// Action identifies one kind of operation a user may be granted on a
// record type.
type Action string

const (
	// ActionGet covers reads: GET, QUERY and SIZE.
	ActionGet Action = "GET"
	// ActionPut covers writes of new or existing records.
	ActionPut Action = "PUT"
	// ActionRemove covers record deletion.
	ActionRemove Action = "REMOVE"
)

// AdminUser is the reserved username that is implicitly granted every
// action on every record type.
const AdminUser = "admin"

// Record is the contract every stored entity must satisfy to flow
// through the store. The locked flag is transient and server-computed:
// it is true on a returned record when another user currently holds the
// advisory lock for it.
type Record interface {
	// TypeName returns the stable identifier of the record's kind,
	// used as a namespace for ids and locks.
	TypeName() string
	// ID returns the record id, unique within its type.
	ID() string
	// Locked reports whether another user holds the record's lock.
	Locked() bool
	// SetLocked sets the transient locked flag.
	SetLocked(bool)
}

// ChangeRecordType is the reserved type name under which journal
// entries are persisted.
const ChangeRecordType = "ChangeRecord"

// ChangeRecord is one entry of the append-only change journal.
// ChangeIDs form a single total order across all record types.
type ChangeRecord struct {
	// ChangeID is the monotonically increasing journal sequence number.
	ChangeID int64 `json:"changeId"`
	// Type is the type name of the record that changed.
	Type string `json:"typeName"`
	// ObjectID is the id of the record that changed.
	ObjectID string `json:"objectId"`
}

// TypeName implements Record.
func (c *ChangeRecord) TypeName() string { return ChangeRecordType }

// ID implements Record; journal entries are keyed by their sequence number.
func (c *ChangeRecord) ID() string { return strconv.FormatInt(c.ChangeID, 10) }

// Locked implements Record. Journal entries are immutable and never locked.
func (c *ChangeRecord) Locked() bool { return false }

// SetLocked implements Record as a no-op.
func (c *ChangeRecord) SetLocked(bool) {}

// Right is a single (record type, action) access grant.
type Right struct {
	// TypeName is the record type the grant applies to.
	TypeName string `json:"typeName"`
	// Action is the granted operation.
	Action Action `json:"action"`
}

// UserProfile holds one user's credential and access grants.
//
// PasswordHash doubles as the wire secret: both sides feed it into the
// key derivation of the secure codec, so the server never needs the
// plaintext password.
type UserProfile struct {
	// Username is the unique login name.
	Username string `json:"username"`
	// PasswordHash is the bcrypt hash of the user's password.
	PasswordHash string `json:"passwordHash"`
	// Rights is the set of (type, action) grants held by the user.
	Rights []Right `json:"rights"`
}

// HasRight reports whether the user may perform action on typeName.
// The reserved admin user always passes.
func (u *UserProfile) HasRight(typeName string, action Action) bool {
	if u.Username == AdminUser {
		return true
	}
	for _, r := range u.Rights {
		if r.TypeName == typeName && r.Action == action {
			return true
		}
	}
	return false
}

// SecureMessage is the encrypted wire envelope. It travels as one line
// of JSON per direction and is never persisted. The IV and salt are not
// secret.
type SecureMessage struct {
	// Username identifies the sender so the server can resolve the
	// credential used for decryption.
	Username string `json:"username"`
	// Encoding names the plaintext character encoding (always UTF-8).
	Encoding string `json:"encoding"`
	// Ciphertext is the base64-encoded encrypted payload.
	Ciphertext string `json:"ciphertext"`
	// IV is the base64-encoded CBC initialization vector.
	IV string `json:"iv"`
	// Salt is the base64-encoded key-derivation salt.
	Salt string `json:"salt"`
	// UsesExtendedKeyLength selects a 256-bit key instead of 128-bit.
	UsesExtendedKeyLength bool `json:"usesExtendedKeyLength"`
}
