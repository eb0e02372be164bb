// Package protocol defines the plaintext request grammar and response
// codes shared by the server dispatcher and the client proxy. A request
// is VERB:#:arg1:#:arg2...; a response is either a status code, a
// number, or a JSON document — always wrapped in an encrypted envelope
// except for the pre-authentication failure path.
package protocol

import "strings"

// Delimiter separates the verb and arguments of a decrypted request.
const Delimiter = ":#:"

// ListSeparator separates elements of list-valued arguments (QUERY
// keys, operators, values and conjunctions).
const ListSeparator = ","

// Request verbs.
const (
	VerbGet         = "GET"
	VerbQuery       = "QUERY"
	VerbPut         = "PUT"
	VerbRemove      = "REMOVE"
	VerbSize        = "SIZE"
	VerbLock        = "LOCK"
	VerbRelease     = "RELEASE"
	VerbReadJournal = "READJOURNAL"
)

// Response codes.
const (
	// StatusOK acknowledges a successful operation with no payload.
	StatusOK = "200"
	// StatusLockHeld is LOCK's idempotent answer when the caller
	// already holds the lock.
	StatusLockHeld = "201"
	// StatusUnauthorized covers failed authentication and missing
	// access rights alike.
	StatusUnauthorized = "401"
	// StatusNotFound is the normal negative result, not an error.
	StatusNotFound = "404"
	// StatusUnavailable reports a backend failure.
	StatusUnavailable = "503"
	// StatusRejected is the lock-conflict sentinel.
	StatusRejected = "-1"
)

// AllRecords is the GET id argument selecting every record of a type.
const AllRecords = "ALL"

// JournalSize is the READJOURNAL argument requesting the latest change id.
const JournalSize = "SIZE"

// Join assembles a request line from its parts.
func Join(parts ...string) string {
	return strings.Join(parts, Delimiter)
}

// Split breaks a request line into its parts.
func Split(line string) []string {
	return strings.Split(line, Delimiter)
}

// IsPayload reports whether a response body is a JSON payload rather
// than a status code or bare number.
func IsPayload(resp string) bool {
	return strings.HasPrefix(resp, "{") || strings.HasPrefix(resp, "[")
}
