package chat

// Redis key layout shared with the matching pool, whose pairing script
// creates sessions in the same transaction that removes the two tickets.
// The scripts build per-user keys from these prefixes, so they expect a
// single-node Redis rather than a cluster.
const (
	SessionPrefix  = "chat:"
	ActivePrefix   = "chat:active:"
	MessagesSuffix = ":messages"

	// LiveKey is a sorted set of active session ids scored by last activity
	// in unix milliseconds.
	LiveKey = "chat:live"
)

// SessionKey returns the hash holding a session's state.
func SessionKey(id string) string { return SessionPrefix + id }

// MessagesKey returns the list holding a session's messages.
func MessagesKey(id string) string { return SessionPrefix + id + MessagesSuffix }

// ActiveKey returns the pointer from a user to their active session.
func ActiveKey(userID string) string { return ActivePrefix + userID }
