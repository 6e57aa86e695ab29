package protocol

// Kind identifies the type of an envelope.
type Kind uint8

const (
	KindConnect            Kind = 0x01 // Client announces itself on a fresh connection
	KindDisconnect         Kind = 0x02 // Graceful goodbye
	KindReconnect          Kind = 0x03 // Client announces itself after a reconnect
	KindUserJoined         Kind = 0x10 // A user joined a resource
	KindUserLeft           Kind = 0x11 // A user left a resource or went offline
	KindUserPresence       Kind = 0x12 // Presence refresh
	KindCursorMove         Kind = 0x13 // Cursor position update
	KindSelectionChange    Kind = 0x14 // Selection range update
	KindTextEdit           Kind = 0x20 // Opaque text operation
	KindFieldUpdate        Kind = 0x21 // Field-level change
	KindDataSync           Kind = 0x22 // Opaque bulk sync payload
	KindConflictResolution Kind = 0x23 // Outcome of a conflict
	KindNotification       Kind = 0x30 // Informational notice
	KindAlert              Kind = 0x31 // High-priority notice
	KindPing               Kind = 0x40 // Liveness probe
	KindPong               Kind = 0x41 // Liveness response
	KindError              Kind = 0x50 // Error report
)

var kindNames = map[Kind]string{
	KindConnect:            "CONNECT",
	KindDisconnect:         "DISCONNECT",
	KindReconnect:          "RECONNECT",
	KindUserJoined:         "USER_JOINED",
	KindUserLeft:           "USER_LEFT",
	KindUserPresence:       "USER_PRESENCE",
	KindCursorMove:         "CURSOR_MOVE",
	KindSelectionChange:    "SELECTION_CHANGE",
	KindTextEdit:           "TEXT_EDIT",
	KindFieldUpdate:        "FIELD_UPDATE",
	KindDataSync:           "DATA_SYNC",
	KindConflictResolution: "CONFLICT_RESOLUTION",
	KindNotification:       "NOTIFICATION",
	KindAlert:              "ALERT",
	KindPing:               "PING",
	KindPong:               "PONG",
	KindError:              "ERROR",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// String returns the upper-case wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// IsControl reports whether the kind belongs to connection management
// rather than collaboration traffic.
func (k Kind) IsControl() bool {
	switch k {
	case KindConnect, KindDisconnect, KindReconnect, KindPing, KindPong:
		return true
	}
	return false
}

// IsPresence reports whether the kind updates the presence registry.
func (k Kind) IsPresence() bool {
	switch k {
	case KindUserJoined, KindUserLeft, KindUserPresence, KindCursorMove, KindSelectionChange:
		return true
	}
	return false
}

// ParseKind returns the kind for a wire name such as "FIELD_UPDATE".
func ParseKind(name string) (Kind, bool) {
	k, ok := kindsByName[name]
	return k, ok
}

// Kinds returns all known kinds in wire order.
func Kinds() []Kind {
	return []Kind{
		KindConnect, KindDisconnect, KindReconnect,
		KindUserJoined, KindUserLeft, KindUserPresence, KindCursorMove, KindSelectionChange,
		KindTextEdit, KindFieldUpdate, KindDataSync, KindConflictResolution,
		KindNotification, KindAlert,
		KindPing, KindPong,
		KindError,
	}
}
