package protocol

// ConnectPayload is carried by CONNECT and RECONNECT.
type ConnectPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
	Epoch       uint64 `json:"epoch"`
}

// Cursor is a caret position inside a resource.
type Cursor struct {
	FieldID string `json:"fieldId,omitempty"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
}

// Selection is a range between two cursor positions.
type Selection struct {
	Start Cursor `json:"start"`
	End   Cursor `json:"end"`
}

// PresencePayload is carried by USER_JOINED, USER_LEFT, USER_PRESENCE,
// CURSOR_MOVE and SELECTION_CHANGE. Fields that are absent leave the
// stored presence untouched.
type PresencePayload struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName,omitempty"`
	Role        string     `json:"role,omitempty"`
	ResourceID  string     `json:"resourceId,omitempty"`
	Cursor      *Cursor    `json:"cursor,omitempty"`
	Selection   *Selection `json:"selection,omitempty"`
	Lock        *FieldLock `json:"lock,omitempty"`
}

// FieldLock announces that a user took or released the advisory lock on a
// field. It rides on USER_PRESENCE.
type FieldLock struct {
	FieldID string `json:"fieldId"`
	Held    bool   `json:"held"`
}

// FieldUpdatePayload is carried by FIELD_UPDATE.
type FieldUpdatePayload struct {
	ResourceID    string `json:"resourceId"`
	ChangeID      string `json:"changeId"`
	FieldID       string `json:"fieldId"`
	PreviousValue any    `json:"previousValue,omitempty"`
	NewValue      any    `json:"newValue"`
	AppliedAt     int64  `json:"appliedAt"` // Unix milliseconds
}

// ConflictResolutionPayload is carried by CONFLICT_RESOLUTION.
type ConflictResolutionPayload struct {
	ResourceID          string `json:"resourceId"`
	ConflictID          string `json:"conflictId"`
	FieldID             string `json:"fieldId"`
	ChangeID            string `json:"changeId"`
	ConflictingChangeID string `json:"conflictingChangeId"`
	WinnerChangeID      string `json:"winnerChangeId,omitempty"`
	Resolution          string `json:"resolution"`
	Value               any    `json:"value,omitempty"`
	ResolvedBy          string `json:"resolvedBy,omitempty"`
	ResolvedAt          int64  `json:"resolvedAt"`
}

// PingPayload is carried by PING and echoed unchanged by PONG.
type PingPayload struct {
	Nonce  uint64 `json:"nonce"`
	SentAt int64  `json:"sentAt"`
}

// NotificationPayload is carried by NOTIFICATION and ALERT.
type NotificationPayload struct {
	Level string `json:"level,omitempty"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}
