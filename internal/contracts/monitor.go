package contracts

const (
	// MessageTypeStatus carries the state of every synced buffer.
	MessageTypeStatus = "status"
	// MessageTypeBuffer carries the rendered content of one buffer.
	MessageTypeBuffer = "buffer"
	// MessageTypeReleased tells the browser a buffer is no longer synced.
	MessageTypeReleased = "released"
	// MessageTypeEdit asks the bridge to apply a local edit to a buffer.
	MessageTypeEdit = "edit"
)

// IncomingMessage is the minimal envelope used to route browser messages.
type IncomingMessage struct {
	Type string
}

// BufferStatus is the state of one synced buffer.
type BufferStatus struct {
	ID          int64  `json:"id"`
	Path        string `json:"path"`
	Changedtick int64  `json:"changedtick"`
	State       string `json:"state"`
	Pending     int    `json:"pending"`
	Fault       string `json:"fault,omitempty"`
}

// StatusMessage is a snapshot of the session.
type StatusMessage struct {
	Type    string         `json:"type"`
	Session string         `json:"session"`
	Channel int64          `json:"channel"`
	Buffers []BufferStatus `json:"buffers"`
	Rev     uint64         `json:"rev"`
}

// BufferMessage carries highlighted buffer content to the browser.
type BufferMessage struct {
	Type        string `json:"type"`
	ID          int64  `json:"id"`
	Path        string `json:"path"`
	HTML        string `json:"html"`
	Changedtick int64  `json:"changedtick"`
	Rev         uint64 `json:"rev"`
}

// ReleasedMessage removes a buffer from the browser view.
type ReleasedMessage struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// EditMessage replaces Length bytes at Offset of buffer ID with Text.
type EditMessage struct {
	Type   string `json:"type"`
	ID     int64  `json:"id"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Text   string `json:"text"`
}
