package ws

// Message types exchanged over the session websocket. Every frame is one
// JSON object tagged by "type".
const (
	TypeAuth   = "auth"
	TypeStart  = "start"
	TypeInput  = "input"
	TypeResize = "resize"
	TypeOutput = "output"
	TypeStatus = "status"
	TypeExit   = "exit"
	TypeError  = "error"
)

// Statuses carried by auth and status frames.
const (
	StatusAuthenticated = "authenticated"
	StatusFailed        = "failed"
	StatusStarted       = "started"
	StatusError         = "error"
)

// UserInfo is the client's view of its identity, sent alongside the token
// for logging. The verified token is authoritative; these fields are never
// trusted for authorization.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Envelope is the discriminated union for every protocol frame. Fields are
// populated per type; unused fields are omitted on the wire.
type Envelope struct {
	Type string `json:"type"`

	// auth (client → server)
	Token string    `json:"token,omitempty"`
	User  *UserInfo `json:"user,omitempty"`

	// auth / status (server → client)
	Status    string `json:"status,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`

	// start (client → server)
	ProjectPath string `json:"projectPath,omitempty"`

	// input (client → server) and output (server → client)
	Data string `json:"data,omitempty"`

	// resize (client → server)
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	// exit (server → client); pointer so code 0 is still transmitted
	Code *int `json:"code,omitempty"`
}
