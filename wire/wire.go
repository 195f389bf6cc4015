// Package wire defines the frames exchanged between an Origin and a Relay
// over the duplex channel. Every frame is a single self-describing JSON
// record carrying a mandatory "type" discriminator.
package wire

import "encoding/json"

// Type is the frame discriminator.
type Type string

const (
	TypeRegister   Type = "register"
	TypeRegistered Type = "registered"
	TypeRequest    Type = "request"
	TypeResponse   Type = "response"
	TypeData       Type = "data"
	TypeEnd        Type = "end"
	TypeExpired    Type = "expired"
)

// MaxFrameBytes caps a single encoded frame. Decode rejects anything larger.
const MaxFrameBytes = 1 << 20

// MaxChunkBytes is the maximum raw payload carried by one data frame.
// The base64 expansion of a full chunk stays well inside MaxFrameBytes.
const MaxChunkBytes = 64 * 1024

// Register opens a session. Origin -> Relay.
type Register struct {
	Type      Type   `json:"type"`
	Path      string `json:"path"`
	ExpiresAt int64  `json:"expiresAt"` // Unix seconds; must be in the future.
	Password  string `json:"password,omitempty"`
}

// Registered acknowledges a registration. Relay -> Origin.
type Registered struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// Request forwards one viewer request. Relay -> Origin.
type Request struct {
	Type   Type   `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"` // GET or HEAD.
	Path   string `json:"path"`
}

// Response starts a response for a request ID. Origin -> Relay.
type Response struct {
	Type    Type              `json:"type"`
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
}

// Data carries one base64-encoded body chunk. Origin -> Relay.
//
// An empty chunk is valid; it permits zero-length bodies.
type Data struct {
	Type  Type   `json:"type"`
	ID    string `json:"id"`
	Chunk string `json:"chunk"`
}

// End completes a response. Origin -> Relay.
type End struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

// Expired tells the Origin its session is over. Relay -> Origin.
type Expired struct {
	Type Type `json:"type"`
}

// Encode serializes any frame to its JSON record.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func NewRegister(path string, expiresAt int64, password string) *Register {
	return &Register{Type: TypeRegister, Path: path, ExpiresAt: expiresAt, Password: password}
}

func NewRegistered(sessionID, url string) *Registered {
	return &Registered{Type: TypeRegistered, SessionID: sessionID, URL: url}
}

func NewRequest(id, method, path string) *Request {
	return &Request{Type: TypeRequest, ID: id, Method: method, Path: path}
}

func NewResponse(id string, status int, headers map[string]string) *Response {
	return &Response{Type: TypeResponse, ID: id, Status: status, Headers: headers}
}

func NewData(id, chunk string) *Data {
	return &Data{Type: TypeData, ID: id, Chunk: chunk}
}

func NewEnd(id string) *End {
	return &End{Type: TypeEnd, ID: id}
}

func NewExpired() *Expired {
	return &Expired{Type: TypeExpired}
}
