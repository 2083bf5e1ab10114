package wsbridge

import "encoding/json"

// Frame types exchanged with the bridge. Every frame is one JSON text
// message.
const (
	frameHello     = "hello"
	frameQR        = "qr"
	frameStatus    = "status"
	frameMessage   = "message"
	frameCreds     = "creds"
	frameSendText  = "send_text"
	frameSendMedia = "send_media"
	frameResult    = "result"
	frameLogout    = "logout"
)

// frame is the union of all bridge frames; which fields are set depends on
// Type. Ref correlates a send with its result.
type frame struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`

	// hello
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`

	// qr
	Code string `json:"code,omitempty"`

	// status
	Status string          `json:"status,omitempty"`
	Info   json.RawMessage `json:"info,omitempty"`
	Reason string          `json:"reason,omitempty"`

	// message
	Payload json.RawMessage `json:"payload,omitempty"`

	// hello, creds and send_media
	Data []byte `json:"data,omitempty"`

	// send_text and send_media
	To       string `json:"to,omitempty"`
	Text     string `json:"text,omitempty"`
	MIMEType string `json:"mimetype,omitempty"`
	Caption  string `json:"caption,omitempty"`

	// result
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
