package session

import "github.com/MarcoPoloResearchLab/fello/internal/render"

// Inbound frame types sent by the browser shell.
const (
	FrameNavigate              = "navigate"
	FramePost                  = "post"
	FrameAddFriend             = "add-friend"
	FrameRemoveFriend          = "remove-friend"
	FramePushSubscription      = "push-subscription"
	FramePushSubscriptionError = "push-subscription-error"
)

// Outbound frame types.
const (
	FramePatch    = "patch"
	FrameAlert    = "alert"
	FrameRedirect = "redirect"
	FrameReset    = "reset"
)

// ImagePayload is an attached file; Data arrives base64 encoded.
type ImagePayload struct {
	Filename string `json:"filename"`
	Data     []byte `json:"data"`
}

// ErrorPayload carries a browser DOMException.
type ErrorPayload struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Inbound is a browser-originated frame.
type Inbound struct {
	Type     string        `json:"type"`
	Hash     string        `json:"hash,omitempty"`
	Body     string        `json:"body,omitempty"`
	Image    *ImagePayload `json:"image,omitempty"`
	UserID   string        `json:"userId,omitempty"`
	Endpoint string        `json:"endpoint,omitempty"`
	Error    *ErrorPayload `json:"error,omitempty"`
}

// Outbound is a server-originated frame.
type Outbound struct {
	Type    string      `json:"type"`
	Ops     []render.Op `json:"ops,omitempty"`
	Message string      `json:"message,omitempty"`
	Hash    string      `json:"hash,omitempty"`
	Target  string      `json:"target,omitempty"`
}
