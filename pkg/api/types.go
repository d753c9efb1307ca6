package api

// ClientMessageType identifies control frames sent by the client. Generation
// requests carry no type.
type ClientMessageType string

const (
	ClientMessageTypeCancel          ClientMessageType = "cancel"
	ClientMessageTypeNewConversation ClientMessageType = "new_conversation"
)

type ServerMessageType string

const (
	ServerMessageTypeToken             ServerMessageType = "token"
	ServerMessageTypeDone              ServerMessageType = "done"
	ServerMessageTypeError             ServerMessageType = "error"
	ServerMessageTypeCancelled         ServerMessageType = "cancelled"
	ServerMessageTypeConversationReset ServerMessageType = "conversation_reset"
)

// IsTerminal reports whether a message of this type ends a turn.
func (t ServerMessageType) IsTerminal() bool {
	switch t {
	case ServerMessageTypeDone, ServerMessageTypeError, ServerMessageTypeCancelled:
		return true
	default:
		return false
	}
}

// ModelConfig is the optional per-request backend selection. Empty fields
// fall back to the server defaults.
type ModelConfig struct {
	Provider   string `json:"provider,omitempty" yaml:"provider,omitempty"`
	ModelID    string `json:"model_id,omitempty" yaml:"model_id,omitempty"`
	AWSProfile string `json:"aws_profile,omitempty" yaml:"aws_profile,omitempty"`
	AWSRegion  string `json:"aws_region,omitempty" yaml:"aws_region,omitempty"`
}

// ClientEnvelope is any inbound frame. Control frames set Type; generation
// requests leave it empty and fill the remaining fields.
type ClientEnvelope struct {
	Type ClientMessageType `json:"type,omitempty"`

	Prompt     string       `json:"prompt"`
	Context    string       `json:"context,omitempty"`
	Mode       string       `json:"mode,omitempty"`
	ModeType   string       `json:"mode_type,omitempty"`
	Screenshot *string      `json:"screenshot,omitempty"`
	Config     *ModelConfig `json:"config,omitempty"`
}

// IsControl reports whether the envelope is a control frame rather than a
// generation request.
func (e ClientEnvelope) IsControl() bool {
	return e.Type != ""
}

type ServerEnvelope struct {
	Type    ServerMessageType `json:"type"`
	Content *string           `json:"content,omitempty"`
}

func Token(content string) ServerEnvelope {
	return ServerEnvelope{Type: ServerMessageTypeToken, Content: &content}
}

func Done(content string) ServerEnvelope {
	return ServerEnvelope{Type: ServerMessageTypeDone, Content: &content}
}

func Error(content string) ServerEnvelope {
	return ServerEnvelope{Type: ServerMessageTypeError, Content: &content}
}

func Cancelled() ServerEnvelope {
	return ServerEnvelope{Type: ServerMessageTypeCancelled}
}

func ConversationReset() ServerEnvelope {
	return ServerEnvelope{Type: ServerMessageTypeConversationReset}
}

// Text returns the content or "" when the message carries none.
func (e ServerEnvelope) Text() string {
	if e.Content == nil {
		return ""
	}
	return *e.Content
}

type HealthResponse struct {
	Status      string `json:"status"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	Connections int    `json:"connections,omitempty"`
}
