package types

// Client/Host -> Server
//   { name: string, payload: object }
//
// ConfirmEvent:      confirmMessageId: number
// PingEvent:         ping_id: any
// HostInitEvent:     secret: string
// AuthEvent:         sessionKey: string
// SubscribeEvent:    model_name: string, model_pk: number
// UnsubscribeEvent:  model_name: string, model_pk: number
// GameStartedEvent:  game: number
// GameEndedEvent:    game: number, winner: number (match team id)
type InboundMessage struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
}

// Server -> Client/Host
//   { type, payload, message, status, sessionKey, messageId }
//
// messageId is echoed back as confirmMessageId by the receiver when the
// sender awaits a reply.
type OutboundEvent struct {
	Type       string  `json:"type"`
	Payload    any     `json:"payload"`
	Message    *string `json:"message"`
	Status     int     `json:"status"`
	SessionKey *string `json:"sessionKey"`
	MessageID  int64   `json:"messageId"`
}

const (
	TypeAckConn       = "ACK_CONN"
	TypePing          = "PING"
	TypeSubscriptions = "SUBSCRIPTIONS"
	TypeError         = "ERROR"
	TypeModelCreate   = "ModelCreateEvent"
	TypeModelUpdate   = "ModelUpdateEvent"
	TypeJoinGame      = "PlayerJoinGameGrantedEvent"
)

func NewEvent(typ string, payload any) OutboundEvent {
	return OutboundEvent{Type: typ, Payload: payload, Status: 200}
}

func NewErrorEvent(status int, msg string) OutboundEvent {
	return OutboundEvent{Type: TypeError, Message: &msg, Status: status}
}

// WithMessage returns a copy of e carrying a human readable message.
func (e OutboundEvent) WithMessage(msg string) OutboundEvent {
	e.Message = &msg
	return e
}

type ConfirmPayload struct {
	ConfirmMessageID int64 `json:"confirmMessageId"`
}

type PingPayload struct {
	PingID any `json:"ping_id"`
}

type HostInitPayload struct {
	Secret string `json:"secret"`
}

type AuthPayload struct {
	SessionKey string `json:"sessionKey"`
}

// ModelRef names one persisted entity. It is the payload of model change
// events and of subscription requests.
type ModelRef struct {
	ModelName string `json:"model_name"`
	ModelPK   int64  `json:"model_pk"`
}

type SubscriptionsPayload struct {
	Subscriptions []ModelRef `json:"subscriptions"`
}

type JoinGamePayload struct {
	PlayerID     int64 `json:"player_id"`
	GameID       int64 `json:"game_id"`
	TeamID       int64 `json:"team_id"`
	IsSpectating bool  `json:"is_spectating"`
}

type GameStartedPayload struct {
	Game int64 `json:"game"`
}

type GameEndedPayload struct {
	Game   int64 `json:"game"`
	Winner int64 `json:"winner"`
}

// Result is the outcome of a queue or map pick operation.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func OK(msg string) Result { return Result{Success: true, Message: msg} }

func Failed(msg string) Result { return Result{Message: msg} }
