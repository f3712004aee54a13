package events

// Inbound protocol events.
const (
	Confirm     = "ConfirmEvent"
	Ping        = "PingEvent"
	HostInit    = "HostInitEvent"
	Auth        = "AuthEvent"
	Subscribe   = "SubscribeEvent"
	Unsubscribe = "UnsubscribeEvent"
	GameStarted = "GameStartedEvent"
	GameEnded   = "GameEndedEvent"
)

// Domain events.
const (
	PlayerJoinQueue    = "PlayerJoinQueue"
	PlayerLeaveQueue   = "PlayerLeaveQueue"
	PlayerConfirmQueue = "PlayerConfirmQueue"
	QueueConfirmed     = "QueueConfirmed"
	PlayerPicked       = "PlayerPicked"
	MapPickDone        = "MapPickDone"
)
