package service

import (
	"log/slog"

	"github.com/parleyhq/parley/internal/session"
)

// Services bundles the control-plane services for handler wiring.
type Services struct {
	Conversations ConversationService
	Turns         TurnService
	Persist       PersistService
	Stop          StopService
	Transcript    TranscriptService
}

func NewServices(
	stores StoreProvider,
	txRunner TxRunner,
	sessions *session.Manager,
	provider session.Provider,
	runner RunnerClient,
	mirror EventMirror,
	logger *slog.Logger,
) *Services {
	return &Services{
		Conversations: NewConversationService(stores),
		Turns:         NewTurnService(stores, txRunner, sessions, runner, mirror, logger),
		Persist:       NewPersistService(txRunner, mirror, logger),
		Stop:          NewStopService(stores, txRunner, provider, runner, mirror, logger),
		Transcript:    NewTranscriptService(stores),
	}
}
