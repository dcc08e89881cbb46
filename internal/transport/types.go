package transport

import (
	"context"
	"errors"
)

// Sentinel errors adapters map platform-specific delivery failures onto.
// Callers use errors.Is against these instead of inspecting adapter errors.
var (
	// ErrRecipientBlocked means the recipient has blocked the bot (or the
	// account is deactivated). Retrying will not help.
	ErrRecipientBlocked = errors.New("recipient blocked the bot")

	// ErrChatNotFound means the destination chat does not exist or the bot
	// was never started by the recipient. Retrying will not help.
	ErrChatNotFound = errors.New("chat not found")
)

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the outbound messaging surface. Implementations are expected to
// be safe for concurrent use and to honor ctx cancellation between sends.
type Adapter interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendSticker(ctx context.Context, to ChatTarget, fileID string) error

	Stop(ctx context.Context) error
}
