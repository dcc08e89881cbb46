// Package notifier delivers due reminders through a transport adapter and
// classifies failures into permanent and transient.
package notifier

import (
	"context"
	"errors"
	"strings"
	"time"

	"remindbot/internal/storage"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Config struct {
	// SendTimeout bounds a single delivery attempt. Defaults to 15s.
	SendTimeout time.Duration

	// Stickers maps categories to Telegram sticker file ids sent after the
	// alert text. Missing entries mean no sticker for that category.
	Stickers map[storage.Category]string
}

// DefaultStickers covers the categories that traditionally get one.
func DefaultStickers() map[storage.Category]string {
	return map[storage.Category]string{
		storage.CategoryDeadline:    "CAACAgIAAxkBAAEBQ7lmDeadline0LmkAAUPZAAIzAQACVp29CgptaCUVnHFVNAQ",
		storage.CategoryAppointment: "CAACAgIAAxkBAAEBQ7tmAppointmntkAAUPZAAIzAQACVp29Cv10aCUVnHFVNAQ",
		storage.CategoryMeeting:     "CAACAgIAAxkBAAEBQ71mMeeting00LmkAAUPZAAIzAQACVp29Cjc0aCUVnHFVNAQ",
	}
}

type Service struct {
	cfg     Config
	adapter transport.Adapter
	log     logx.Logger
	nowFn   func() time.Time
}

func New(cfg Config, adapter transport.Adapter, log logx.Logger) *Service {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, adapter: adapter, log: log, nowFn: time.Now}
}

// Deliver sends the alert for r. The returned error is nil, *PermanentError
// or *TransientError; the caller never needs adapter-specific knowledge.
func (s *Service) Deliver(ctx context.Context, r storage.Reminder) error {
	now := s.nowFn()
	text := FormatMessage(r, now)
	to := transport.ChatTarget{ChatID: r.UserID}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	if _, err := s.adapter.SendText(sendCtx, to, text, &transport.SendOptions{DisablePreview: true}); err != nil {
		return Classify(err)
	}

	// Secondary sticker is decoration: its failure never taints the result.
	if fileID, ok := s.cfg.Stickers[r.Category]; ok {
		stCtx, stCancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		if err := s.adapter.SendSticker(stCtx, to, fileID); err != nil {
			s.log.Debug("sticker send failed",
				logx.String("reminder_id", r.ID), logx.String("category", string(r.Category)), logx.Err(err))
		}
		stCancel()
	}

	return nil
}

// Classify maps a raw transport error onto the permanent/transient split.
// Anything unrecognized counts as transient so a delivery is never given up
// on a guess.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, transport.ErrRecipientBlocked) || errors.Is(err, transport.ErrChatNotFound) {
		return &PermanentError{Cause: err}
	}
	if permanentByText(err.Error()) {
		return &PermanentError{Cause: err}
	}
	return &TransientError{Cause: err}
}

// permanentByText catches adapters (or wrapped errors) that only surface the
// Bot API description string.
func permanentByText(msg string) bool {
	m := strings.ToLower(msg)
	for _, marker := range []string{
		"chat not found",
		"blocked by the user",
		"bot was blocked",
		"user is deactivated",
		"bot can't initiate conversation",
	} {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}
