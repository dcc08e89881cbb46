package notifier

import (
	"strings"
	"time"

	"remindbot/internal/storage"
)

var categoryEmoji = map[storage.Category]string{
	storage.CategoryTask:        "📝",
	storage.CategoryEvent:       "🎉",
	storage.CategoryMeeting:     "🤝",
	storage.CategoryAppointment: "📅",
	storage.CategoryBirthday:    "🎂",
	storage.CategoryDeadline:    "⚠️",
}

// overdueAfter is the slack between due_at and send time before a reminder
// is announced as overdue instead of due now.
const overdueAfter = 5 * time.Minute

// FormatMessage renders the alert text for a due reminder.
func FormatMessage(r storage.Reminder, now time.Time) string {
	emoji, ok := categoryEmoji[r.Category]
	if !ok {
		emoji = categoryEmoji[storage.CategoryTask]
	}

	status := "DUE NOW"
	if now.Sub(r.DueAt) > overdueAfter {
		status = "OVERDUE"
	}

	var b strings.Builder
	b.WriteString("🔔 Reminder!\n\n")
	b.WriteString(emoji)
	b.WriteString(" ")
	b.WriteString(r.Title)
	b.WriteString("\n")
	if desc := strings.TrimSpace(r.Description); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n")
	}
	b.WriteString("\n⏰ Due: ")
	b.WriteString(r.DueAt.UTC().Format("2006-01-02 15:04 MST"))
	b.WriteString(" (")
	b.WriteString(status)
	b.WriteString(")\n🏷 Category: ")
	b.WriteString(string(r.Category))
	return b.String()
}
