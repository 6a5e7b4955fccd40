package corpus

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/CorpusPipe/internal/messaging"
	"github.com/BTreeMap/CorpusPipe/internal/models"
)

// Matcher answers incoming messages with the replies of every rule they fire.
type Matcher struct {
	rules  *RuleStore
	sender messaging.Sender
}

// NewMatcher creates a Matcher reading rules from rules and replying through sender.
func NewMatcher(rules *RuleStore, sender messaging.Sender) *Matcher {
	return &Matcher{rules: rules, sender: sender}
}

// Fires reports whether rule fires for msg received in a chat of type ct.
// Both modes are matched exactly.
func Fires(rule models.Rule, msg models.Message, ct models.ChatType) bool {
	if !rule.Scene.Allows(ct) {
		return false
	}
	return rule.Keyword.Equal(msg)
}

// Match returns the rendered replies of every rule that fires, in store order.
func (m *Matcher) Match(msg models.Message, ct models.ChatType) []models.Message {
	var replies []models.Message
	for _, rule := range m.rules.All() {
		if Fires(rule, msg, ct) {
			replies = append(replies, Render(rule.Reply))
		}
	}
	return replies
}

// HandleEvent is the low-priority dispatcher handler. A failed send is logged
// and the remaining replies are still attempted.
func (m *Matcher) HandleEvent(ctx context.Context, ev models.MessageEvent) (bool, error) {
	replies := m.Match(ev.Message, ev.Chat.Type)
	if len(replies) == 0 {
		return false, nil
	}
	slog.Debug("Matcher.HandleEvent: rules fired", "userID", ev.UserID, "chat", ev.Chat.ID, "count", len(replies))
	for _, reply := range replies {
		if err := m.sender.SendMessage(ctx, ev.Chat, reply); err != nil {
			slog.Error("Matcher.HandleEvent: send failed", "error", err, "chat", ev.Chat.ID)
		}
	}
	return true, nil
}
