package messaging

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/TravelDiary/internal/achievement"
	"github.com/BTreeMap/TravelDiary/internal/flow"
	"github.com/BTreeMap/TravelDiary/internal/models"
)

// HelpMessage lists the chat commands.
const HelpMessage = "Welcome to your travel diary!\n" +
	"/trip - record a trip\n" +
	"/place <trip id> - add a place to a trip\n" +
	"/quick - quickly add a single place\n" +
	"/premium - get premium\n" +
	"/achievements - see your achievements\n" +
	"/cancel - stop the current entry"

// RenderOutcome turns an engine outcome into a chat message.
func RenderOutcome(out flow.Outcome) string {
	var b strings.Builder
	switch out.Kind {
	case flow.OutcomePrompt:
		b.WriteString(out.Prompt)
	case flow.OutcomeCompleted:
		b.WriteString(completedMessage(out.Flow, out.RecordID))
	default:
		b.WriteString(out.Reason)
	}
	for _, r := range out.Unlocked {
		fmt.Fprintf(&b, "\n🏆 Achievement unlocked: %s (%s)", r.Name, r.Description)
	}
	return b.String()
}

func completedMessage(kind models.FlowType, id int64) string {
	switch kind {
	case models.FlowTrip:
		return fmt.Sprintf("✅ Trip #%d saved. Send /trip to record another one or /achievements to see your progress.", id)
	case models.FlowPlace:
		return fmt.Sprintf("✅ Place #%d added to your trip.", id)
	case models.FlowQuickAdd:
		return fmt.Sprintf("✅ Place #%d saved.", id)
	case models.FlowPremium:
		return fmt.Sprintf("✅ Payment request #%d received. Premium is activated once the payment is checked.", id)
	}
	return "✅ Done."
}

// RenderProgress lists every achievement with its unlock state.
func RenderProgress(statuses []achievement.Status) string {
	unlocked := 0
	for _, s := range statuses {
		if s.Unlocked {
			unlocked++
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Achievements %d/%d", unlocked, len(statuses))
	for _, s := range statuses {
		mark := "⬜"
		if s.Unlocked {
			mark = "✅"
		}
		fmt.Fprintf(&b, "\n%s %s: %s", mark, s.Rule.Name, s.Rule.Description)
	}
	return b.String()
}
