package runner

import (
	"fmt"
	"strings"

	"roost/pkg/protocol"
)

// BuildPrompt translates a trigger into the directive instruction handed
// to the subprocess. Pure and total over the trigger union: every defined
// kind yields a non-empty instruction embedding the relevant IDs and
// counts, and unrecognized kinds fall back to defaultPrompt.
func BuildPrompt(trigger protocol.Trigger, defaultPrompt string) string {
	switch trigger.Kind {
	case protocol.TriggerTaskAssigned:
		return fmt.Sprintf("You have been assigned task %s. Fetch its details, work it to completion, and update its status when done.", trigger.TaskID)

	case protocol.TriggerTaskOffered:
		return fmt.Sprintf("Task %s has been offered to you. Review it, claim it if it matches your capabilities, and begin working on it.", trigger.TaskID)

	case protocol.TriggerUnreadMentions:
		return fmt.Sprintf("You have %d unread mention(s). Read them and respond or act on each.", trigger.Count)

	case protocol.TriggerPoolTasksAvailable:
		return fmt.Sprintf("There are %d unassigned task(s) in the pool. Claim one and work it to completion.", trigger.Count)

	case protocol.TriggerTasksFinished:
		return buildTasksFinishedPrompt(trigger)

	case protocol.TriggerInboxMessage:
		return buildInboxPrompt(trigger)

	default:
		return defaultPrompt
	}
}

func buildTasksFinishedPrompt(trigger protocol.Trigger) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d task(s) have finished. Review the following finished tasks and aggregate their results:\n", trigger.Count)
	for _, t := range trigger.Tasks {
		fmt.Fprintf(&b, "- %s", t.ID)
		if t.Title != "" {
			fmt.Fprintf(&b, " (%s)", t.Title)
		}
		fmt.Fprintf(&b, ": %s\n", t.Status)
	}
	return b.String()
}

func buildInboxPrompt(trigger protocol.Trigger) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d new inbox message(s):\n", trigger.Count)
	for _, m := range trigger.Messages {
		fmt.Fprintf(&b, "- from %s", m.From)
		if m.Subject != "" {
			fmt.Fprintf(&b, " [%s]", m.Subject)
		}
		fmt.Fprintf(&b, ": %s\n", m.Body)
	}
	b.WriteString("Handle each message appropriately.")
	return b.String()
}
