package bot

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/3leaps/unreact/pkg/commands"
	"github.com/3leaps/unreact/pkg/scheduler"
)

// MaxMessageLen is Discord's message content limit in characters.
const MaxMessageLen = 2000

func formatPing(latency time.Duration) string {
	if latency <= 0 {
		return "Pong! Gateway latency not measured yet."
	}
	return fmt.Sprintf("Pong! Gateway latency %s.", latency.Round(time.Millisecond))
}

func formatResults(results []commands.Result) string {
	if len(results) == 0 {
		return "No message links given."
	}
	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("%s <%s>: %s", outcomeIcon(r.Outcome), r.Reference, outcomeText(r)))
	}
	return truncate(lines, MaxMessageLen)
}

func outcomeIcon(o commands.Outcome) string {
	switch o {
	case commands.OutcomeStarted, commands.OutcomeStopped:
		return "✅"
	case commands.OutcomeAlreadyActive, commands.OutcomeNotActive:
		return "ℹ️"
	default:
		return "❌"
	}
}

func outcomeText(r commands.Result) string {
	switch r.Outcome {
	case commands.OutcomeStarted:
		return "reactions will be removed"
	case commands.OutcomeAlreadyActive:
		return "already being cleaned"
	case commands.OutcomeInvalid:
		return "not a valid message link"
	case commands.OutcomeContainerNotFound:
		return "channel not found or not visible to the bot"
	case commands.OutcomeMessageNotFound:
		return "message not found"
	case commands.OutcomeUnsupportedContainer:
		if r.Forum {
			return "this is a forum; link a message inside one of its posts instead"
		}
		return "this channel type is not supported"
	case commands.OutcomePersistenceFailed:
		return "could not be saved, please try again"
	case commands.OutcomeStopped:
		return "no longer being cleaned"
	case commands.OutcomeNotActive:
		return "was not being cleaned"
	default:
		return "unexpected error, check the bot logs"
	}
}

func formatDisableAll(n int, err error) string {
	switch {
	case err == nil && n == 0:
		return "Nothing was being cleaned."
	case err == nil:
		return fmt.Sprintf("Stopped cleaning %s.", plural(n, "message"))
	case errors.Is(err, scheduler.ErrStaleRegistry):
		return fmt.Sprintf("Stopped cleaning %s, but the saved list could not be cleared. They may resume after a restart.", plural(n, "message"))
	default:
		return "Could not stop cleaning, please try again."
	}
}

func formatList(entries []scheduler.Entry, interval time.Duration) string {
	if len(entries) == 0 {
		return "No messages are being cleaned."
	}
	header := fmt.Sprintf("Cleaning %s", plural(len(entries), "message"))
	if interval > 0 {
		header += fmt.Sprintf(" every %s", interval)
	}
	lines := []string{header + ":"}
	for _, e := range entries {
		line := fmt.Sprintf("• <%s>", e.Reference)
		switch {
		case !e.Active:
			line += " (saved, not running)"
		case !e.Durable:
			line += " (running, not saved)"
		}
		lines = append(lines, line)
	}
	return truncate(lines, MaxMessageLen)
}

// truncate joins lines with newlines, dropping trailing lines behind an
// "… and N more" marker when the result would exceed limit characters.
func truncate(lines []string, limit int) string {
	full := strings.Join(lines, "\n")
	if utf8.RuneCountInString(full) <= limit {
		return full
	}

	var b strings.Builder
	used := 0
	for i, line := range lines {
		rest := len(lines) - i
		trailer := fmt.Sprintf("… and %d more", rest)
		sep := 0
		if i > 0 {
			sep = 1
		}
		lineLen := utf8.RuneCountInString(line)

		// The line must fit together with the trailer for the lines after it.
		after := rest - 1
		need := used + sep + lineLen
		if after > 0 {
			need += 1 + utf8.RuneCountInString(fmt.Sprintf("… and %d more", after))
		}
		if need > limit {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(trailer)
			return b.String()
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(line)
		used += sep + lineLen
	}
	return b.String()
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
