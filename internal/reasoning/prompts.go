package reasoning

import (
	"fmt"
	"strings"
)

const classifyPrompt = `You route personal log messages.
Decide whether the message records something worth keeping (activity, note or todo) or is conversation directed at the assistant.
Reply with a JSON object: {"intent": "capture" | "conversation", "confidence": 0..1, "reasoning": "<one sentence>"}.`

const multiPrompt = `You extract structured facts from a personal log message.
A message may contain any combination of an activity (something the user did), a note (a thought worth keeping) and a todo (something to do).
Reply with a JSON object with keys "activity", "note" and "todo". Use null for kinds that are absent.
activity: {"category", "description", "confidence"}. note: {"category", "title", "text", "confidence"}. todo: {"category", "description", "priority", "confidence"}.
Confidence is between 0 and 1. Prefer an existing category when one fits.`

const singlePrompt = `You turn a tagged log message into one KIND record.
Reply with a JSON object: {"category": "<short lowercase category>", "title": "<optional>", "text": "<cleaned text>", "priority": "" | "low" | "medium" | "high"}.
Prefer an existing category when one fits.`

const summaryPrompt = `You summarize a conversation or a set of recent records for the user.
Reply with a JSON object: {"summary": "<short paragraph>", "items": ["<notable item>", ...]}.`

const conversePrompt = `You are a concise personal assistant. The user keeps a log of activities, notes and todos with you. Answer directly.`

func vocabularyLine(vocab []string) string {
	if len(vocab) == 0 {
		return "Existing categories: none yet."
	}
	return fmt.Sprintf("Existing categories: %s.", strings.Join(vocab, ", "))
}
