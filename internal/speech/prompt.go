package speech

import "strings"

// speakInstructions tells the agent to lead its reply with a short
// delimited block suitable for speech synthesis. Kept terse so it costs
// little context on every turn.
const speakInstructions = "When you reply, include a short spoken summary " +
	"of at most two sentences wrapped in " + OpenMarker + " and " + CloseMarker +
	" markers. Put the full answer outside the markers."

// WrapPrompt prepends the spoken-summary formatting instructions to a user
// message before it is sent to the agent.
func WrapPrompt(message string) string {
	var sb strings.Builder
	sb.Grow(len(speakInstructions) + len(message) + 2)
	sb.WriteString(speakInstructions)
	sb.WriteString("\n\n")
	sb.WriteString(message)
	return sb.String()
}
