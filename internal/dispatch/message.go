package dispatch

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/wakeup-engine/internal/pinger"
)

const noReply = "(no reply)"

// FormatSuccess renders a successful ping as
// "<model>: <reply> (<ms>ms · tokens p/c/t · trace <id>)".
// Token counts appear when the prompt or total count is known.
func FormatSuccess(model string, resp *pinger.Response, durationMs int64) string {
	reply := strings.TrimSpace(resp.Reply)
	if reply == "" {
		reply = noReply
	}
	details := []string{fmt.Sprintf("%dms", durationMs)}
	if resp.PromptTokens != nil || resp.TotalTokens != nil {
		details = append(details, fmt.Sprintf("tokens %s/%s/%s",
			countOrUnknown(resp.PromptTokens),
			countOrUnknown(resp.CompletionTokens),
			countOrUnknown(resp.TotalTokens)))
	}
	if resp.TraceID != "" {
		details = append(details, "trace "+resp.TraceID)
	}
	return fmt.Sprintf("%s: %s (%s)", model, reply, strings.Join(details, " · "))
}

func countOrUnknown(n *int) string {
	if n == nil {
		return "?"
	}
	return fmt.Sprint(*n)
}
