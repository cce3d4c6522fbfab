package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harun/hive/pkg/mailbox"
	"github.com/harun/hive/pkg/sleepwake"
	"github.com/harun/hive/pkg/taskqueue"
	"github.com/harun/hive/pkg/tools"
)

// inputMessage renders a task as the conversation message that starts or
// resumes a turn.
func inputMessage(task *taskqueue.Task) Message {
	switch task.Kind {
	case taskqueue.KindToolResult:
		res := toolResultPayload(task.Payload)
		return Message{Role: RoleTool, Content: res.Content, ToolCallID: task.CallID, IsError: res.IsError}
	case taskqueue.KindMailboxDelivery:
		if msg, ok := task.Payload.(mailbox.Message); ok {
			return Message{Role: RoleUser, Content: formatMail(msg)}
		}
	case taskqueue.KindWakeTimer, taskqueue.KindWakeEvent:
		if w, ok := task.Payload.(sleepwake.Wake); ok {
			return Message{Role: RoleUser, Content: formatWake(w)}
		}
	}
	return Message{Role: RoleUser, Content: payloadText(task.Payload)}
}

func toolResultPayload(p interface{}) tools.Result {
	switch v := p.(type) {
	case tools.Result:
		return v
	case *tools.Result:
		if v != nil {
			return *v
		}
	case error:
		return tools.ErrorResult(v)
	}
	return tools.Result{Content: payloadText(p)}
}

func formatMail(msg mailbox.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New mail from %s (id %s, priority %s", msg.FromAgentID, msg.ID, msg.Priority)
	if msg.InReplyTo != "" {
		fmt.Fprintf(&b, ", reply to %s", msg.InReplyTo)
	}
	b.WriteString(")\n")
	if msg.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	}
	b.WriteString("\n")
	b.WriteString(msg.Body)
	return b.String()
}

func formatWake(w sleepwake.Wake) string {
	slept := w.At.Sub(w.SleptAt).Round(time.Second)
	text := fmt.Sprintf("You woke up after %v (%s)", slept, w.Source)
	if w.Event != "" {
		text += fmt.Sprintf(": event %q", w.Event)
	} else if w.Reason != "" {
		text += ": " + w.Reason
	}
	if w.Data != nil {
		text += "\nEvent data: " + payloadText(w.Data)
	}
	return text
}

func payloadText(p interface{}) string {
	switch v := p.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprint(p)
	}
	return string(data)
}
