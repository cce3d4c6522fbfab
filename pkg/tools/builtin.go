package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/hive/pkg/mailbox"
	"github.com/harun/hive/pkg/sleepwake"
)

// Builtin tool names
const (
	ToolSendMail    = "send_mail"
	ToolCheckMail   = "check_mail"
	ToolReplyMail   = "reply_mail"
	ToolArchiveMail = "archive_mail"
	ToolSleep       = "sleep"
)

var errNoCaller = errors.New("tool must be called by an agent")

// Postbox is the part of the mailbox the builtin tools use
type Postbox interface {
	Send(ctx context.Context, msg mailbox.Message) (string, error)
	Reply(ctx context.Context, originalID, body string, priority mailbox.Priority) (string, error)
	CheckMail(ctx context.Context, agentID string, opts mailbox.CheckOptions) ([]mailbox.Message, error)
	Archive(ctx context.Context, messageID string) error
	Get(messageID string) (mailbox.Message, error)
}

// Sleeper applies a sleep requested by an agent once its current step ends
type Sleeper interface {
	RequestSleep(agentID string, req sleepwake.Request) error
}

// RegisterBuiltins adds the mailbox and sleep tools. sleeper may be nil, in
// which case the sleep tool is not registered.
func RegisterBuiltins(e *Executor, box Postbox, sleeper Sleeper) error {
	defs := []Tool{
		{
			Name:        ToolSendMail,
			Description: "Send a message to another agent, or to \"user\" for the human operator",
			Parameters: []Parameter{
				{Name: "to", Type: "string", Description: "Recipient agent ID", Required: true},
				{Name: "subject", Type: "string", Description: "Short subject line"},
				{Name: "body", Type: "string", Description: "Message body", Required: true},
				{Name: "priority", Type: "string", Description: "Message priority", Enum: []string{"urgent", "high", "normal", "low"}},
			},
			Handler: sendMailHandler(box),
		},
		{
			Name:        ToolCheckMail,
			Description: "List unread messages in your inbox, most urgent first, and mark them read",
			Parameters: []Parameter{
				{Name: "include_read", Type: "boolean", Description: "Also list messages already read"},
				{Name: "limit", Type: "integer", Description: "Maximum number of messages"},
			},
			Handler: checkMailHandler(box),
		},
		{
			Name:        ToolReplyMail,
			Description: "Reply to a message in your inbox; the reply goes to its sender in the same thread",
			Parameters: []Parameter{
				{Name: "message_id", Type: "string", Description: "ID of the message to answer", Required: true},
				{Name: "body", Type: "string", Description: "Reply body", Required: true},
				{Name: "priority", Type: "string", Description: "Reply priority", Enum: []string{"urgent", "high", "normal", "low"}},
			},
			Handler: replyMailHandler(box),
		},
		{
			Name:        ToolArchiveMail,
			Description: "Archive a message in your inbox",
			Parameters: []Parameter{
				{Name: "message_id", Type: "string", Description: "ID of the message to archive", Required: true},
			},
			Handler: archiveMailHandler(box),
		},
	}
	if sleeper != nil {
		defs = append(defs, Tool{
			Name:        ToolSleep,
			Description: "Sleep after this step until a timer elapses or a wake event is broadcast",
			Parameters: []Parameter{
				{Name: "seconds", Type: "number", Description: "Sleep duration in seconds"},
				{Name: "wake_at", Type: "string", Description: "RFC 3339 time to wake at"},
				{Name: "cron", Type: "string", Description: "Five-field cron expression; wake at its next tick"},
				{Name: "events", Type: "array", Description: "Event names that end the sleep"},
				{Name: "reason", Type: "string", Description: "Why the agent sleeps"},
			},
			Handler: sleepHandler(sleeper),
		})
	}

	for _, def := range defs {
		if err := e.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func callerID(ctx context.Context) (string, error) {
	call, ok := CallFromContext(ctx)
	if !ok || call.AgentID == "" {
		return "", errNoCaller
	}
	return call.AgentID, nil
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func sendMailHandler(box Postbox) Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		from, err := callerID(ctx)
		if err != nil {
			return nil, err
		}
		priority, err := mailbox.ParsePriority(stringArg(args, "priority"))
		if err != nil {
			return nil, err
		}

		id, err := box.Send(ctx, mailbox.Message{
			FromAgentID: from,
			ToAgentID:   stringArg(args, "to"),
			Subject:     stringArg(args, "subject"),
			Body:        stringArg(args, "body"),
			Priority:    priority,
		})
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("sent message %s", id), nil
	}
}

func checkMailHandler(box Postbox) Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		agentID, err := callerID(ctx)
		if err != nil {
			return nil, err
		}

		opts := mailbox.CheckOptions{}
		if v, ok := args["include_read"].(bool); ok {
			opts.IncludeRead = v
		}
		if v, ok := args["limit"].(float64); ok && v > 0 {
			opts.Limit = int(v)
		}
		if v, ok := args["limit"].(int); ok && v > 0 {
			opts.Limit = v
		}

		msgs, err := box.CheckMail(ctx, agentID, opts)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			return "no new messages", nil
		}
		data, err := json.Marshal(msgs)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
}

func ownMessage(box Postbox, agentID, messageID string) error {
	msg, err := box.Get(messageID)
	if err != nil {
		return err
	}
	if msg.ToAgentID != agentID {
		return fmt.Errorf("message %s is not in the inbox of %s", messageID, agentID)
	}
	return nil
}

func replyMailHandler(box Postbox) Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		agentID, err := callerID(ctx)
		if err != nil {
			return nil, err
		}
		messageID := stringArg(args, "message_id")
		if err := ownMessage(box, agentID, messageID); err != nil {
			return nil, err
		}
		priority, err := mailbox.ParsePriority(stringArg(args, "priority"))
		if err != nil {
			return nil, err
		}

		id, err := box.Reply(ctx, messageID, stringArg(args, "body"), priority)
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("sent reply %s", id), nil
	}
}

func archiveMailHandler(box Postbox) Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		agentID, err := callerID(ctx)
		if err != nil {
			return nil, err
		}
		messageID := stringArg(args, "message_id")
		if err := ownMessage(box, agentID, messageID); err != nil {
			return nil, err
		}
		if err := box.Archive(ctx, messageID); err != nil {
			return nil, err
		}
		return fmt.Sprintf("archived message %s", messageID), nil
	}
}

func sleepHandler(sleeper Sleeper) Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		agentID, err := callerID(ctx)
		if err != nil {
			return nil, err
		}

		req := sleepwake.Request{
			WakeCron: stringArg(args, "cron"),
			Reason:   stringArg(args, "reason"),
		}
		if v, ok := args["seconds"].(float64); ok {
			req.Duration = time.Duration(v * float64(time.Second))
		}
		if v := stringArg(args, "wake_at"); v != "" {
			at, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("invalid wake_at: %w", err)
			}
			req.WakeAt = at
		}
		if events, ok := args["events"].([]interface{}); ok {
			for _, ev := range events {
				if s, ok := ev.(string); ok {
					req.Events = append(req.Events, s)
				}
			}
		}

		if err := sleeper.RequestSleep(agentID, req); err != nil {
			return nil, err
		}
		return "sleep scheduled; it starts when this step ends", nil
	}
}
