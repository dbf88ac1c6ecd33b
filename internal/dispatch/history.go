package dispatch

import (
	"context"
	"fmt"

	"github.com/accord-labs/relay/internal/gateway"
	"github.com/accord-labs/relay/internal/persistence"
)

// conversationHistory rebuilds a multi-turn dialogue that is spread across
// many task rows sharing one master. Only user/assistant trace entries from
// sibling tasks become history turns; the current task's own entries are
// excluded since its user message is passed separately.
func (d *Dispatcher) conversationHistory(ctx context.Context, task *persistence.Task) ([]gateway.Message, error) {
	if task.MasterTaskID == "" {
		return nil, nil
	}
	messages, err := d.store.ListConversationMessages(ctx, task.MasterTaskID)
	if err != nil {
		return nil, fmt.Errorf("reconstruct history: %w", err)
	}
	var history []gateway.Message
	for _, msg := range messages {
		if msg.TaskID == task.ID {
			continue
		}
		switch msg.Type {
		case persistence.MessageUserMessage:
			history = append(history, gateway.Message{Role: "user", Content: msg.Text()})
		case persistence.MessageAssistantMessage:
			history = append(history, gateway.Message{Role: "assistant", Content: msg.Text()})
		}
	}
	return history, nil
}
