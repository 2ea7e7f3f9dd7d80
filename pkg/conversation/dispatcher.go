package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/voice-relay/pkg/realtime"
)

// followUpInstruction asks the model to continue the turn with the tool
// result it was just handed.
const followUpInstruction = "Respond to the user's request based on this information: %s. Be concise and friendly."

// Dispatcher forwards model-issued tool invocations to the external handler
// and re-injects the result as a new conversation turn.
type Dispatcher struct {
	tools  ToolHandler
	store  Store
	send   func(*realtime.ClientEvent) error
	logger *slog.Logger
	sess   SessionContext
}

func newDispatcher(tools ToolHandler, store Store, send func(*realtime.ClientEvent) error, logger *slog.Logger, sess SessionContext) *Dispatcher {
	return &Dispatcher{tools: tools, store: store, send: send, logger: logger, sess: sess}
}

// Dispatch runs one tool invocation end to end: parse arguments, invoke the
// handler, synthesize the function_call_output item, persist it, and push
// the output plus a follow-up response request upstream. Handler failure
// propagates to the caller, which decides whether to apologize to the user.
func (d *Dispatcher) Dispatch(ctx context.Context, callID, name, rawArgs string) error {
	if d.tools == nil {
		return fmt.Errorf("no tool handler registered for %q", name)
	}
	if name == "" {
		return fmt.Errorf("function call %s has no name", callID)
	}

	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return fmt.Errorf("parse arguments for %s: %w", name, err)
		}
	}

	output, err := d.tools.Invoke(ctx, name, args, d.sess)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", name, err)
	}
	d.logger.Info("function call handled", "name", name, "call_id", callID)

	item := Item{
		ID:        "item_" + uuid.NewString(),
		Role:      "system",
		Kind:      KindFunctionCallOutput,
		Status:    StatusCompleted,
		CallID:    callID,
		Name:      name,
		Output:    output,
		CreatedAt: time.Now(),
	}
	if d.store != nil {
		go func() {
			if err := d.store.SaveItem(ctx, item, d.sess); err != nil {
				d.logger.Warn("persist function output failed", "call_id", callID, "error", err)
			}
		}()
	}

	if err := d.send(realtime.CreateFunctionOutput(callID, output)); err != nil {
		return fmt.Errorf("send output for %s: %w", name, err)
	}
	if err := d.send(realtime.CreateResponse(fmt.Sprintf(followUpInstruction, output))); err != nil {
		return fmt.Errorf("request follow-up for %s: %w", name, err)
	}
	return nil
}
