package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AskOptions tunes a single agent invocation.
type AskOptions struct {
	// ConversationID carries conversational context across calls. Empty
	// starts a fresh conversation; the accept response may assign one.
	ConversationID string
	// Deadline overrides the configured run deadline.
	Deadline time.Duration
}

// Ask sends one message to the agent and aggregates its streamed reply
// into a single result. The message should already carry any formatting
// instructions for the agent; Ask only handles transport and reassembly.
//
// The run settles exactly once: with the accumulated text on a lifecycle
// end phase, with a *RunError on an error phase, or with ErrRunTimeout if
// no terminal phase arrives within the deadline. Callers should treat any
// error as recoverable and substitute fallback output.
func (c *Client) Ask(ctx context.Context, message string, opts AskOptions) (*RunResult, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = c.cfg.RunDeadline
	}

	params := AgentParams{
		Message:        message,
		IdempotencyKey: uuid.New().String(),
		SessionKey:     c.SessionKey(),
		ConversationID: opts.ConversationID,
	}

	payload, err := c.Request(ctx, MethodAgent, params)
	if err != nil {
		return nil, err
	}

	accept, err := DecodePayload[AgentAccept](payload)
	if err != nil {
		return nil, err
	}
	if accept.RunID == "" {
		return nil, &RequestError{Method: MethodAgent, Code: "NO_RUN", Message: "accept response carried no run id"}
	}

	c.log.Debug("agent run %s accepted (status=%s)", accept.RunID, accept.Status)

	// Events for this run may already be sitting in the early buffer;
	// adopt replays them before live events flow in.
	collector := c.runs.adopt(accept.RunID, deadline)

	result, err := collector.wait(ctx)
	if err != nil {
		return nil, err
	}
	result.ConversationID = accept.ConversationID
	if result.ConversationID == "" {
		result.ConversationID = opts.ConversationID
	}
	return result, nil
}
