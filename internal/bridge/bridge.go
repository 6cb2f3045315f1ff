// Package bridge connects the avatar session to the agent gateway: user
// utterances go out as agent invocations, settled replies come back as
// spoken summaries and transcript lines.
package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/codefionn/talkschnell/internal/avatar"
	"github.com/codefionn/talkschnell/internal/gateway"
	"github.com/codefionn/talkschnell/internal/logger"
	"github.com/codefionn/talkschnell/internal/speech"
	"github.com/codefionn/talkschnell/internal/transcript"
)

// FallbackMessage is spoken when an agent run fails or times out. The
// user always hears something for every utterance.
const FallbackMessage = "Sorry, I ran into a problem answering that. Please try again."

// ErrEmptyMessage is returned for typed turns with no text.
var ErrEmptyMessage = errors.New("empty message")

// Agent is the gateway surface the bridge consumes. *gateway.Client
// satisfies it.
type Agent interface {
	State() gateway.State
	Ask(ctx context.Context, message string, opts gateway.AskOptions) (*gateway.RunResult, error)
}

// Bridge routes utterances between an avatar session and the agent
// gateway. One bridge serves one conversation at a time.
type Bridge struct {
	agent   Agent
	session avatar.Session
	store   *transcript.Store
	log     *logger.Logger

	opts speech.Options

	mu             sync.Mutex
	conversationID string
	storeKey       string
}

// New creates a bridge. store may be nil to run without persistence.
func New(agent Agent, session avatar.Session, store *transcript.Store, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.Global()
	}
	return &Bridge{
		agent:   agent,
		session: session,
		store:   store,
		log:     log.WithComponent("bridge"),
		opts:    speech.DefaultOptions(),
	}
}

// SetSpeechBudgets overrides the fallback summary budgets. Zero values
// keep the defaults.
func (b *Bridge) SetSpeechBudgets(maxSentences, maxChars int) {
	if maxSentences > 0 {
		b.opts.MaxSentences = maxSentences
	}
	if maxChars > 0 {
		b.opts.MaxChars = maxChars
	}
}

// Start subscribes the bridge to user utterances from the avatar session.
// Each utterance is handled on its own goroutine so a slow agent run
// never blocks the SDK callback.
func (b *Bridge) Start(ctx context.Context) {
	b.session.OnUserUtterance(func(text string) {
		go b.handleUtterance(ctx, text)
	})
	b.session.OnQualityChange(func(q avatar.Quality) {
		if q != avatar.QualityGood {
			b.log.Warn("avatar session quality is %s", q)
		}
	})
}

// ResumeConversation makes the bridge continue an existing conversation
// instead of starting a fresh one.
func (b *Bridge) ResumeConversation(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversationID = conversationID
	b.storeKey = conversationID
}

// ConversationID returns the current conversation ID, or "" before the
// first settled run.
func (b *Bridge) ConversationID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conversationID
}

// handleUtterance runs one voice turn: record, ask, speak.
func (b *Bridge) handleUtterance(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	b.log.Info("user said: %s", text)
	b.record(transcript.Utterance{Role: transcript.RoleUser, Text: text})

	reply, err := b.ask(ctx, text)
	if err != nil {
		b.log.Error("agent run failed: %v", err)
		b.speak(ctx, FallbackMessage)
		return
	}

	b.record(transcript.Utterance{Role: transcript.RoleAgent, Text: reply.Display, RunID: reply.RunID})
	b.speak(ctx, reply.Summary)
}

// Reply is the settled outcome of one agent turn.
type Reply struct {
	// Summary is the short spoken form of the reply.
	Summary string
	// Display is the full reply text with summary markers removed.
	Display string
	// RunID identifies the run that produced the reply.
	RunID string
}

// HandleTyped runs one typed-chat turn and returns the reply for
// rendering. Typed turns share the bridge's conversation with voice
// turns but are not spoken.
func (b *Bridge) HandleTyped(ctx context.Context, text string) (*Reply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	b.record(transcript.Utterance{Role: transcript.RoleUser, Text: text})

	reply, err := b.ask(ctx, text)
	if err != nil {
		return nil, err
	}
	b.record(transcript.Utterance{Role: transcript.RoleAgent, Text: reply.Display, RunID: reply.RunID})
	return reply, nil
}

// ask sends one message through the gateway and extracts the spoken
// summary from the settled result.
func (b *Bridge) ask(ctx context.Context, text string) (*Reply, error) {
	b.mu.Lock()
	conversationID := b.conversationID
	b.mu.Unlock()

	result, err := b.agent.Ask(ctx, speech.WrapPrompt(text), gateway.AskOptions{
		ConversationID: conversationID,
	})
	if err != nil {
		return nil, err
	}

	if result.ConversationID != "" {
		b.mu.Lock()
		b.conversationID = result.ConversationID
		if b.storeKey == "" {
			b.storeKey = result.ConversationID
		}
		b.mu.Unlock()
	}

	extracted := speech.Extract(result.Text, b.opts)
	return &Reply{
		Summary: extracted.Summary,
		Display: extracted.Display,
		RunID:   result.RunID,
	}, nil
}

func (b *Bridge) speak(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if err := b.session.Speak(ctx, text); err != nil {
		b.log.Error("speak failed: %v", err)
	}
}

// record persists one transcript line when a store is attached. The
// conversation key falls back to "default" until the gateway assigns a
// conversation ID.
func (b *Bridge) record(u transcript.Utterance) {
	if b.store == nil {
		return
	}
	b.mu.Lock()
	key := b.storeKey
	b.mu.Unlock()
	if key == "" {
		key = "default"
	}
	if err := b.store.Append(key, u); err != nil {
		b.log.Warn("transcript append failed: %v", err)
	}
}
