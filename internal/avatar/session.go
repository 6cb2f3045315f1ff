// Package avatar wraps the third-party avatar/voice SDK behind a narrow
// surface: speak text, observe user utterances and watch session quality.
// The SDK itself (video, audio, rendering) stays a black box on the
// browser side.
package avatar

import (
	"context"

	"github.com/codefionn/talkschnell/internal/logger"
)

// Quality describes the avatar session's connection quality signal.
type Quality string

const (
	QualityGood     Quality = "good"
	QualityDegraded Quality = "degraded"
	QualityBad      Quality = "bad"
)

// UtteranceHandler receives the text of something the user said.
type UtteranceHandler func(text string)

// QualityHandler receives connection-quality changes from the SDK.
type QualityHandler func(q Quality)

// Session is the avatar SDK surface the bridge consumes.
type Session interface {
	// Speak asks the avatar to speak the given text.
	Speak(ctx context.Context, text string) error
	// OnUserUtterance registers a handler for "user said text" events.
	OnUserUtterance(fn UtteranceHandler)
	// OnQualityChange registers a handler for connection-quality signals.
	OnQualityChange(fn QualityHandler)
	// Close tears down the avatar session.
	Close() error
}

// discardSession is a Session that logs speech instead of rendering it.
// Used in headless and test runs where no avatar SDK is attached.
type discardSession struct {
	log *logger.Logger
}

// Discard returns a Session that logs spoken text and emits no events.
func Discard(log *logger.Logger) Session {
	if log == nil {
		log = logger.Global()
	}
	return &discardSession{log: log.WithComponent("avatar")}
}

func (s *discardSession) Speak(_ context.Context, text string) error {
	s.log.Info("speak: %s", text)
	return nil
}

func (s *discardSession) OnUserUtterance(UtteranceHandler) {}
func (s *discardSession) OnQualityChange(QualityHandler)   {}
func (s *discardSession) Close() error                     { return nil }
