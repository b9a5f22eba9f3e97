package config

import (
	"time"

	"quiz-session-client/internal/app"
)

// Options converts the session section into controller options, falling
// back to the defaults for anything unset.
func (s Session) Options() app.Options {
	d := app.DefaultOptions()
	opts := app.Options{
		HeartbeatInterval:         Duration(s.HeartbeatInterval, d.HeartbeatInterval),
		PracticeHeartbeatInterval: Duration(s.PracticeHeartbeatInterval, d.PracticeHeartbeatInterval),
		TickInterval:              Duration(s.TickInterval, d.TickInterval),
		SyncInterval:              Duration(s.SyncInterval, d.SyncInterval),
		FlushTimeout:              Duration(s.FlushTimeout, d.FlushTimeout),
		DegradedAfter:             s.DegradedAfter,
		ExamMaxPauses:             d.ExamMaxPauses,
		Retry: app.RetryPolicy{
			MaxAttempts:     s.Retry.MaxAttempts,
			InitialInterval: Duration(s.Retry.InitialInterval, d.Retry.InitialInterval),
			MaxInterval:     Duration(s.Retry.MaxInterval, d.Retry.MaxInterval),
		},
		Background: true,
		Now:        time.Now,
	}
	if s.ExamMaxPauses != nil {
		opts.ExamMaxPauses = *s.ExamMaxPauses
	}
	return opts
}
