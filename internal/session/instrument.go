package session

import (
	"context"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/parley/internal/conversation"
	"github.com/MikeSquared-Agency/parley/internal/hermes"
	"github.com/MikeSquared-Agency/parley/internal/metrics"
)

const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeAborted = "aborted"
)

type instrumentedStream struct {
	inner     conversation.CompletionStream
	owner     string
	provider  string
	publisher Publisher
	logger    *slog.Logger
}

func (s *instrumentedStream) Stream(ctx context.Context, transcript []conversation.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		start := time.Now()
		var (
			partial   strings.Builder
			fragments int
		)
		outcome := outcomeAborted
		defer func() {
			metrics.CompletionsTotal.WithLabelValues(s.provider, outcome).Inc()
			metrics.CompletionDuration.WithLabelValues(s.provider).Observe(time.Since(start).Seconds())
			if outcome == outcomeOK {
				metrics.CompletionFragments.WithLabelValues(s.provider).Observe(float64(fragments))
			}
		}()

		for delta, err := range s.inner.Stream(ctx, transcript) {
			if err != nil {
				outcome = outcomeError
				publish(s.publisher, s.logger, hermes.SubjectCompletionFailed, hermes.CompletionFailed{
					Owner:    s.owner,
					Provider: s.provider,
					Error:    err.Error(),
					Partial:  partial.String(),
					At:       time.Now().UTC(),
				})
				yield("", err)
				return
			}
			if delta != "" {
				fragments++
				partial.WriteString(delta)
			}
			if !yield(delta, nil) {
				return
			}
		}
		outcome = outcomeOK
	}
}

type instrumentedPersistence struct {
	inner     conversation.Persistence
	backend   string
	publisher Publisher
	logger    *slog.Logger
}

func (p *instrumentedPersistence) Save(ctx context.Context, owner string, c conversation.Conversation) error {
	err := p.inner.Save(ctx, owner, c)
	p.observe("save", err)
	if err != nil {
		return err
	}
	publish(p.publisher, p.logger, hermes.SubjectConversationSaved, hermes.ConversationSaved{
		Owner:          owner,
		ConversationID: c.ID,
		Title:          c.Title,
		MessageCount:   len(c.Messages),
		At:             time.Now().UTC(),
	})
	return nil
}

func (p *instrumentedPersistence) LoadAll(ctx context.Context, owner string) ([]conversation.Conversation, error) {
	convs, err := p.inner.LoadAll(ctx, owner)
	p.observe("load", err)
	return convs, err
}

func (p *instrumentedPersistence) Delete(ctx context.Context, owner, id string) error {
	err := p.inner.Delete(ctx, owner, id)
	p.observe("delete", err)
	if err != nil {
		return err
	}
	publish(p.publisher, p.logger, hermes.SubjectConversationDeleted, hermes.ConversationDeleted{
		Owner:          owner,
		ConversationID: id,
		At:             time.Now().UTC(),
	})
	return nil
}

func (p *instrumentedPersistence) observe(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		p.logger.Error("persistence failed", "backend", p.backend, "op", op, "error", err)
	}
	metrics.PersistenceOps.WithLabelValues(p.backend, op, status).Inc()
}

// publish is best effort. Events never fail the operation that caused them.
func publish(p Publisher, logger *slog.Logger, subject string, data any) {
	if p == nil {
		return
	}
	if err := p.Publish(subject, data); err != nil {
		logger.Warn("publish event", "subject", subject, "error", err)
	}
}
