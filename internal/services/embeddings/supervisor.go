// Package embeddings contains the async task supervisor that decouples
// embedding generation from the translation stage that triggers it.
package embeddings

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/sapientpants/doctrans-sub001/internal/breaker"
	"github.com/sapientpants/doctrans-sub001/internal/common"
	"github.com/sapientpants/doctrans-sub001/internal/interfaces"
	"github.com/sapientpants/doctrans-sub001/internal/models"
	"github.com/sapientpants/doctrans-sub001/internal/retry"
)

// Options configures the supervisor.
type Options struct {
	// MaxConcurrent bounds how many embedding tasks run in parallel.
	MaxConcurrent int
	// MaxAttempts is the bounded retry ceiling inside one task.
	MaxAttempts int
	// RetryBase and RetryMax bound the backoff between attempts.
	RetryBase time.Duration
	RetryMax  time.Duration
	// EmbedTimeout is the per-call timeout for embedding requests.
	EmbedTimeout time.Duration
	// Delay is the sleep function between retry attempts; tests inject a
	// zero-delay clock so no real time passes.
	Delay func(time.Duration)
}

// OptionsFromConfig builds supervisor options from the application config.
func OptionsFromConfig(cfg *common.Config) Options {
	return Options{
		MaxConcurrent: cfg.Embedding.MaxConcurrent,
		MaxAttempts:   cfg.Embedding.MaxAttempts,
		RetryBase:     cfg.Embedding.RetryBaseDuration(),
		RetryMax:      cfg.Embedding.RetryMaxDuration(),
		EmbedTimeout:  cfg.LLM.EmbedTimeoutDuration(),
	}
}

// taskEvent reports the outcome of one spawned task back to the run loop.
type taskEvent struct {
	handle  uint64
	pageID  string
	err     error
	crashed bool
}

// Supervisor launches isolated, monitored embedding tasks. Its bookkeeping
// (the handle-to-page map) is touched only by its own sequential run loop;
// the tasks it spawns run fully in parallel with each other and with the
// supervisor, and a crash in one task never takes the supervisor down.
type Supervisor struct {
	pages    interfaces.PageStorage
	ai       interfaces.AIService
	breakers *breaker.Registry
	opts     Options
	logger   arbor.ILogger

	submit chan string
	events chan taskEvent
	sem    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	loopWg sync.WaitGroup
	taskWg sync.WaitGroup
}

// NewSupervisor creates an embedding supervisor.
func NewSupervisor(pages interfaces.PageStorage, aiService interfaces.AIService, breakers *breaker.Registry, opts Options, logger arbor.ILogger) *Supervisor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 20
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = 60 * time.Second
	}
	if opts.Delay == nil {
		opts.Delay = time.Sleep
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Supervisor{
		pages:    pages,
		ai:       aiService,
		breakers: breakers,
		opts:     opts,
		logger:   logger,
		submit:   make(chan string, 256),
		events:   make(chan taskEvent, opts.MaxConcurrent),
		sem:      make(chan struct{}, opts.MaxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the supervisor's run loop.
func (s *Supervisor) Start() {
	s.loopWg.Add(1)
	go s.run()
	s.logger.Info().
		Int("max_concurrent", s.opts.MaxConcurrent).
		Int("max_attempts", s.opts.MaxAttempts).
		Msg("Embedding supervisor started")
}

// Stop shuts the supervisor down and waits for in-flight tasks.
func (s *Supervisor) Stop() {
	s.cancel()
	s.taskWg.Wait()
	s.loopWg.Wait()
	s.logger.Info().Msg("Embedding supervisor stopped")
}

// Submit asynchronously launches an isolated embedding task for the page.
// It never blocks on the embedding work itself.
func (s *Supervisor) Submit(pageID string) error {
	// Checked before the select: a buffered send and a cancelled context can
	// both be ready at once, and the select picks at random between them.
	if s.ctx.Err() != nil {
		return fmt.Errorf("embedding supervisor is stopped")
	}
	select {
	case <-s.ctx.Done():
		return fmt.Errorf("embedding supervisor is stopped")
	case s.submit <- pageID:
		return nil
	}
}

// run is the supervisor's single consumption loop. All map mutations happen
// here; spawned tasks communicate exclusively through the events channel.
func (s *Supervisor) run() {
	defer s.loopWg.Done()

	tasks := make(map[uint64]string)
	inFlight := make(map[string]struct{})
	var nextHandle uint64

	for {
		select {
		case <-s.ctx.Done():
			return
		case pageID := <-s.submit:
			// At most one live task per page: a duplicate submission would
			// race the first task on the same page record.
			if _, running := inFlight[pageID]; running {
				s.logger.Debug().
					Str("page_id", pageID).
					Msg("Embedding task already in flight, submission dropped")
				continue
			}
			nextHandle++
			handle := nextHandle
			tasks[handle] = pageID
			inFlight[pageID] = struct{}{}
			s.launch(handle, pageID)
		case ev := <-s.events:
			delete(tasks, ev.handle)
			delete(inFlight, ev.pageID)
			switch {
			case ev.crashed:
				// Distinct from a reported failure: the task died before
				// reporting. No supervisor-level retry.
				s.logger.Error().
					Str("event", "task_crashed").
					Str("page_id", ev.pageID).
					Err(ev.err).
					Msg("Embedding task crashed")
			case ev.err != nil:
				s.logger.Warn().
					Str("page_id", ev.pageID).
					Err(ev.err).
					Msg("Embedding task failed")
			default:
				s.logger.Debug().
					Str("page_id", ev.pageID).
					Msg("Embedding task completed")
			}
		}
	}
}

// launch spawns one monitored task. The recover handler converts a panic
// into a crash event so abnormal termination is attributable to its page.
func (s *Supervisor) launch(handle uint64, pageID string) {
	s.taskWg.Add(1)
	go func() {
		defer s.taskWg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.report(taskEvent{
					handle:  handle,
					pageID:  pageID,
					err:     fmt.Errorf("panic: %v", r),
					crashed: true,
				})
			}
		}()

		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			s.report(taskEvent{handle: handle, pageID: pageID, err: s.ctx.Err()})
			return
		}
		defer func() { <-s.sem }()

		err := s.attempt(pageID)
		s.report(taskEvent{handle: handle, pageID: pageID, err: err})
	}()
}

func (s *Supervisor) report(ev taskEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// attempt performs the embedding work for one page with a bounded retry
// loop over the shared backoff/classifier primitives.
func (s *Supervisor) attempt(pageID string) error {
	page, err := s.pages.GetPage(pageID)
	if err != nil {
		return err
	}

	// Embedding only runs on completed extractions; anything earlier is a
	// no-op success and the eventual re-submission covers it.
	if page.ExtractionStatus != models.StageStatusCompleted {
		s.logger.Debug().
			Str("page_id", pageID).
			Str("extraction_status", string(page.ExtractionStatus)).
			Msg("Skipping embedding, extraction not completed")
		return nil
	}

	if page.EmbeddingStatus == models.StageStatusCompleted {
		return nil
	}

	page.EmbeddingStatus = models.StageStatusProcessing
	if err := s.pages.SavePage(page); err != nil {
		return err
	}

	text := page.TranslatedText
	if strings.TrimSpace(text) == "" {
		text = page.ExtractedText
	}
	if strings.TrimSpace(text) == "" {
		// A blank page extracts to empty text; there is nothing to embed and
		// the backend rejects empty input, so complete the stage without it.
		page.Embedding = nil
		page.EmbeddingStatus = models.StageStatusCompleted
		page.ErrorMsg = ""
		s.logger.Debug().
			Str("page_id", pageID).
			Msg("Page has no text, embedding completed as empty")
		return s.pages.SavePage(page)
	}

	var lastErr error
	for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := retry.Backoff(attempt-1, s.opts.RetryBase, s.opts.RetryMax)
			s.logger.Warn().
				Str("event", "retry_attempted").
				Str("page_id", pageID).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("Retrying embedding generation")
			s.opts.Delay(delay)
		}

		var vector []float32
		err := s.breakers.Call(interfaces.DependencyEmbedding, func() error {
			callCtx, cancel := context.WithTimeout(s.ctx, s.opts.EmbedTimeout)
			defer cancel()
			v, embedErr := s.ai.Embed(callCtx, text)
			if embedErr != nil {
				return embedErr
			}
			vector = v
			return nil
		})
		if err == nil {
			page.Embedding = vector
			page.EmbeddingStatus = models.StageStatusCompleted
			page.ErrorMsg = ""
			return s.pages.SavePage(page)
		}

		lastErr = err
		if retry.Classify(err) == retry.Permanent {
			break
		}
	}

	s.logger.Error().
		Str("event", "retry_exhausted").
		Str("page_id", pageID).
		Int("max_attempts", s.opts.MaxAttempts).
		Err(lastErr).
		Msg("Embedding generation failed permanently")

	page.EmbeddingStatus = models.StageStatusError
	page.ErrorMsg = lastErr.Error()
	if saveErr := s.pages.SavePage(page); saveErr != nil {
		return saveErr
	}
	return lastErr
}
