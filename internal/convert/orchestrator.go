// Package convert fans batches out into per-image tasks, runs them on a
// worker pool with bounded retries and feeds the outcomes back to the
// batch state machine.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"imgconvert/internal/artifacts"
	"imgconvert/internal/batch"
	"imgconvert/internal/encoder"
	"imgconvert/internal/metadata"
	"imgconvert/internal/models"
	"imgconvert/internal/storage"
)

var ErrConversionFailed = errors.New("conversion failed")

type Batches interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Batch, error)
	BeginProcessing(ctx context.Context, id uuid.UUID) error
	StartImage(ctx context.Context, batchID, imageID uuid.UUID) error
	RecordOutcome(ctx context.Context, batchID, imageID uuid.UUID, outcome models.Outcome) (*models.Batch, bool, error)
	Fail(ctx context.Context, id uuid.UUID, reason string) error
}

type Encoder interface {
	Convert(ctx context.Context, src io.Reader, settings models.Settings) ([]encoder.Output, error)
}

type Options struct {
	Workers        int
	MaxAttempts    int
	AttemptTimeout time.Duration
	BackoffBase    time.Duration
	// DispatchTimeout bounds how long a submitted batch may wait for room
	// in the dispatcher before it is failed. Zero waits forever.
	DispatchTimeout time.Duration
}

func OptionsFrom(cfg models.ConversionConfig) Options {
	return Options{
		Workers:         cfg.Workers,
		MaxAttempts:     cfg.MaxAttempts,
		AttemptTimeout:  cfg.AttemptTimeout,
		BackoffBase:     cfg.BackoffBase,
		DispatchTimeout: cfg.DispatchTimeout,
	}
}

type Orchestrator struct {
	batches    Batches
	store      artifacts.Store
	enc        Encoder
	meta       metadata.Generator
	dispatcher Dispatcher
	opts       Options
	log        *slog.Logger

	// slots caps running encodes at Workers, including attempts that
	// timed out but whose encoder has not returned yet.
	slots chan struct{}
}

func New(batches Batches, store artifacts.Store, enc Encoder, meta metadata.Generator, dispatcher Dispatcher, opts Options, log *slog.Logger) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Millisecond
	}
	return &Orchestrator{
		batches:    batches,
		store:      store,
		enc:        enc,
		meta:       meta,
		dispatcher: dispatcher,
		opts:       opts,
		log:        log,
		slots:      make(chan struct{}, opts.Workers),
	}
}

// Submit moves the batch to processing and dispatches one task per image in
// the background, so a full queue never holds up the caller. If dispatch
// fails or outlasts DispatchTimeout the batch is failed.
func (o *Orchestrator) Submit(ctx context.Context, b *models.Batch, images []*models.ConvertedImage, aiEnabled bool) error {
	const op = "convert.Submit"

	tasks := make([]Task, len(images))
	for i, img := range images {
		tasks[i] = Task{
			BatchID:     b.ID,
			ImageID:     img.ID,
			Index:       img.Ordinal,
			Original:    img.Original,
			Settings:    b.Settings,
			Keywords:    b.Keywords,
			AIEnabled:   aiEnabled,
			MaxAttempts: o.opts.MaxAttempts,
			Timeout:     o.opts.AttemptTimeout,
		}
	}

	if err := o.batches.BeginProcessing(ctx, b.ID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	go o.dispatch(context.WithoutCancel(ctx), b.ID, tasks)
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, batchID uuid.UUID, tasks []Task) {
	log := o.log.With(slog.String("batch_id", batchID.String()))

	dctx := ctx
	if o.opts.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, o.opts.DispatchTimeout)
		defer cancel()
	}

	if err := o.dispatcher.Dispatch(dctx, tasks); err != nil {
		log.Error("dispatch tasks", slog.Any("error", err))
		// Tasks already queued are skipped once the batch is terminal.
		ferr := o.batches.Fail(ctx, batchID, "could not dispatch conversion tasks")
		if ferr != nil && !errors.Is(ferr, batch.ErrInvalidTransition) {
			log.Error("fail batch", slog.Any("error", ferr))
		}
		return
	}
	log.Info("batch dispatched", slog.Int("tasks", len(tasks)))
}

// Run starts the worker pool on tasks and a single collector that applies
// outcomes. It returns after ctx is done and every started unit has been
// recorded.
func (o *Orchestrator) Run(ctx context.Context, tasks <-chan Task) {
	results := make(chan Result, o.opts.Workers)

	var wg sync.WaitGroup
	for i := 0; i < o.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			o.work(ctx, worker, tasks, results)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.collect(context.WithoutCancel(ctx), results)
	}()

	wg.Wait()
	close(results)
	<-done
}

func (o *Orchestrator) work(ctx context.Context, worker int, tasks <-chan Task, results chan<- Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-tasks:
			if !ok {
				return
			}
			res, ok := o.Process(ctx, task)
			if !ok {
				continue
			}
			results <- res
		}
	}
}

func (o *Orchestrator) collect(ctx context.Context, results <-chan Result) {
	for res := range results {
		t := res.Task
		_, _, err := o.batches.RecordOutcome(ctx, t.BatchID, t.ImageID, res.Outcome)
		if err != nil {
			o.log.Error("record outcome",
				slog.String("batch_id", t.BatchID.String()),
				slog.String("image_id", t.ImageID.String()),
				slog.Any("error", err))
		}
	}
}

// Process runs one unit of work. It reports false when the unit was
// skipped: the batch was cancelled, failed or gone, the image was already
// terminal, or the pool is shutting down.
func (o *Orchestrator) Process(ctx context.Context, task Task) (Result, bool) {
	log := o.log.With(slog.String("batch_id", task.BatchID.String()), slog.String("image_id", task.ImageID.String()))

	b, err := o.batches.Get(ctx, task.BatchID)
	if err != nil {
		log.Warn("skip unit: batch unavailable", slog.Any("error", err))
		return Result{}, false
	}
	if b.Cancelled() {
		log.Info("skip unit: batch cancelled")
		return Result{}, false
	}
	if b.Status.Terminal() {
		log.Info("skip unit: batch finished", slog.String("status", string(b.Status)))
		return Result{}, false
	}
	if err := o.batches.StartImage(ctx, task.BatchID, task.ImageID); err != nil {
		if !errors.Is(err, batch.ErrAlreadyTerminal) && !errors.Is(err, storage.ErrNotFound) {
			log.Error("start image", slog.Any("error", err))
		}
		return Result{}, false
	}

	u := &unit{o: o, task: task, log: log}
	outcome, err := u.run(ctx)
	if err != nil && ctx.Err() != nil {
		log.Warn("unit abandoned on shutdown", slog.Int("attempt", u.task.Attempt))
		return Result{}, false
	}
	return Result{Task: u.task, Outcome: outcome}, true
}

// unit holds the state one task accumulates across attempts.
type unit struct {
	o    *Orchestrator
	task Task
	log  *slog.Logger

	// An attempt that timed out may still be running, so the cached
	// source and metadata are guarded.
	mu     sync.Mutex
	source []byte
	seo    *models.SEO
}

func (u *unit) run(ctx context.Context) (models.Outcome, error) {
	maxAttempts := u.task.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := retry.WithMaxRetries(uint64(maxAttempts-1), retry.NewExponential(u.o.opts.BackoffBase))

	var (
		outputs []models.FileDescriptor
		seo     models.SEO
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		u.task.Attempt++
		out, s, err := u.attempt(ctx)
		if err != nil {
			u.log.Warn("conversion attempt failed",
				slog.Int("attempt", u.task.Attempt),
				slog.Int("max_attempts", maxAttempts),
				slog.Any("error", err))
			return retry.RetryableError(err)
		}
		outputs, seo = out, s
		return nil
	})
	if err != nil {
		u.log.Error("conversion failed", slog.Int("attempts", u.task.Attempt), slog.Any("error", err))
		return models.Failed(fmt.Errorf("%w: %w", ErrConversionFailed, err).Error()), err
	}
	return models.Succeeded(outputs, seo), nil
}

// attempt runs one bounded try. The deadline is enforced here even when
// the encoder does not watch its context.
func (u *unit) attempt(ctx context.Context) ([]models.FileDescriptor, models.SEO, error) {
	timeout := u.task.Timeout
	if timeout <= 0 {
		timeout = u.o.opts.AttemptTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type reply struct {
		outputs []models.FileDescriptor
		seo     models.SEO
		err     error
	}
	ch := make(chan reply, 1)
	go func() {
		out, seo, err := u.convert(ctx)
		ch <- reply{out, seo, err}
	}()

	select {
	case r := <-ch:
		return r.outputs, r.seo, r.err
	case <-ctx.Done():
		return nil, models.SEO{}, fmt.Errorf("attempt %d: %w", u.task.Attempt, ctx.Err())
	}
}

// prepare loads the original and its metadata once per unit.
func (u *unit) prepare(ctx context.Context) ([]byte, models.SEO, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.source == nil {
		data, err := u.load(ctx)
		if err != nil {
			return nil, models.SEO{}, err
		}
		u.source = data
	}
	if u.seo == nil {
		seo := u.describe(ctx, u.source)
		u.seo = &seo
	}
	return u.source, *u.seo, nil
}

func (u *unit) convert(ctx context.Context) ([]models.FileDescriptor, models.SEO, error) {
	source, seo, err := u.prepare(ctx)
	if err != nil {
		return nil, models.SEO{}, err
	}

	select {
	case u.o.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, models.SEO{}, ctx.Err()
	}
	encoded, err := u.o.enc.Convert(ctx, bytes.NewReader(source), u.task.Settings)
	<-u.o.slots
	if err != nil {
		return nil, models.SEO{}, err
	}

	outputs := make([]models.FileDescriptor, 0, len(encoded))
	for _, e := range encoded {
		if err := ctx.Err(); err != nil {
			return nil, models.SEO{}, err
		}
		p := artifacts.ConvertedPath(u.task.BatchID, u.task.ImageID, seo.Filename, e.Format)
		if err := u.o.store.Put(ctx, p, bytes.NewReader(e.Data), int64(len(e.Data)), "image/"+e.Format); err != nil {
			return nil, models.SEO{}, fmt.Errorf("store %s: %w", e.Format, err)
		}
		outputs = append(outputs, models.FileDescriptor{
			Name:   seo.Filename + "." + e.Format,
			Format: e.Format,
			Size:   int64(len(e.Data)),
			Width:  e.Width,
			Height: e.Height,
			Path:   p,
		})
	}
	return outputs, seo, nil
}

func (u *unit) load(ctx context.Context) ([]byte, error) {
	r, err := u.o.store.Open(ctx, u.task.Original.Path)
	if err != nil {
		return nil, fmt.Errorf("open original: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read original: %w", err)
	}
	return data, nil
}

// describe never fails: AI errors fall back to the keyword heuristic.
func (u *unit) describe(ctx context.Context, source []byte) models.SEO {
	var res metadata.Result
	var suggested string

	if u.task.AIEnabled && u.o.meta != nil && u.o.meta.IsConfigured() {
		ai, err := u.o.meta.Analyze(ctx, metadata.Image{
			Name:        u.task.Original.Name,
			ContentType: "image/" + u.task.Original.Format,
			Data:        source,
		}, u.task.Keywords)
		if err != nil {
			u.log.Warn("metadata generation failed, using heuristic", slog.Any("error", err))
		} else {
			res = ai
			suggested = ai.SuggestedFilename
		}
	}
	if res.AltText == "" {
		res = metadata.Heuristic(u.task.Keywords, u.task.Original.Name, u.task.Index)
	}

	return models.SEO{
		Filename:        FileName(suggested, u.task.Keywords, u.task.Original.Name, u.task.Index),
		AltText:         res.AltText,
		Title:           res.Title,
		MetaDescription: res.MetaDescription,
	}
}
