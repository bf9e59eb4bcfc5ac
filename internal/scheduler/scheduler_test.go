package scheduler

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/pixeljobs/internal/blob"
	"github.com/and161185/pixeljobs/internal/model"
	"github.com/and161185/pixeljobs/internal/repository/memory"
	"github.com/and161185/pixeljobs/internal/transform"
)

func testConfig() Config {
	return Config{
		Workers:      4,
		PerUser:      2,
		JobTimeout:   2 * time.Second,
		MaxAttempts:  3,
		BackoffBase:  5 * time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		BatchSize:    16,
		DrainTimeout: 5 * time.Second,
	}
}

type harness struct {
	s      *Scheduler
	jobs   *memory.JobRepo
	blobs  *blob.FS
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, cfg Config, ds ...transform.Descriptor) *harness {
	t.Helper()
	h := prepare(t, cfg, ds...)
	h.start(t)
	return h
}

func prepare(t *testing.T, cfg Config, ds ...transform.Descriptor) *harness {
	t.Helper()
	blobs, err := blob.NewFS(t.TempDir(), 0)
	require.NoError(t, err)
	reg := transform.NewRegistry()
	require.NoError(t, transform.RegisterBuiltins(reg, transform.Builtins{}))
	for _, d := range ds {
		require.NoError(t, reg.Register(d))
	}
	jobs := memory.NewJobRepo()
	s, err := New(jobs, blobs, reg, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &harness{s: s, jobs: jobs, blobs: blobs}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
}

func (h *harness) enqueue(t *testing.T, user uuid.UUID, name string, params map[string]string, data []byte, mt string) *model.Job {
	t.Helper()
	ctx := context.Background()
	b, err := h.blobs.Put(ctx, user, data, mt)
	require.NoError(t, err)
	j, err := h.jobs.Create(ctx, model.NewJob{UserID: user, Transform: name, Params: params, InputRef: b.Ref})
	require.NoError(t, err)
	h.s.Notify()
	return j
}

func (h *harness) wait(t *testing.T, id uuid.UUID) *model.Job {
	t.Helper()
	var got *model.Job
	require.Eventually(t, func() bool {
		j, err := h.jobs.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.State.Terminal()
	}, 10*time.Second, 5*time.Millisecond)
	return got
}

func echo(_ context.Context, in transform.Input, _ map[string]string) (transform.Output, error) {
	return transform.Output{Data: in.Data, MediaType: in.MediaType}, nil
}

func fn(name string, f transform.Func) transform.Descriptor {
	return transform.Descriptor{Name: name, Run: f, Concurrent: true}
}

func jpeg10x10(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(3, 3, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestScheduler_ConvertEndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	user := uuid.Must(uuid.NewV4())

	j := h.enqueue(t, user, "convert", map[string]string{"format": "png"}, jpeg10x10(t), "image/jpeg")
	got := h.wait(t, j.ID)

	require.Equal(t, model.JobDone, got.State)
	require.Equal(t, 1, got.Attempts)
	require.Nil(t, got.Error)
	require.NotNil(t, got.OutputRef)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)

	out, err := h.blobs.Get(context.Background(), *got.OutputRef)
	require.NoError(t, err)
	require.Equal(t, "image/png", out.MediaType)
	require.Equal(t, user, out.Owner)
	cfg, err := png.DecodeConfig(bytes.NewReader(out.Data))
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Width)
	require.Equal(t, 10, cfg.Height)
}

func TestScheduler_TransientTwiceThenSuccess(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	flaky := fn("flaky", func(ctx context.Context, in transform.Input, p map[string]string) (transform.Output, error) {
		if calls.Add(1) <= 2 {
			return transform.Output{}, transform.Transient(errors.New("upstream 503"))
		}
		return echo(ctx, in, p)
	})
	h := newHarness(t, testConfig(), flaky)

	j := h.enqueue(t, uuid.Must(uuid.NewV4()), "flaky", nil, []byte("payload"), "text/plain")
	got := h.wait(t, j.ID)

	require.Equal(t, model.JobDone, got.State)
	require.Equal(t, 3, got.Attempts)
	require.Nil(t, got.Error)
	require.Nil(t, got.NotBefore)
	require.EqualValues(t, 3, calls.Load())
}

func TestScheduler_TransientExhausted(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	down := fn("down", func(context.Context, transform.Input, map[string]string) (transform.Output, error) {
		calls.Add(1)
		return transform.Output{}, transform.Transient(errors.New("connection refused"))
	})
	h := newHarness(t, testConfig(), down)

	j := h.enqueue(t, uuid.Must(uuid.NewV4()), "down", nil, []byte("payload"), "text/plain")
	got := h.wait(t, j.ID)

	require.Equal(t, model.JobFailed, got.State)
	require.Equal(t, 3, got.Attempts)
	require.Nil(t, got.OutputRef)
	require.Equal(t, model.CategoryTransient, got.Error.Category)
	require.Equal(t, CodeUpstream, got.Error.Code)
	require.Contains(t, got.Error.Message, "connection refused")
	require.EqualValues(t, 3, calls.Load())
}

func TestScheduler_PermanentFailsImmediately(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	bad := fn("bad", func(context.Context, transform.Input, map[string]string) (transform.Output, error) {
		calls.Add(1)
		return transform.Output{}, transform.Permanent(errors.New("corrupt header"))
	})
	unmarked := fn("unmarked", func(context.Context, transform.Input, map[string]string) (transform.Output, error) {
		return transform.Output{}, errors.New("plain error")
	})
	h := newHarness(t, testConfig(), bad, unmarked)
	user := uuid.Must(uuid.NewV4())

	got := h.wait(t, h.enqueue(t, user, "bad", nil, []byte("payload"), "text/plain").ID)
	require.Equal(t, model.JobFailed, got.State)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, model.CategoryPermanent, got.Error.Category)
	require.Equal(t, CodeTransform, got.Error.Code)
	require.EqualValues(t, 1, calls.Load())

	got = h.wait(t, h.enqueue(t, user, "unmarked", nil, []byte("payload"), "text/plain").ID)
	require.Equal(t, model.CategoryPermanent, got.Error.Category)
	require.Equal(t, 1, got.Attempts)
}

func TestScheduler_PanicIsPermanent(t *testing.T) {
	t.Parallel()
	boom := fn("boom", func(context.Context, transform.Input, map[string]string) (transform.Output, error) {
		panic("nil map")
	})
	h := newHarness(t, testConfig(), boom)

	got := h.wait(t, h.enqueue(t, uuid.Must(uuid.NewV4()), "boom", nil, []byte("payload"), "text/plain").ID)
	require.Equal(t, model.JobFailed, got.State)
	require.Equal(t, CodePanic, got.Error.Code)
	require.Equal(t, model.CategoryPermanent, got.Error.Category)
	require.Equal(t, 0, h.s.Running())
}

func TestScheduler_TimeoutIsTransient(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.JobTimeout = 30 * time.Millisecond
	cfg.MaxAttempts = 2
	slow := fn("slow", func(ctx context.Context, _ transform.Input, _ map[string]string) (transform.Output, error) {
		<-ctx.Done()
		return transform.Output{}, ctx.Err()
	})
	h := newHarness(t, cfg, slow)

	got := h.wait(t, h.enqueue(t, uuid.Must(uuid.NewV4()), "slow", nil, []byte("payload"), "text/plain").ID)
	require.Equal(t, model.JobFailed, got.State)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, model.CategoryTransient, got.Error.Category)
	require.Equal(t, CodeTimeout, got.Error.Code)
}

func TestScheduler_ExecutionTimeChecks(t *testing.T) {
	t.Parallel()
	pngOnly := transform.Descriptor{Name: "pngonly", Run: echo, Accepts: []string{"image/png"}, Concurrent: true}
	h := newHarness(t, testConfig(), pngOnly)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())

	// a job whose transform disappeared between enqueue and execution
	got := h.wait(t, h.enqueue(t, user, "retired", nil, []byte("payload"), "text/plain").ID)
	require.Equal(t, CodeUnknownTransform, got.Error.Code)
	require.Equal(t, model.CategoryPermanent, got.Error.Category)

	got = h.wait(t, h.enqueue(t, user, "pngonly", nil, []byte("payload"), "text/plain").ID)
	require.Equal(t, CodeUnsupportedMedia, got.Error.Code)

	got = h.wait(t, h.enqueue(t, user, "convert", map[string]string{"format": "svg"}, jpeg10x10(t), "image/jpeg").ID)
	require.Equal(t, CodeInvalidParams, got.Error.Code)

	j, err := h.jobs.Create(ctx, model.NewJob{
		UserID: user, Transform: "convert", Params: map[string]string{"format": "png"},
		InputRef: model.BlobRef(uuid.Must(uuid.NewV4()).String()),
	})
	require.NoError(t, err)
	h.s.Notify()
	got = h.wait(t, j.ID)
	require.Equal(t, CodeInputMissing, got.Error.Code)
	require.Equal(t, 1, got.Attempts)
}

type gauge struct{ cur, max atomic.Int32 }

func (g *gauge) hold(d time.Duration) transform.Func {
	return func(ctx context.Context, in transform.Input, p map[string]string) (transform.Output, error) {
		n := g.cur.Add(1)
		for {
			m := g.max.Load()
			if n <= m || g.max.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(d)
		g.cur.Add(-1)
		return echo(ctx, in, p)
	}
}

func TestScheduler_PerUserCap(t *testing.T) {
	t.Parallel()
	var g gauge
	h := newHarness(t, testConfig(), fn("hold", g.hold(40*time.Millisecond)))
	user := uuid.Must(uuid.NewV4())

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, h.enqueue(t, user, "hold", nil, []byte("payload"), "text/plain").ID)
	}
	for _, id := range ids {
		require.Equal(t, model.JobDone, h.wait(t, id).State)
	}
	require.EqualValues(t, 2, g.max.Load())
}

func TestScheduler_GlobalCap(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Workers = 3
	var g gauge
	h := newHarness(t, cfg, fn("hold", g.hold(40*time.Millisecond)))

	var ids []uuid.UUID
	for u := 0; u < 4; u++ {
		user := uuid.Must(uuid.NewV4())
		for i := 0; i < 2; i++ {
			ids = append(ids, h.enqueue(t, user, "hold", nil, []byte("payload"), "text/plain").ID)
		}
	}
	for _, id := range ids {
		require.Equal(t, model.JobDone, h.wait(t, id).State)
	}
	require.EqualValues(t, 3, g.max.Load())
}

func TestScheduler_SerialDescriptor(t *testing.T) {
	t.Parallel()
	var g gauge
	serial := transform.Descriptor{Name: "serial", Run: g.hold(20 * time.Millisecond), Concurrent: false}
	h := newHarness(t, testConfig(), serial)
	user := uuid.Must(uuid.NewV4())

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		ids = append(ids, h.enqueue(t, user, "serial", nil, []byte("payload"), "text/plain").ID)
	}
	for _, id := range ids {
		require.Equal(t, model.JobDone, h.wait(t, id).State)
	}
	require.EqualValues(t, 1, g.max.Load())
}

func TestScheduler_RequeuesInterruptedJobsOnStart(t *testing.T) {
	t.Parallel()
	h := prepare(t, testConfig(), fn("echo", echo))
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())

	b, err := h.blobs.Put(ctx, user, []byte("payload"), "text/plain")
	require.NoError(t, err)
	j, err := h.jobs.Create(ctx, model.NewJob{UserID: user, Transform: "echo", InputRef: b.Ref})
	require.NoError(t, err)
	now := time.Now()
	_, err = h.jobs.Transition(ctx, j.ID, model.JobPending, model.JobRunning, model.JobUpdate{StartedAt: &now, IncAttempts: true})
	require.NoError(t, err)

	h.start(t)
	got := h.wait(t, j.ID)
	require.Equal(t, model.JobDone, got.State)
	require.Equal(t, 2, got.Attempts)
}

func TestScheduler_ShutdownWaitsForInFlight(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	gate := fn("gate", func(ctx context.Context, in transform.Input, p map[string]string) (transform.Output, error) {
		close(entered)
		<-release
		return echo(ctx, in, p)
	})
	h := prepare(t, testConfig(), gate)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()

	j := h.enqueue(t, uuid.Must(uuid.NewV4()), "gate", nil, []byte("payload"), "text/plain")
	<-entered
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while a job was still running")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)

	got, err := h.jobs.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobDone, got.State)
}

func TestConfig_ValidateAndBackoff(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.PerUser = bad.Workers + 1
	require.Error(t, bad.Validate())
	bad = DefaultConfig()
	bad.MaxAttempts = 0
	require.Error(t, bad.Validate())
	bad = DefaultConfig()
	bad.BackoffMax = bad.BackoffBase / 2
	require.Error(t, bad.Validate())

	c := DefaultConfig()
	require.Equal(t, time.Second, c.backoff(1))
	require.Equal(t, 2*time.Second, c.backoff(2))
	require.Equal(t, 4*time.Second, c.backoff(3))
	require.Equal(t, 30*time.Second, c.backoff(10))

	_, err := New(nil, nil, nil, bad, nil)
	require.Error(t, err)
}

func TestScheduler_OversizedImageFailsPermanently(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	user := uuid.Must(uuid.NewV4())

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))
	b := buf.Bytes()
	binary.BigEndian.PutUint32(b[16:20], 50_000)
	binary.BigEndian.PutUint32(b[20:24], 50_000)
	binary.BigEndian.PutUint32(b[29:33], crc32.ChecksumIEEE(b[12:29]))

	j := h.enqueue(t, user, "watermark", nil, b, "image/png")
	got := h.wait(t, j.ID)

	require.Equal(t, model.JobFailed, got.State)
	require.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Error)
	require.Equal(t, model.CategoryPermanent, got.Error.Category)
	require.Equal(t, CodeImageTooLarge, got.Error.Code)
	require.Nil(t, got.OutputRef)
}

func TestScheduler_CappedUsersDoNotHideOthers(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.PerUser = 1
	cfg.BatchSize = 2

	release := make(chan struct{})
	block := func(ctx context.Context, in transform.Input, _ map[string]string) (transform.Output, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return transform.Output{}, ctx.Err()
		}
		return transform.Output{Data: in.Data, MediaType: in.MediaType}, nil
	}
	h := prepare(t, cfg, fn("block", block))
	a, b := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	// a's backlog fills the first pages of the queue, b's job comes last.
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		ids = append(ids, h.enqueue(t, a, "block", nil, []byte("payload"), "text/plain").ID)
	}
	last := h.enqueue(t, b, "block", nil, []byte("payload"), "text/plain")
	ids = append(ids, last.ID)

	h.start(t)
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	require.Eventually(t, func() bool {
		j, err := h.jobs.Get(context.Background(), last.ID)
		return err == nil && j.State == model.JobRunning
	}, 5*time.Second, 5*time.Millisecond, "b must run while a is at its cap")
	require.Equal(t, 2, h.s.Running())

	unblock()
	for _, id := range ids {
		require.Equal(t, model.JobDone, h.wait(t, id).State)
	}
}
