package build

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/busybox-cross/internal/logging"
	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

type stubBuilder struct {
	delay   time.Duration
	delays  map[toolchain.Target]time.Duration
	fail    map[toolchain.Target]error
	panics  map[toolchain.Target]bool
	blockOn map[toolchain.Target]bool

	running atomic.Int32
	peak    atomic.Int32

	mu       sync.Mutex
	jobs     []Job
	finished []toolchain.Target
}

func (b *stubBuilder) Build(ctx context.Context, job Job) (Output, error) {
	current := b.running.Add(1)
	defer b.running.Add(-1)
	for {
		peak := b.peak.Load()
		if current <= peak || b.peak.CompareAndSwap(peak, current) {
			break
		}
	}

	b.mu.Lock()
	b.jobs = append(b.jobs, job)
	b.mu.Unlock()

	if b.panics[job.Target] {
		panic("toolchain exploded")
	}
	if b.blockOn[job.Target] {
		<-ctx.Done()
		return Output{}, ctx.Err()
	}

	delay := b.delay
	if d, ok := b.delays[job.Target]; ok {
		delay = d
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return Output{}, ctx.Err()
	}

	b.mu.Lock()
	b.finished = append(b.finished, job.Target)
	b.mu.Unlock()

	if err := b.fail[job.Target]; err != nil {
		return Output{}, err
	}
	return Output{
		ArtifactPath: "/out/" + BinaryName(job.Version, job.Target),
		Checksum:     "sum-" + string(job.Target),
	}, nil
}

type stubComposer struct {
	fail map[toolchain.Target]bool
}

func (c stubComposer) Compose(basePath string, target toolchain.Target) (string, error) {
	if c.fail[target] {
		return "", errors.New("overlay unreadable")
	}
	return basePath + "." + string(target), nil
}

func targets(t *testing.T, names ...string) []toolchain.Target {
	t.Helper()
	out, err := toolchain.NewTargets(names...)
	require.NoError(t, err)
	return out
}

func newScheduler(builder Builder, concurrency int) *Scheduler {
	return &Scheduler{
		Mapping:     toolchain.Default(),
		Builder:     builder,
		Concurrency: concurrency,
		Logger:      logging.Discard(),
	}
}

var testInputs = Inputs{Version: "1.36.1", SourceDir: "/src/busybox-1.36.1", BaseConfig: "/cfg/base.config"}

func TestSchedulerNeverExceedsConcurrency(t *testing.T) {
	t.Parallel()

	builder := &stubBuilder{delay: 30 * time.Millisecond}
	scheduler := newScheduler(builder, 2)

	report, err := scheduler.Run(context.Background(), targets(t, "x86_64", "arm64", "mips", "mipsel", "s390x"), testInputs)
	require.NoError(t, err)

	assert.LessOrEqual(t, builder.peak.Load(), int32(2))
	assert.Equal(t, int32(2), builder.peak.Load())
	require.Len(t, report.Results, 5)
	assert.False(t, report.Failed())
	assert.Equal(t, "1.36.1", report.Version)
}

func TestSchedulerAdmitsInInputOrder(t *testing.T) {
	t.Parallel()

	builder := &stubBuilder{delay: time.Millisecond}
	scheduler := newScheduler(builder, 1)
	input := targets(t, "s390x", "x86_64", "mipsel", "arm64", "mips")

	_, err := scheduler.Run(context.Background(), input, testInputs)
	require.NoError(t, err)

	var admitted []toolchain.Target
	for _, job := range builder.jobs {
		admitted = append(admitted, job.Target)
	}
	assert.Equal(t, input, admitted)
}

func TestSchedulerReportsInInputOrderWhenFinishingOutOfOrder(t *testing.T) {
	t.Parallel()

	builder := &stubBuilder{
		delay:  5 * time.Millisecond,
		delays: map[toolchain.Target]time.Duration{"mips": 150 * time.Millisecond},
	}
	scheduler := newScheduler(builder, 3)
	input := targets(t, "mips", "x86_64", "arm64")

	report, err := scheduler.Run(context.Background(), input, testInputs)
	require.NoError(t, err)

	require.Len(t, builder.finished, 3)
	assert.Equal(t, toolchain.Target("mips"), builder.finished[2])

	var reported []toolchain.Target
	for _, result := range report.Results {
		reported = append(reported, result.Target)
		assert.Equal(t, OutcomeSuccess, result.Outcome)
	}
	assert.Equal(t, input, reported)
	assert.Equal(t, "/out/busybox-1.36.1-mips", report.Results[0].ArtifactPath)
}

func TestSchedulerIsolatesFailures(t *testing.T) {
	t.Parallel()

	builder := &stubBuilder{
		delay: 5 * time.Millisecond,
		fail: map[toolchain.Target]error{
			"mips": &BuildError{Reason: ReasonBuildFailed, Message: "make exited 2", LogTail: []string{"error: foo"}},
		},
	}
	scheduler := newScheduler(builder, 3)

	report, err := scheduler.Run(context.Background(), targets(t, "x86_64", "arm64", "mips"), testInputs)
	require.NoError(t, err)
	require.Len(t, report.Results, 3)

	assert.Equal(t, toolchain.Target("x86_64"), report.Results[0].Target)
	assert.Equal(t, OutcomeSuccess, report.Results[0].Outcome)
	assert.Equal(t, "/out/busybox-1.36.1-x86_64", report.Results[0].ArtifactPath)

	assert.Equal(t, toolchain.Target("arm64"), report.Results[1].Target)
	assert.Equal(t, OutcomeSuccess, report.Results[1].Outcome)

	mips := report.Results[2]
	assert.Equal(t, toolchain.Target("mips"), mips.Target)
	assert.Equal(t, OutcomeFailure, mips.Outcome)
	assert.Equal(t, ReasonBuildFailed, mips.Reason)
	assert.Equal(t, []string{"error: foo"}, mips.LogTail)
	assert.Contains(t, mips.Error, "make exited 2")

	assert.True(t, report.Failed())
	assert.Len(t, report.Successes(), 2)
	assert.Len(t, report.Failures(), 1)
}

func TestSchedulerEmptyInput(t *testing.T) {
	t.Parallel()

	builder := &stubBuilder{}
	report, err := newScheduler(builder, 4).Run(context.Background(), nil, testInputs)
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.False(t, report.Failed())
	assert.Empty(t, builder.jobs)
}

func TestSchedulerRejectsInvalidInputBeforeStarting(t *testing.T) {
	t.Parallel()

	builder := &stubBuilder{}

	_, err := newScheduler(builder, 0).Run(context.Background(), targets(t, "x86_64"), testInputs)
	require.ErrorIs(t, err, ErrInvalidConcurrency)

	_, err = newScheduler(builder, 2).Run(context.Background(), []toolchain.Target{"x86_64", "arm64", "x86_64"}, testInputs)
	var dup *toolchain.DuplicateTargetError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, []toolchain.Target{"x86_64"}, dup.Targets)

	assert.Empty(t, builder.jobs)
}

func TestSchedulerUnknownTargetIsAFailureNotASkip(t *testing.T) {
	t.Parallel()

	builder := &stubBuilder{}
	report, err := newScheduler(builder, 2).Run(context.Background(), targets(t, "x86_64", "vax"), testInputs)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	assert.Equal(t, OutcomeSuccess, report.Results[0].Outcome)
	assert.Equal(t, ReasonUnknownTarget, report.Results[1].Reason)
	assert.Len(t, builder.jobs, 1)
}

func TestSchedulerConcurrencyLargerThanTargets(t *testing.T) {
	t.Parallel()

	builder := &stubBuilder{delay: 20 * time.Millisecond}
	report, err := newScheduler(builder, 16).Run(context.Background(), targets(t, "x86_64", "arm64", "mips"), testInputs)
	require.NoError(t, err)
	assert.Equal(t, int32(3), builder.peak.Load())
	assert.False(t, report.Failed())
}

func TestSchedulerComposesPerTarget(t *testing.T) {
	t.Parallel()

	builder := &stubBuilder{}
	scheduler := newScheduler(builder, 1)
	scheduler.Composer = stubComposer{fail: map[toolchain.Target]bool{"arm64": true}}

	report, err := scheduler.Run(context.Background(), targets(t, "x86_64", "arm64"), testInputs)
	require.NoError(t, err)

	assert.Equal(t, "/cfg/base.config.x86_64", report.Results[0].ConfigPath)
	assert.Equal(t, ReasonConfigFailed, report.Results[1].Reason)
	require.Len(t, builder.jobs, 1)
	assert.Equal(t, "/cfg/base.config.x86_64", builder.jobs[0].ConfigPath)
	assert.Equal(t, testInputs.SourceDir, builder.jobs[0].SourceDir)
	assert.Equal(t, toolchain.Target("x86_64"), builder.jobs[0].Toolchain.Target)
}

func TestSchedulerJobTimeout(t *testing.T) {
	t.Parallel()

	builder := &stubBuilder{blockOn: map[toolchain.Target]bool{"arm64": true}}
	scheduler := newScheduler(builder, 2)
	scheduler.JobTimeout = 50 * time.Millisecond

	report, err := scheduler.Run(context.Background(), targets(t, "x86_64", "arm64"), testInputs)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, report.Results[0].Outcome)
	assert.Equal(t, ReasonTimeout, report.Results[1].Reason)
}

func TestSchedulerRecoversPanics(t *testing.T) {
	t.Parallel()

	builder := &stubBuilder{panics: map[toolchain.Target]bool{"mips": true}}
	report, err := newScheduler(builder, 2).Run(context.Background(), targets(t, "mips", "x86_64"), testInputs)
	require.NoError(t, err)

	assert.Equal(t, ReasonPanic, report.Results[0].Reason)
	assert.Contains(t, report.Results[0].Error, "toolchain exploded")
	assert.False(t, report.Results[0].FinishedAt.IsZero())
	assert.Equal(t, OutcomeSuccess, report.Results[1].Outcome)
}

func TestSchedulerCancellationCompletesReport(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	builder := &stubBuilder{blockOn: map[toolchain.Target]bool{"x86_64": true}}
	scheduler := newScheduler(builder, 1)

	var observed atomic.Int32
	scheduler.Observer = func(Result) { observed.Add(1) }

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	report, err := scheduler.Run(ctx, targets(t, "x86_64", "arm64", "mips"), testInputs)
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	for i, want := range []toolchain.Target{"x86_64", "arm64", "mips"} {
		assert.Equal(t, want, report.Results[i].Target)
		assert.Equal(t, ReasonCancelled, report.Results[i].Reason)
	}
	assert.Equal(t, int32(3), observed.Load())
}

func TestTailBufferKeepsLastLines(t *testing.T) {
	buf := NewTailBuffer(2)
	_, _ = buf.Write([]byte("one\ntwo\nthr"))
	_, _ = buf.Write([]byte("ee\nfour"))

	assert.Equal(t, []string{"three", "four"}, buf.Lines())
	assert.Equal(t, []string{"b", "c"}, Tail("a\nb\nc\n", 2))
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, ReasonBuildFailed, ReasonOf(errors.New("boom")))
	assert.Equal(t, ReasonArtifactMissing, ReasonOf(Errorf(ReasonArtifactMissing, "no %s", "binary")))
}
