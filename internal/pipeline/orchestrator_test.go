// SPDX-License-Identifier: MIT
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"apm/internal/frame"
	"apm/internal/observe"
	"apm/internal/translate"
	"apm/pkg/utils"
)

const (
	testRate      = 48000
	testFrameSize = 960 // 20 ms
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	require.NoError(t, err)
	return m
}

func newTestOrchestrator(t *testing.T, cfg Config, tr translate.Translator, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{WithLogger(zap.NewNop()), WithMetrics(testMetrics(t))}
	o, err := New(cfg, tr, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func micArray(samples []float64, n int) []*frame.Frame {
	mics := make([]*frame.Frame, n)
	for i := range mics {
		mics[i] = frame.FromSamples(append([]float64(nil), samples...), testRate, 1)
	}
	return mics
}

func silentMics() []*frame.Frame {
	return micArray(make([]float64, testFrameSize), 4)
}

// speechMics is a 2 kHz tone: loud enough for the default threshold and with
// a zero-crossing count inside the voiced range.
func speechMics() []*frame.Frame {
	return micArray(utils.GenerateSineWave(testFrameSize, testRate, 2000, 0.5), 4)
}

func silentRef() *frame.Frame {
	return frame.New(testFrameSize, testRate, 1)
}

// echoTranslator returns the request audio as the translation.
func echoTranslator(text string) translate.Translator {
	return translate.Func(func(_ context.Context, req translate.Request) (translate.Result, error) {
		return translate.Result{
			TranslatedAudio: req.Audio.Clone(),
			SourceText:      text,
			TranslatedText:  text,
			Confidence:      1,
			Success:         true,
		}, nil
	})
}

func TestNewRejectsInvalidInput(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.NumMicrophones = 0
	cfg.QueueSize = 0
	_, err = New(cfg, translate.NewMock())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "num_microphones")
	assert.Contains(t, err.Error(), "queue_size")
}

func TestSilentInputProducesNoProjections(t *testing.T) {
	mock := translate.NewMock(translate.WithMockLatency(0))
	o := newTestOrchestrator(t, DefaultConfig(), mock)

	feeds, err := o.Process(context.Background(), silentMics(), silentRef(), 0)
	require.NoError(t, err)
	require.NotNil(t, feeds)
	assert.Empty(t, feeds)
	assert.Zero(t, mock.Calls(), "translator must not be called for silence")

	m := o.Health().Metrics()
	assert.Equal(t, uint64(1), m.FramesProcessed)
	assert.Equal(t, uint64(1), m.FramesSilent)
}

func TestSpeechIsTranslatedAndProjected(t *testing.T) {
	mock := translate.NewMock(translate.WithMockLatency(0))
	o := newTestOrchestrator(t, DefaultConfig(), mock)

	feeds, err := o.Process(context.Background(), speechMics(), silentRef(), 0.5)
	require.NoError(t, err)
	require.Len(t, feeds, 3)
	for _, f := range feeds {
		assert.Equal(t, testFrameSize, f.FrameCount())
		assert.Equal(t, testRate, f.SampleRate)
	}

	require.Equal(t, 1, mock.Calls())
	req := mock.Requests()[0]
	assert.Equal(t, "en-US", req.SourceLang)
	assert.Equal(t, "es-ES", req.TargetLang)
	assert.Equal(t, testFrameSize, req.Audio.FrameCount())
}

func TestProcessMatchesProcessAsync(t *testing.T) {
	ctx := context.Background()
	a := newTestOrchestrator(t, DefaultConfig(), echoTranslator("hi"))
	b := newTestOrchestrator(t, DefaultConfig(), echoTranslator("hi"))

	for i, mics := range [][]*frame.Frame{speechMics(), silentMics(), speechMics()} {
		direct, err := a.Process(ctx, mics, silentRef(), 0.25)
		require.NoError(t, err)

		viaTask, err := b.ProcessAsync(ctx, mics, silentRef(), 0.25).Wait(ctx)
		require.NoError(t, err)

		require.Len(t, viaTask, len(direct), "task %d", i)
		for s := range direct {
			assert.Equal(t, direct[s].Samples, viaTask[s].Samples, "task %d speaker %d", i, s)
		}
	}
}

func TestFramesAreCopiedAtSubmission(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var seen []float64
	tr := translate.Func(func(_ context.Context, req translate.Request) (translate.Result, error) {
		<-release
		seen = append([]float64(nil), req.Audio.Samples...)
		return translate.Result{TranslatedAudio: req.Audio, Success: true}, nil
	})
	o := newTestOrchestrator(t, DefaultConfig(), tr)

	mics := speechMics()
	want := append([]float64(nil), mics[0].Samples...)
	task := o.ProcessAsync(ctx, mics, silentRef(), 0)
	for _, m := range mics {
		clear(m.Samples)
	}
	close(release)

	_, err := task.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, seen, len(want))
	assert.NotZero(t, seen[testFrameSize/2], "worker saw the caller's cleared buffer")
}

func TestTranslatorErrorIsWrapped(t *testing.T) {
	backendDown := errors.New("backend down")
	mock := translate.NewMock(translate.WithMockLatency(0), translate.WithMockError(backendDown))
	o := newTestOrchestrator(t, DefaultConfig(), mock)

	feeds, err := o.Process(context.Background(), speechMics(), silentRef(), 0)
	require.Error(t, err)
	assert.Nil(t, feeds)
	assert.ErrorIs(t, err, backendDown)
	assert.Contains(t, err.Error(), "pipeline: translate:")
	assert.Equal(t, observe.StatusError, o.Health().Status())

	// The worker survives and keeps serving.
	require.NoError(t, o.ResetAll())
	feeds, err = o.Process(context.Background(), silentMics(), silentRef(), 0)
	require.NoError(t, err)
	assert.NotNil(t, feeds)
}

func TestUnsuccessfulTranslationPolicy(t *testing.T) {
	tests := []struct {
		policy FailurePolicy
		feeds  int
	}{
		{PolicyProject, 3},
		{PolicySkip, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.FailurePolicy = tt.policy
			mock := translate.NewMock(translate.WithMockLatency(0), translate.WithMockFailure())
			o := newTestOrchestrator(t, cfg, mock)

			task := o.ProcessAsync(context.Background(), speechMics(), silentRef(), 0)
			feeds, err := task.Wait(context.Background())
			require.NoError(t, err)
			require.NotNil(t, feeds)
			assert.Len(t, feeds, tt.feeds)
			for _, f := range feeds {
				for _, v := range f.Samples {
					require.Zero(t, v)
				}
			}
			assert.False(t, task.Report().TranslationSuccess)
		})
	}
}

func TestContextHistoryIsBounded(t *testing.T) {
	var mu sync.Mutex
	var histories [][]string
	n := 0
	tr := translate.Func(func(_ context.Context, req translate.Request) (translate.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		histories = append(histories, req.ContextHistory)
		n++
		return translate.Result{
			TranslatedAudio: translate.Silence(req.Audio),
			SourceText:      fmt.Sprintf("utt-%d", n),
			Success:         true,
		}, nil
	})

	cfg := DefaultConfig()
	cfg.HistorySize = 2
	o := newTestOrchestrator(t, cfg, tr)

	for range 4 {
		_, err := o.Process(context.Background(), speechMics(), silentRef(), 0)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, histories, 4)
	assert.Empty(t, histories[0])
	assert.Equal(t, []string{"utt-1"}, histories[1])
	assert.Equal(t, []string{"utt-1", "utt-2"}, histories[2])
	assert.Equal(t, []string{"utt-2", "utt-3"}, histories[3])
}

// blockingTranslator parks every call until release is closed and signals
// each entry on entered.
func blockingTranslator() (tr translate.Translator, entered chan struct{}, release chan struct{}) {
	entered = make(chan struct{}, 16)
	release = make(chan struct{})
	tr = translate.Func(func(ctx context.Context, req translate.Request) (translate.Result, error) {
		entered <- struct{}{}
		<-release
		if err := ctx.Err(); err != nil {
			return translate.Result{}, err
		}
		return translate.Result{TranslatedAudio: translate.Silence(req.Audio), Success: true}, nil
	})
	return tr, entered, release
}

func TestOfferDropsWhenQueueIsFull(t *testing.T) {
	tr, entered, release := blockingTranslator()
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	o := newTestOrchestrator(t, cfg, tr)

	first, err := o.Offer(speechMics(), silentRef(), 0)
	require.NoError(t, err)
	<-entered // worker is busy with the first task

	second, err := o.Offer(speechMics(), silentRef(), 0)
	require.NoError(t, err)

	_, err = o.Offer(speechMics(), silentRef(), 0)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), o.Health().Metrics().FramesDropped)

	close(release)
	ctx := context.Background()
	_, err = first.Wait(ctx)
	require.NoError(t, err)
	_, err = second.Wait(ctx)
	require.NoError(t, err)
}

func TestWaitCancellationDoesNotCancelTask(t *testing.T) {
	tr, entered, release := blockingTranslator()
	o := newTestOrchestrator(t, DefaultConfig(), tr)

	ctx, cancel := context.WithCancel(context.Background())
	task := o.ProcessAsync(ctx, speechMics(), silentRef(), 0)
	<-entered
	cancel()

	_, err := task.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	feeds, err := task.Wait(context.Background())
	require.NoError(t, err, "translator must see a live context")
	assert.Len(t, feeds, 3)
}

func TestResetAllIsSerialized(t *testing.T) {
	tr, entered, release := blockingTranslator()
	o := newTestOrchestrator(t, DefaultConfig(), tr)

	task := o.ProcessAsync(context.Background(), speechMics(), silentRef(), 0)
	<-entered

	resetDone := make(chan error, 1)
	go func() { resetDone <- o.ResetAll() }()

	select {
	case <-resetDone:
		t.Fatal("reset ran while a task was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	_, err := task.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-resetDone)

	assert.Zero(t, o.detector.Hangover())
	for _, w := range o.canceller.Weights() {
		require.Zero(t, w)
	}
}

func TestAdaptThreshold(t *testing.T) {
	o := newTestOrchestrator(t, DefaultConfig(), translate.NewMock(translate.WithMockLatency(0)))
	require.NoError(t, o.AdaptThreshold(-60))
	assert.Equal(t, -45.0, o.detector.Threshold())
}

func TestCloseDrainsQueue(t *testing.T) {
	mock := translate.NewMock(translate.WithMockLatency(time.Millisecond))
	o, err := New(DefaultConfig(), mock, WithLogger(zap.NewNop()), WithMetrics(testMetrics(t)))
	require.NoError(t, err)

	ctx := context.Background()
	tasks := make([]*Task, 4)
	for i := range tasks {
		tasks[i] = o.ProcessAsync(ctx, speechMics(), silentRef(), 0)
	}
	require.NoError(t, o.Close())

	for i, task := range tasks {
		select {
		case <-task.Done():
		default:
			t.Fatalf("task %d not finished after Close", i)
		}
		_, err := task.Wait(ctx)
		assert.NoError(t, err)
	}
	assert.Equal(t, 4, mock.Calls())

	_, err = o.Process(ctx, speechMics(), silentRef(), 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = o.Offer(speechMics(), silentRef(), 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, o.ResetAll(), ErrClosed)
	assert.NoError(t, o.Close(), "second Close is a no-op")
}

func TestReportsAreSent(t *testing.T) {
	sink := &utils.MockTransport{}
	o := newTestOrchestrator(t, DefaultConfig(), echoTranslator("hello"), WithReporter(sink))
	ctx := context.Background()

	_, err := o.Process(ctx, silentMics(), silentRef(), 0)
	require.NoError(t, err)
	_, err = o.Process(ctx, speechMics(), silentRef(), 0.3)
	require.NoError(t, err)

	sent := sink.Sent()
	require.Len(t, sent, 2)

	silent, ok := sent[0].(Report)
	require.True(t, ok)
	assert.Equal(t, ReportType, silent.Type)
	assert.Equal(t, o.Session(), silent.Session)
	assert.Equal(t, uint64(1), silent.Sequence)
	assert.False(t, silent.Speech)
	assert.Zero(t, silent.Projections)

	speech := sent[1].(Report)
	assert.Equal(t, uint64(2), speech.Sequence)
	assert.True(t, speech.Speech)
	assert.Equal(t, "hello", speech.SourceText)
	assert.Equal(t, 3, speech.Projections)
	assert.Equal(t, 0.3, speech.Azimuth)
	for _, stage := range []string{observe.StageBeamform, observe.StageEcho, observe.StageDenoise,
		observe.StageVAD, observe.StageTranslate, observe.StageProject, observe.StageTotal} {
		assert.Contains(t, speech.StageMS, stage)
	}
}

func TestDoubleTalkFreezeSkipsAdaptation(t *testing.T) {
	ref := frame.FromSamples(utils.GenerateNoise(testFrameSize, 0.01, 1), testRate, 1)

	for _, freeze := range []bool{false, true} {
		t.Run(fmt.Sprintf("freeze=%v", freeze), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.DoubleTalkFreeze = freeze
			o := newTestOrchestrator(t, cfg, echoTranslator(""))

			task := o.ProcessAsync(context.Background(), speechMics(), ref, 0)
			_, err := task.Wait(context.Background())
			require.NoError(t, err)
			assert.True(t, task.Report().DoubleTalk)

			var moved bool
			for _, w := range o.canceller.Weights() {
				if w != 0 {
					moved = true
					break
				}
			}
			assert.Equal(t, !freeze, moved)
		})
	}
}

func TestNilReferenceIsTreatedAsSilence(t *testing.T) {
	o := newTestOrchestrator(t, DefaultConfig(), echoTranslator(""))
	feeds, err := o.Process(context.Background(), speechMics(), nil, 0)
	require.NoError(t, err)
	assert.Len(t, feeds, 3)
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy(" Skip ")
	require.NoError(t, err)
	assert.Equal(t, PolicySkip, p)

	p, err = ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyProject, p)

	_, err = ParseFailurePolicy("retry")
	assert.Error(t, err)
}
