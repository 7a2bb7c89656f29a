package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/capture"
	"github.com/parley-ai/parley/internal/history"
	"github.com/parley-ai/parley/internal/voicecmd"
	"github.com/parley-ai/parley/pkg/provider/llm"
	llmmock "github.com/parley-ai/parley/pkg/provider/llm/mock"
	"github.com/parley-ai/parley/pkg/provider/stt"
	sttmock "github.com/parley-ai/parley/pkg/provider/stt/mock"
	"github.com/parley-ai/parley/pkg/provider/tts"
	ttsmock "github.com/parley-ai/parley/pkg/provider/tts/mock"
)

// ─────────────────────────────────────────────────────────────────────────────
// Test doubles
// ─────────────────────────────────────────────────────────────────────────────

// fakeCapturer is a scripted Capturer. Stop returns buf; auto-stop reasons
// can be injected through the auto channel.
type fakeCapturer struct {
	mu       sync.Mutex
	active   bool
	buf      []byte
	startErr error
	stopErr  error
	auto     chan capture.StopReason

	stops   int
	cancels int
}

func newFakeCapturer(buf []byte) *fakeCapturer {
	return &fakeCapturer{buf: buf, auto: make(chan capture.StopReason, 1)}
}

func (f *fakeCapturer) Start(mode capture.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.active {
		return capture.ErrCaptureBusy
	}
	f.active = true
	return nil
}

func (f *fakeCapturer) Stop() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return nil, capture.ErrNotCapturing
	}
	f.active = false
	f.stops++
	return f.buf, f.stopErr
}

func (f *fakeCapturer) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return capture.ErrNotCapturing
	}
	f.active = false
	f.cancels++
	return nil
}

func (f *fakeCapturer) AutoStop() <-chan capture.StopReason { return f.auto }

// fakeQueue records enqueued clips and resolves each immediately with
// playErr.
type fakeQueue struct {
	mu      sync.Mutex
	clips   []tts.Clip
	playErr error
}

func (q *fakeQueue) Enqueue(clip tts.Clip) <-chan error {
	q.mu.Lock()
	q.clips = append(q.clips, clip)
	err := q.playErr
	q.mu.Unlock()

	done := make(chan error, 1)
	done <- err
	close(done)
	return done
}

func (q *fakeQueue) enqueued() []tts.Clip {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]tts.Clip(nil), q.clips...)
}

// fixture bundles an orchestrator with its doubles.
type fixture struct {
	o    *Orchestrator
	cap  *fakeCapturer
	stt  *sttmock.Client
	llm  *llmmock.Client
	tts  *ttsmock.Client
	q    *fakeQueue
	hist *history.Log
}

func newFixture(t *testing.T, cfg Config, mutate func(*Params)) *fixture {
	t.Helper()

	f := &fixture{
		cap:  newFakeCapturer([]byte{1, 2, 3, 4}),
		stt:  &sttmock.Client{Result: stt.Result{Text: "hello", Language: "en"}},
		llm:  &llmmock.Client{Chunks: completeReply("Hi there")},
		tts:  &ttsmock.Client{},
		q:    &fakeQueue{},
		hist: history.NewLog(0),
	}
	p := Params{
		Capture:  f.cap,
		STT:      f.stt,
		LLM:      f.llm,
		TTS:      f.tts,
		Playback: f.q,
		History:  f.hist,
	}
	if mutate != nil {
		mutate(&p)
	}
	if cfg.ChunkTimeout == 0 {
		cfg.ChunkTimeout = time.Second
	}

	o, err := New(cfg, p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(o.Close)
	f.o = o
	return f
}

func completeReply(text string) []llm.Chunk {
	return []llm.Chunk{
		{Kind: llm.KindPartial, Text: text[:len(text)/2]},
		{Kind: llm.KindPartial, Text: text[len(text)/2:]},
		{Kind: llm.KindComplete, Text: text},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitIdleAfterTurn waits until a turn has finished: the state returned to
// Idle and the turn outcome (history growth or a retained error) is visible.
func (f *fixture) waitIdleAfterTurn(t *testing.T, cond func() bool) {
	t.Helper()
	waitFor(t, "turn completion", func() bool {
		return f.o.State() == StateIdle && cond()
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Construction
// ─────────────────────────────────────────────────────────────────────────────

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	hist := history.NewLog(0)
	base := Params{
		Capture: newFakeCapturer(nil),
		STT:     &sttmock.Client{},
		LLM:     &llmmock.Client{},
		History: hist,
	}

	if _, err := New(Config{}, Params{STT: base.STT, LLM: base.LLM, History: hist}); err == nil {
		t.Error("New without capture: want error")
	}
	if _, err := New(Config{}, Params{Capture: base.Capture, LLM: base.LLM, History: hist}); err == nil {
		t.Error("New without transcription client: want error")
	}
	if _, err := New(Config{SpeakReplies: true}, base); err == nil {
		t.Error("New with SpeakReplies but no synthesis: want error")
	}

	o, err := New(Config{}, base)
	if err != nil {
		t.Fatalf("New with minimal deps: %v", err)
	}
	o.Close()
}

// ─────────────────────────────────────────────────────────────────────────────
// End-to-end scenarios
// ─────────────────────────────────────────────────────────────────────────────

func TestVoiceTurnHappyPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SpeakReplies: true, DefaultVoice: "alloy"}, nil)
	updates, unsubscribe := f.o.Subscribe()
	defer unsubscribe()

	if err := f.o.BeginCapture(context.Background(), capture.PushToTalk); err != nil {
		t.Fatalf("BeginCapture: %v", err)
	}
	if got := f.o.State(); got != StateCapturing {
		t.Fatalf("state after BeginCapture = %v, want %v", got, StateCapturing)
	}
	if err := f.o.EndCapture(context.Background()); err != nil {
		t.Fatalf("EndCapture: %v", err)
	}

	f.waitIdleAfterTurn(t, func() bool { return f.hist.Len() == 2 })

	turns := f.o.History()
	if turns[0].Role != history.RoleUser || turns[0].Content != "hello" {
		t.Errorf("turn 0 = %s %q, want user \"hello\"", turns[0].Role, turns[0].Content)
	}
	if turns[1].Role != history.RoleAssistant || turns[1].Content != "Hi there" {
		t.Errorf("turn 1 = %s %q, want assistant \"Hi there\"", turns[1].Role, turns[1].Content)
	}
	if err := f.o.LastError(); err != nil {
		t.Errorf("LastError = %+v, want nil", err)
	}
	if got := f.tts.CallCount(); got != 1 {
		t.Errorf("synthesize calls = %d, want 1", got)
	}
	if got := len(f.q.enqueued()); got != 1 {
		t.Errorf("enqueued clips = %d, want 1", got)
	}

	// Every pipeline stage must have been visible to the subscriber, in
	// machine order. The turn is complete, so all updates are buffered.
	want := []State{StateCapturing, StateTranscribing, StateAwaitingReply, StateStreamingReply, StateSpeaking, StateIdle}
	seen := make([]State, 0, 16)
drain:
	for {
		select {
		case u := <-updates:
			if len(seen) == 0 || seen[len(seen)-1] != u.State {
				seen = append(seen, u.State)
			}
		default:
			break drain
		}
	}
	wi := 0
	for _, s := range seen {
		if wi < len(want) && s == want[wi] {
			wi++
		}
	}
	if wi != len(want) {
		t.Errorf("observed states %v do not contain ordered sequence %v", seen, want)
	}
}

func TestSilenceOnlyTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SpeakReplies: true}, nil)
	f.stt.Err = stt.ErrEmptyUtterance

	if err := f.o.BeginCapture(context.Background(), capture.Continuous); err != nil {
		t.Fatalf("BeginCapture: %v", err)
	}
	if err := f.o.EndCapture(context.Background()); err != nil {
		t.Fatalf("EndCapture: %v", err)
	}

	f.waitIdleAfterTurn(t, func() bool { return f.o.LastError() != nil })

	if got := f.o.LastError().Kind; got != "empty_utterance" {
		t.Errorf("LastError.Kind = %q, want %q", got, "empty_utterance")
	}
	if f.hist.Len() != 0 {
		t.Errorf("history length = %d, want 0", f.hist.Len())
	}
	if f.llm.CallCount() != 0 {
		t.Errorf("reply stream was started for an empty utterance")
	}
	if f.tts.CallCount() != 0 {
		t.Errorf("synthesis was invoked for an empty utterance")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Busy rejection
// ─────────────────────────────────────────────────────────────────────────────

func TestBeginCaptureWhileBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	if err := f.o.BeginCapture(context.Background(), capture.PushToTalk); err != nil {
		t.Fatalf("BeginCapture: %v", err)
	}

	err := f.o.BeginCapture(context.Background(), capture.PushToTalk)
	if !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second BeginCapture error = %v, want ErrSessionBusy", err)
	}
	if got := f.o.State(); got != StateCapturing {
		t.Errorf("state after rejected BeginCapture = %v, want Capturing (unchanged)", got)
	}

	// Idempotent rejection: a third attempt behaves identically.
	if err := f.o.BeginCapture(context.Background(), capture.Continuous); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("third BeginCapture error = %v, want ErrSessionBusy", err)
	}
}

func TestSubmitTextWhileBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	if err := f.o.BeginCapture(context.Background(), capture.PushToTalk); err != nil {
		t.Fatalf("BeginCapture: %v", err)
	}
	if err := f.o.SubmitText(context.Background(), "hi"); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("SubmitText while capturing error = %v, want ErrSessionBusy", err)
	}
}

func TestEndCaptureWhileIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	if err := f.o.EndCapture(context.Background()); !errors.Is(err, capture.ErrNotCapturing) {
		t.Errorf("EndCapture while idle error = %v, want ErrNotCapturing", err)
	}
	if err := f.o.CancelCapture(context.Background()); !errors.Is(err, capture.ErrNotCapturing) {
		t.Errorf("CancelCapture while idle error = %v, want ErrNotCapturing", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Cancellation and abandonment
// ─────────────────────────────────────────────────────────────────────────────

func TestCancelCaptureDiscardsBuffer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	if err := f.o.BeginCapture(context.Background(), capture.PushToTalk); err != nil {
		t.Fatalf("BeginCapture: %v", err)
	}
	if err := f.o.CancelCapture(context.Background()); err != nil {
		t.Fatalf("CancelCapture: %v", err)
	}

	if got := f.o.State(); got != StateIdle {
		t.Errorf("state after cancel = %v, want Idle", got)
	}
	if f.stt.CallCount() != 0 {
		t.Errorf("transcription ran after a cancelled capture")
	}
	if f.cap.cancels != 1 {
		t.Errorf("device cancel calls = %d, want 1", f.cap.cancels)
	}
}

func TestAbandonReplyAppendsNoTurn(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	f := newFixture(t, Config{}, func(p *Params) {
		p.LLM = &llmmock.Client{StreamFunc: func(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
			ch := make(chan llm.Chunk)
			go func() {
				defer close(ch)
				ch <- llm.Chunk{Kind: llm.KindPartial, Text: "half a rep"}
				close(started)
				<-ctx.Done() // never delivers a terminal chunk
			}()
			return ch, nil
		}}
	})

	if err := f.o.SubmitText(context.Background(), "question"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	<-started
	waitFor(t, "partial preview", func() bool { return f.o.PartialText() != "" })
	f.o.Abandon()

	f.waitIdleAfterTurn(t, func() bool { return true })

	if f.hist.Len() != 0 {
		t.Errorf("history length after abandoned reply = %d, want 0", f.hist.Len())
	}
	if got := f.o.PartialText(); got != "" {
		t.Errorf("partial text after abandonment = %q, want empty", got)
	}
	if err := f.o.LastError(); err != nil {
		t.Errorf("abandonment retained an error: %+v", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Failure taxonomy
// ─────────────────────────────────────────────────────────────────────────────

func TestTranscriptionFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	f.stt.Err = errors.New("model exploded")
	f.stt.Result = stt.Result{}

	mustRunVoiceTurn(t, f)
	f.waitIdleAfterTurn(t, func() bool { return f.o.LastError() != nil })

	if got := f.o.LastError().Kind; got != "transcription_failed" {
		t.Errorf("LastError.Kind = %q, want %q", got, "transcription_failed")
	}
	if f.hist.Len() != 0 {
		t.Errorf("history length = %d, want 0", f.hist.Len())
	}
}

func TestErrorChunkAppendsNoTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	f.llm.Chunks = []llm.Chunk{
		{Kind: llm.KindPartial, Text: "so far so"},
		{Kind: llm.KindError, Err: errors.New("rate limited")},
	}

	before := f.hist.Len()
	mustRunVoiceTurn(t, f)
	f.waitIdleAfterTurn(t, func() bool { return f.o.LastError() != nil })

	if got := f.o.LastError().Kind; got != "reply_error" {
		t.Errorf("LastError.Kind = %q, want %q", got, "reply_error")
	}
	if f.hist.Len() != before {
		t.Errorf("history length changed across errored reply: %d -> %d", before, f.hist.Len())
	}
	if got := f.o.PartialText(); got != "" {
		t.Errorf("partial text after errored reply = %q, want empty", got)
	}
}

func TestStreamClosedWithoutTerminalChunk(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	f.llm.Chunks = []llm.Chunk{{Kind: llm.KindPartial, Text: "and then the"}}

	mustRunVoiceTurn(t, f)
	f.waitIdleAfterTurn(t, func() bool { return f.o.LastError() != nil })

	if got := f.o.LastError().Kind; got != "stream_truncated" {
		t.Errorf("LastError.Kind = %q, want %q", got, "stream_truncated")
	}
	if f.hist.Len() != 0 {
		t.Errorf("history length = %d, want 0", f.hist.Len())
	}
}

func TestStalledStreamTimesOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{ChunkTimeout: 20 * time.Millisecond}, func(p *Params) {
		p.LLM = &llmmock.Client{StreamFunc: func(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
			return make(chan llm.Chunk), nil // never emits
		}}
	})

	mustRunVoiceTurn(t, f)
	f.waitIdleAfterTurn(t, func() bool { return f.o.LastError() != nil })

	if got := f.o.LastError().Kind; got != "stream_truncated" {
		t.Errorf("LastError.Kind = %q, want %q", got, "stream_truncated")
	}
}

func TestSynthesisFailureKeepsAssistantTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SpeakReplies: true}, nil)
	f.tts.Err = errors.New("voice service down")

	mustRunVoiceTurn(t, f)
	f.waitIdleAfterTurn(t, func() bool { return f.hist.Len() == 2 })

	// Partial-success policy: the reply succeeded, only the voicing failed.
	turns := f.o.History()
	if turns[1].Role != history.RoleAssistant || turns[1].Content != "Hi there" {
		t.Errorf("assistant turn missing after synthesis failure: %+v", turns)
	}
	waitFor(t, "retained error", func() bool { return f.o.LastError() != nil })
	if got := f.o.LastError().Kind; got != "synthesis_failed" {
		t.Errorf("LastError.Kind = %q, want %q", got, "synthesis_failed")
	}
}

func TestDeviceUnavailableStaysIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	f.cap.startErr = capture.ErrDeviceUnavailable

	err := f.o.BeginCapture(context.Background(), capture.PushToTalk)
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("BeginCapture error = %v, want ErrDeviceUnavailable", err)
	}
	if got := f.o.State(); got != StateIdle {
		t.Errorf("state after device failure = %v, want Idle", got)
	}
	if got := f.o.LastError(); got == nil || got.Kind != "device_unavailable" {
		t.Errorf("LastError = %+v, want kind device_unavailable", got)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Reply semantics
// ─────────────────────────────────────────────────────────────────────────────

func TestPartialReconstruction(t *testing.T) {
	t.Parallel()

	// The terminal chunk carries no text: the reply must be reconstructed by
	// concatenating partials in emission order.
	f := newFixture(t, Config{}, nil)
	f.llm.Chunks = []llm.Chunk{
		{Kind: llm.KindPartial, Text: "The quick "},
		{Kind: llm.KindPartial, Text: "brown fox "},
		{Kind: llm.KindPartial, Text: "jumps."},
		{Kind: llm.KindComplete},
	}

	mustRunVoiceTurn(t, f)
	f.waitIdleAfterTurn(t, func() bool { return f.hist.Len() == 2 })

	if got := f.o.History()[1].Content; got != "The quick brown fox jumps." {
		t.Errorf("reconstructed reply = %q, want %q", got, "The quick brown fox jumps.")
	}
}

func TestCompleteChunkTextIsAuthoritative(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	f.llm.Chunks = []llm.Chunk{
		{Kind: llm.KindPartial, Text: "draft text"},
		{Kind: llm.KindComplete, Text: "final text"},
	}

	mustRunVoiceTurn(t, f)
	f.waitIdleAfterTurn(t, func() bool { return f.hist.Len() == 2 })

	if got := f.o.History()[1].Content; got != "final text" {
		t.Errorf("assistant turn = %q, want the complete chunk's text", got)
	}
}

func TestPreSynthesizedAudioSkipsSynthesis(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SpeakReplies: true}, nil)
	f.llm.Chunks = []llm.Chunk{
		{Kind: llm.KindComplete, Text: "spoken already", Audio: []byte{9, 9, 9}, MIME: "audio/mpeg"},
	}

	mustRunVoiceTurn(t, f)
	f.waitIdleAfterTurn(t, func() bool { return len(f.q.enqueued()) == 1 })

	if f.tts.CallCount() != 0 {
		t.Errorf("synthesis ran despite pre-synthesized audio")
	}
	clip := f.q.enqueued()[0]
	if string(clip.Audio) != string([]byte{9, 9, 9}) || clip.MIME != "audio/mpeg" {
		t.Errorf("enqueued clip = %+v, want the stream's audio", clip)
	}
}

func TestRequestCarriesHistoryAndSystemPrompt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SystemPrompt: "be brief", Temperature: 0.4, MaxTokens: 128}, nil)
	f.hist.Append(history.NewTurn(history.RoleUser, "earlier question", "en"))
	f.hist.Append(history.NewTurn(history.RoleAssistant, "earlier answer", "en"))

	mustRunVoiceTurn(t, f)
	f.waitIdleAfterTurn(t, func() bool { return f.hist.Len() == 4 })

	req := f.llm.LastRequest()
	if req.SystemPrompt != "be brief" {
		t.Errorf("SystemPrompt = %q, want %q", req.SystemPrompt, "be brief")
	}
	if req.Temperature != 0.4 || req.MaxTokens != 128 {
		t.Errorf("sampling params = (%v, %d), want (0.4, 128)", req.Temperature, req.MaxTokens)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("message count = %d, want 3 (history pair + new utterance)", len(req.Messages))
	}
	if last := req.Messages[2]; last.Role != llm.RoleUser || last.Content != "hello" {
		t.Errorf("final message = %+v, want the new user utterance", last)
	}
}

func TestLanguageSelectsVoice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{
		SpeakReplies:     true,
		DefaultVoice:     "alloy",
		VoiceForLanguage: map[string]string{"zh": "zh-voice", "ja": "ja-voice"},
	}, nil)
	f.stt.Result = stt.Result{Text: "你好", Language: "zh-CN"}

	mustRunVoiceTurn(t, f)
	f.waitIdleAfterTurn(t, func() bool { return f.tts.CallCount() == 1 })

	if got := f.tts.LastCall().Voice.ID; got != "zh-voice" {
		t.Errorf("voice = %q, want per-language %q", got, "zh-voice")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Typed input
// ─────────────────────────────────────────────────────────────────────────────

func TestSubmitText(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	if err := f.o.SubmitText(context.Background(), "typed question"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}

	f.waitIdleAfterTurn(t, func() bool { return f.hist.Len() == 2 })

	if f.stt.CallCount() != 0 {
		t.Errorf("transcription ran for typed input")
	}
	if got := f.o.History()[0].Content; got != "typed question" {
		t.Errorf("user turn = %q, want %q", got, "typed question")
	}
}

func TestSubmitTextRejectsBlank(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	if err := f.o.SubmitText(context.Background(), "   \n"); !errors.Is(err, ErrEmptyText) {
		t.Errorf("SubmitText(blank) error = %v, want ErrEmptyText", err)
	}
	if got := f.o.State(); got != StateIdle {
		t.Errorf("state = %v, want Idle", got)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// History and config gating
// ─────────────────────────────────────────────────────────────────────────────

func TestClearHistoryGating(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	f.hist.Append(history.NewTurn(history.RoleUser, "a", "en"))
	f.hist.Append(history.NewTurn(history.RoleAssistant, "b", "en"))

	if err := f.o.BeginCapture(context.Background(), capture.PushToTalk); err != nil {
		t.Fatalf("BeginCapture: %v", err)
	}
	if err := f.o.ClearHistory(); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("ClearHistory while capturing error = %v, want ErrSessionBusy", err)
	}
	if f.hist.Len() != 2 {
		t.Errorf("history mutated by rejected clear: len = %d", f.hist.Len())
	}

	if err := f.o.CancelCapture(context.Background()); err != nil {
		t.Fatalf("CancelCapture: %v", err)
	}
	if err := f.o.ClearHistory(); err != nil {
		t.Fatalf("ClearHistory while idle: %v", err)
	}
	if f.hist.Len() != 0 {
		t.Errorf("history length after clear = %d, want 0", f.hist.Len())
	}
}

func TestReloadConfigGating(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	if err := f.o.BeginCapture(context.Background(), capture.PushToTalk); err != nil {
		t.Fatalf("BeginCapture: %v", err)
	}
	if err := f.o.ReloadConfig(Config{SystemPrompt: "new"}); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("ReloadConfig while capturing error = %v, want ErrSessionBusy", err)
	}
	if err := f.o.CancelCapture(context.Background()); err != nil {
		t.Fatalf("CancelCapture: %v", err)
	}
	if err := f.o.ReloadConfig(Config{SystemPrompt: "new"}); err != nil {
		t.Fatalf("ReloadConfig while idle: %v", err)
	}

	mustRunVoiceTurn(t, f)
	f.waitIdleAfterTurn(t, func() bool { return f.llm.CallCount() == 1 })
	if got := f.llm.LastRequest().SystemPrompt; got != "new" {
		t.Errorf("SystemPrompt after reload = %q, want %q", got, "new")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Spoken-command boundary
// ─────────────────────────────────────────────────────────────────────────────

func TestClearPhraseIsOrdinaryTextWithoutFilter(t *testing.T) {
	t.Parallel()

	// Without a command filter installed, a clear phrase is just another
	// utterance and flows to the reply backend unchanged.
	f := newFixture(t, Config{}, nil)
	f.stt.Result = stt.Result{Text: "清空对话", Language: "zh"}

	mustRunVoiceTurn(t, f)
	f.waitIdleAfterTurn(t, func() bool { return f.hist.Len() == 2 })

	req := f.llm.LastRequest()
	if got := req.Messages[len(req.Messages)-1].Content; got != "清空对话" {
		t.Errorf("utterance sent to backend = %q, want %q", got, "清空对话")
	}
	if got := f.o.History()[0].Content; got != "清空对话" {
		t.Errorf("user turn = %q, want the raw phrase", got)
	}
}

func TestClearPhraseInterceptedByFilter(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, func(p *Params) {
		p.Commands = voicecmd.New()
	})
	f.hist.Append(history.NewTurn(history.RoleUser, "old", "en"))
	f.hist.Append(history.NewTurn(history.RoleAssistant, "old reply", "en"))
	f.stt.Result = stt.Result{Text: "清空对话", Language: "zh"}

	mustRunVoiceTurn(t, f)
	f.waitIdleAfterTurn(t, func() bool { return f.hist.Len() == 0 })

	if f.llm.CallCount() != 0 {
		t.Errorf("reply stream ran for an intercepted command")
	}
	if err := f.o.LastError(); err != nil {
		t.Errorf("command interception retained an error: %+v", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Auto-stop and subscriptions
// ─────────────────────────────────────────────────────────────────────────────

func TestAutoStopFinalizesCapture(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	if err := f.o.BeginCapture(context.Background(), capture.Continuous); err != nil {
		t.Fatalf("BeginCapture: %v", err)
	}

	f.cap.auto <- capture.ReasonSilence
	f.waitIdleAfterTurn(t, func() bool { return f.hist.Len() == 2 })

	if f.cap.stops != 1 {
		t.Errorf("device stop calls = %d, want 1", f.cap.stops)
	}
}

func TestSubscribeDeliversInitialState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	updates, unsubscribe := f.o.Subscribe()
	defer unsubscribe()

	select {
	case u := <-updates:
		if u.State != StateIdle {
			t.Errorf("initial update state = %v, want Idle", u.State)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial update delivered")
	}
}

func TestDismissError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	f.stt.Err = stt.ErrEmptyUtterance

	mustRunVoiceTurn(t, f)
	f.waitIdleAfterTurn(t, func() bool { return f.o.LastError() != nil })

	f.o.DismissError()
	if got := f.o.LastError(); got != nil {
		t.Errorf("LastError after dismiss = %+v, want nil", got)
	}
}

// mustRunVoiceTurn starts and immediately finalizes a push-to-talk capture.
func mustRunVoiceTurn(t *testing.T, f *fixture) {
	t.Helper()
	if err := f.o.BeginCapture(context.Background(), capture.PushToTalk); err != nil {
		t.Fatalf("BeginCapture: %v", err)
	}
	if err := f.o.EndCapture(context.Background()); err != nil {
		t.Fatalf("EndCapture: %v", err)
	}
}
