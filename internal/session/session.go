// Package session implements the voice session orchestrator: a single-turn
// state machine driving capture → transcription → streamed reply → synthesis
// → playback.
//
// At most one turn pipeline is in flight at a time. The orchestrator owns the
// session state and is the sole writer of the conversation history; all
// provider clients are stateless per call.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/capture"
	"github.com/parley-ai/parley/internal/history"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/provider/tts"
)

var (
	// ErrSessionBusy is returned when an operation requires the Idle state
	// but a turn is already in flight.
	ErrSessionBusy = errors.New("session: busy")

	// ErrEmptyText is returned by SubmitText for blank input.
	ErrEmptyText = errors.New("session: empty text")

	// ErrStreamTruncated reports a reply stream that ended (or stalled past
	// the chunk timeout) without a terminal chunk.
	ErrStreamTruncated = errors.New("session: reply stream truncated")

	// ErrTranscriptionFailed wraps transcription errors other than
	// [stt.ErrEmptyUtterance].
	ErrTranscriptionFailed = errors.New("session: transcription failed")

	// ErrSynthesisFailed wraps speech synthesis errors. The assistant turn
	// is kept in history when this occurs: the reply succeeded, only the
	// voicing failed.
	ErrSynthesisFailed = errors.New("session: synthesis failed")
)

// State is the orchestrator's session state. Errors do not form a distinct
// state: a failed stage returns the machine to [StateIdle] and retains an
// [ErrorInfo] descriptor until the next turn starts or the error is
// dismissed.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateTranscribing
	StateAwaitingReply
	StateStreamingReply
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateTranscribing:
		return "transcribing"
	case StateAwaitingReply:
		return "awaiting_reply"
	case StateStreamingReply:
		return "streaming_reply"
	case StateSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrorInfo is the retained descriptor of the most recent pipeline failure.
type ErrorInfo struct {
	// Kind is a stable machine-readable label ("empty_utterance",
	// "transcription_failed", "stream_truncated", ...).
	Kind string
	// Message is the human-readable detail.
	Message string
	// At is when the failure occurred.
	At time.Time
}

// Update is a state-change notification delivered to subscribers. History
// contents are read separately via [Orchestrator.History].
type Update struct {
	State       State
	PartialText string
	LastError   *ErrorInfo
	HistoryLen  int
}

// Capturer is the microphone capture surface the orchestrator drives.
// *capture.Session implements it.
type Capturer interface {
	Start(mode capture.Mode) error
	Stop() ([]byte, error)
	Cancel() error
	AutoStop() <-chan capture.StopReason
}

// Compile-time check against the concrete capture session.
var _ Capturer = (*capture.Session)(nil)

// Playback is the FIFO clip queue the orchestrator feeds. *playback.Queue
// implements it. The returned channel delivers the playback outcome for the
// enqueued clip and is closed afterwards.
type Playback interface {
	Enqueue(clip tts.Clip) <-chan error
}

// CommandFilter recognises spoken commands that should be intercepted above
// the reply pipeline. voicecmd.Filter implements it. The orchestrator itself
// never inspects utterance text: without a filter installed every transcript,
// clear-phrase lookalikes included, flows to the language model unchanged.
type CommandFilter interface {
	IsClearHistory(text string) bool
}

// Config is the per-turn snapshot of tunables. It is read when a turn starts
// and never re-read mid-turn, so a reload cannot alter an in-flight turn.
type Config struct {
	// SystemPrompt is prepended to every reply request when non-empty.
	SystemPrompt string

	// Temperature and MaxTokens are forwarded to the reply backend; zero
	// values mean backend defaults.
	Temperature float64
	MaxTokens   int

	// LanguageHint biases transcription when non-empty (BCP-47 base tag).
	LanguageHint string

	// SpeakReplies enables the synthesis and playback stages. When false a
	// completed reply returns the machine to Idle directly.
	SpeakReplies bool

	// DefaultVoice is the synthesis voice used when no per-language voice
	// matches the detected language.
	DefaultVoice string

	// VoiceForLanguage maps detected language tags ("zh", "en", "ja", "ko")
	// to synthesis voice identifiers.
	VoiceForLanguage map[string]string

	// SpeechSpeed is the synthesis speed multiplier; zero means default.
	SpeechSpeed float64

	// ChunkTimeout bounds the wait between consecutive reply chunks. A
	// stream that stalls longer fails with [ErrStreamTruncated]. Zero means
	// [DefaultChunkTimeout].
	ChunkTimeout time.Duration
}

// DefaultChunkTimeout is the reply inter-chunk stall limit.
const DefaultChunkTimeout = 30 * time.Second

// Params holds the orchestrator's collaborators.
type Params struct {
	Capture  Capturer
	STT      stt.Client
	LLM      llm.Client
	TTS      tts.Client // optional; required only when Config.SpeakReplies
	Playback Playback   // optional; required only when Config.SpeakReplies
	History  *history.Log
	Commands CommandFilter    // optional spoken-command interceptor
	Metrics  *observe.Metrics // optional; DefaultMetrics when nil
	Logger   *slog.Logger     // optional; slog.Default when nil
}

// Orchestrator is the voice session state machine. All exported methods are
// safe for concurrent use.
type Orchestrator struct {
	mu      sync.Mutex
	state   State
	partial strings.Builder
	lastErr *ErrorInfo
	cfg     Config

	// turnCancel aborts the in-flight turn pipeline; nil while Idle or
	// Capturing.
	turnCancel context.CancelFunc

	subscribers map[uint64]chan Update
	nextSubID   uint64

	cap     Capturer
	sttc    stt.Client
	llmc    llm.Client
	ttsc    tts.Client
	queue   Playback
	hist    *history.Log
	cmds    CommandFilter
	metrics *observe.Metrics
	log     *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an Orchestrator in the Idle state and starts the auto-stop
// watcher that finalizes captures ended by silence or the max-duration guard.
// Call Close to release it.
func New(cfg Config, p Params) (*Orchestrator, error) {
	if p.Capture == nil {
		return nil, errors.New("session: capture is required")
	}
	if p.STT == nil {
		return nil, errors.New("session: transcription client is required")
	}
	if p.LLM == nil {
		return nil, errors.New("session: reply client is required")
	}
	if p.History == nil {
		return nil, errors.New("session: history log is required")
	}
	if cfg.SpeakReplies && (p.TTS == nil || p.Playback == nil) {
		return nil, errors.New("session: synthesis client and playback queue are required when replies are spoken")
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultChunkTimeout
	}
	if p.Metrics == nil {
		p.Metrics = observe.DefaultMetrics()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	o := &Orchestrator{
		state:       StateIdle,
		cfg:         cfg,
		subscribers: make(map[uint64]chan Update),
		cap:         p.Capture,
		sttc:        p.STT,
		llmc:        p.LLM,
		ttsc:        p.TTS,
		queue:       p.Playback,
		hist:        p.History,
		cmds:        p.Commands,
		metrics:     p.Metrics,
		log:         p.Logger,
		done:        make(chan struct{}),
	}

	o.wg.Add(1)
	go o.watchAutoStop()

	return o, nil
}

// Close stops the auto-stop watcher, cancels any in-flight turn and waits for
// the pipeline goroutine to exit. It is idempotent.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
		o.mu.Lock()
		if o.turnCancel != nil {
			o.turnCancel()
		}
		o.mu.Unlock()
	})
	o.wg.Wait()
}

// State reports the current session state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// History returns a snapshot of the conversation history, oldest first.
func (o *Orchestrator) History() []history.Turn {
	return o.hist.Snapshot()
}

// PartialText returns the live reply preview accumulated from partial chunks
// of the in-flight turn. Empty outside the streaming stage.
func (o *Orchestrator) PartialText() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.partial.String()
}

// LastError returns the retained descriptor of the most recent failure, or
// nil. It is cleared when a new turn starts or via DismissError.
func (o *Orchestrator) LastError() *ErrorInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastErr == nil {
		return nil
	}
	e := *o.lastErr
	return &e
}

// DismissError clears the retained error descriptor.
func (o *Orchestrator) DismissError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastErr != nil {
		o.lastErr = nil
		o.publishLocked()
	}
}

// Subscribe registers a state-change listener. Updates are delivered
// best-effort: a subscriber that falls behind misses intermediate updates
// rather than blocking the pipeline. The returned function unsubscribes and
// closes the channel.
func (o *Orchestrator) Subscribe() (<-chan Update, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextSubID
	o.nextSubID++
	ch := make(chan Update, 16)
	o.subscribers[id] = ch
	ch <- o.updateLocked()

	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if sub, ok := o.subscribers[id]; ok {
			delete(o.subscribers, id)
			close(sub)
		}
	}
}

// BeginCapture opens the microphone and enters Capturing. It fails with
// [ErrSessionBusy] if any stage other than Idle is active, leaving the state
// unchanged.
func (o *Orchestrator) BeginCapture(ctx context.Context, mode capture.Mode) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateIdle {
		return fmt.Errorf("%w: state is %s", ErrSessionBusy, o.state)
	}

	if err := o.cap.Start(mode); err != nil {
		o.failLocked("device_unavailable", err)
		return err
	}

	o.lastErr = nil
	o.state = StateCapturing
	o.metrics.ActiveCaptures.Add(ctx, 1)
	o.log.Info("capture started", "mode", mode.String())
	o.publishLocked()
	return nil
}

// EndCapture finalizes the active capture and launches the turn pipeline
// (transcribe → reply → speak). It fails with [capture.ErrNotCapturing] when
// no capture is active.
func (o *Orchestrator) EndCapture(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateCapturing {
		return capture.ErrNotCapturing
	}

	pcm, err := o.cap.Stop()
	o.metrics.ActiveCaptures.Add(ctx, -1)
	if err != nil {
		o.failLocked("capture_failed", err)
		o.state = StateIdle
		o.publishLocked()
		return err
	}

	o.state = StateTranscribing
	o.publishLocked()

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.turnCancel = cancel
	o.wg.Add(1)
	go o.runVoiceTurn(turnCtx, pcm)
	return nil
}

// CancelCapture discards the active capture and returns to Idle with no side
// effects. It fails with [capture.ErrNotCapturing] when no capture is active.
func (o *Orchestrator) CancelCapture(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateCapturing {
		return capture.ErrNotCapturing
	}

	err := o.cap.Cancel()
	o.metrics.ActiveCaptures.Add(ctx, -1)
	o.state = StateIdle
	o.log.Info("capture cancelled")
	o.publishLocked()
	return err
}

// SubmitText enters the pipeline at the reply stage with typed input,
// skipping capture and transcription. It fails with [ErrSessionBusy] outside
// Idle and with [ErrEmptyText] for blank input.
func (o *Orchestrator) SubmitText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateIdle {
		return fmt.Errorf("%w: state is %s", ErrSessionBusy, o.state)
	}

	o.lastErr = nil
	o.state = StateAwaitingReply
	o.publishLocked()

	cfg := o.cfg
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.turnCancel = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.clearTurnCancel(cancel)

		ctx, span := observe.StartSpan(turnCtx, "session.turn")
		defer span.End()

		o.runReply(ctx, cfg, text, cfg.LanguageHint, "text", time.Now())
	}()
	return nil
}

// Abandon cancels the in-flight reply stream or playback wait. The turn ends
// with no assistant turn appended and any partial content discarded. It is a
// no-op while Idle or Capturing.
func (o *Orchestrator) Abandon() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.turnCancel != nil {
		o.turnCancel()
	}
}

// ClearHistory empties the conversation history. Permitted from Idle only;
// during an active turn it fails with [ErrSessionBusy] so a transcript is
// never truncated mid-append.
func (o *Orchestrator) ClearHistory() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateIdle {
		return fmt.Errorf("%w: state is %s", ErrSessionBusy, o.state)
	}

	o.hist.Clear()
	o.log.Info("history cleared")
	o.publishLocked()
	return nil
}

// ReloadConfig replaces the configuration snapshot atomically. Permitted from
// Idle only; a turn that is already in flight keeps the snapshot it started
// with.
func (o *Orchestrator) ReloadConfig(cfg Config) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateIdle {
		return fmt.Errorf("%w: state is %s", ErrSessionBusy, o.state)
	}

	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultChunkTimeout
	}
	if cfg.SpeakReplies && (o.ttsc == nil || o.queue == nil) {
		return errors.New("session: cannot enable spoken replies without a synthesis client and playback queue")
	}
	o.cfg = cfg
	o.log.Info("config reloaded")
	return nil
}

// watchAutoStop finalizes captures that the capture session ends on its own
// (trailing silence in continuous mode, the max-duration guard in both).
func (o *Orchestrator) watchAutoStop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case reason, ok := <-o.cap.AutoStop():
			if !ok {
				return
			}
			o.log.Debug("capture auto-stop", "reason", reason.String())
			if err := o.EndCapture(context.Background()); err != nil && !errors.Is(err, capture.ErrNotCapturing) {
				o.log.Warn("auto-stop finalize failed", "error", err)
			}
		}
	}
}

// runVoiceTurn drives transcription and hands off to the reply stage.
func (o *Orchestrator) runVoiceTurn(ctx context.Context, pcm []byte) {
	defer o.wg.Done()

	o.mu.Lock()
	cfg := o.cfg
	cancel := o.turnCancel
	o.mu.Unlock()
	defer o.clearTurnCancel(cancel)

	ctx, span := observe.StartSpan(ctx, "session.turn")
	defer span.End()
	log := observe.Logger(ctx)

	turnStart := time.Now()
	sttStart := turnStart
	res, err := o.sttc.Transcribe(ctx, pcm, stt.Hint{Language: cfg.LanguageHint})
	o.metrics.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
	switch {
	case errors.Is(err, stt.ErrEmptyUtterance):
		log.Info("empty utterance, skipping reply")
		o.finishTurn(ctx, "voice", "empty", turnStart, &ErrorInfo{
			Kind:    "empty_utterance",
			Message: err.Error(),
			At:      time.Now(),
		})
		return
	case err != nil:
		log.Error("transcription failed", "error", err)
		o.metrics.RecordPipelineError(ctx, "transcription_failed")
		o.finishTurn(ctx, "voice", "error", turnStart, &ErrorInfo{
			Kind:    "transcription_failed",
			Message: fmt.Errorf("%w: %w", ErrTranscriptionFailed, err).Error(),
			At:      time.Now(),
		})
		return
	}

	// Spoken-command interception sits above the reply pipeline: when the
	// installed filter claims the utterance, the history is cleared and no
	// turn is recorded.
	if o.cmds != nil && o.cmds.IsClearHistory(res.Text) {
		log.Info("clear-history command recognised", "text", res.Text)
		o.hist.Clear()
		o.finishTurn(ctx, "voice", "command", turnStart, nil)
		return
	}

	o.runReply(ctx, cfg, res.Text, res.Language, "voice", turnStart)
}

// runReply streams the assistant reply for userText, appends both turns on
// success and drives the speaking stage. History is untouched on any failure
// or abandonment: an errored attempt leaves len(history) unchanged.
func (o *Orchestrator) runReply(ctx context.Context, cfg Config, userText, language, mode string, turnStart time.Time) {
	log := observe.Logger(ctx)
	o.setState(StateAwaitingReply)

	req := llm.Request{
		SystemPrompt: cfg.SystemPrompt,
		Messages:     append(messagesFromHistory(o.hist.Snapshot()), llm.Message{Role: llm.RoleUser, Content: userText}),
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	}

	llmStart := time.Now()
	chunks, err := o.llmc.Stream(ctx, req)
	if err != nil {
		log.Error("reply stream failed to start", "error", err)
		o.metrics.RecordPipelineError(ctx, "reply_failed")
		o.finishTurn(ctx, mode, "error", turnStart, &ErrorInfo{
			Kind:    "reply_failed",
			Message: err.Error(),
			At:      time.Now(),
		})
		return
	}

	final, terminal, errInfo := o.consumeStream(ctx, cfg, chunks)
	o.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
	if errInfo != nil {
		log.Warn("reply failed", "kind", errInfo.Kind, "detail", errInfo.Message)
		o.metrics.RecordPipelineError(ctx, errInfo.Kind)
		o.finishTurn(ctx, mode, "error", turnStart, errInfo)
		return
	}
	if final == "" && terminal.Kind != llm.KindComplete {
		// Abandoned by the consumer: discard partial content silently.
		log.Info("reply abandoned")
		o.finishTurn(ctx, mode, "abandoned", turnStart, nil)
		return
	}

	// Both turns are appended together once the reply completes, so a failed
	// or abandoned attempt never leaves a dangling user turn behind.
	o.hist.Append(history.NewTurn(history.RoleUser, userText, language))
	o.hist.Append(history.NewTurn(history.RoleAssistant, final, language))
	o.setPartial("")
	log.Info("reply complete", "chars", len(final), "language", language)

	if !cfg.SpeakReplies {
		o.finishTurn(ctx, mode, "ok", turnStart, nil)
		return
	}
	o.speak(ctx, cfg, final, language, terminal, mode, turnStart)
}

// consumeStream drains the reply channel. It returns the final text and the
// terminal chunk on success; a non-nil ErrorInfo on error or truncation; and
// ("", zero, nil) when ctx was cancelled by the consumer.
func (o *Orchestrator) consumeStream(ctx context.Context, cfg Config, chunks <-chan llm.Chunk) (string, llm.Chunk, *ErrorInfo) {
	timer := time.NewTimer(cfg.ChunkTimeout)
	defer timer.Stop()

	var assembled strings.Builder
	for {
		select {
		case <-ctx.Done():
			o.setPartial("")
			if errors.Is(ctx.Err(), context.Canceled) {
				return "", llm.Chunk{}, nil
			}
			return "", llm.Chunk{}, truncatedInfo(ctx.Err())

		case <-timer.C:
			o.setPartial("")
			return "", llm.Chunk{}, truncatedInfo(fmt.Errorf("no chunk within %s", cfg.ChunkTimeout))

		case c, ok := <-chunks:
			if !ok {
				o.setPartial("")
				return "", llm.Chunk{}, truncatedInfo(errors.New("stream closed without terminal chunk"))
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(cfg.ChunkTimeout)

			switch c.Kind {
			case llm.KindPartial:
				assembled.WriteString(c.Text)
				o.setStreaming(assembled.String())

			case llm.KindComplete:
				final := c.Text
				if final == "" {
					final = assembled.String()
				}
				return final, c, nil

			case llm.KindError:
				o.setPartial("")
				msg := "reply backend error"
				if c.Err != nil {
					msg = c.Err.Error()
				}
				return "", llm.Chunk{}, &ErrorInfo{Kind: "reply_error", Message: msg, At: time.Now()}
			}
		}
	}
}

// speak synthesizes and plays the completed reply. Failures here keep the
// assistant turn: the reply succeeded, only the voicing failed.
func (o *Orchestrator) speak(ctx context.Context, cfg Config, text, language string, terminal llm.Chunk, mode string, turnStart time.Time) {
	log := observe.Logger(ctx)
	o.setState(StateSpeaking)

	var clip tts.Clip
	if len(terminal.Audio) > 0 {
		// The reply stream pre-synthesized the speech; skip the TTS stage.
		clip = tts.Clip{Audio: terminal.Audio, MIME: terminal.MIME}
	} else {
		ttsStart := time.Now()
		var err error
		clip, err = o.ttsc.Synthesize(ctx, text, o.voiceFor(cfg, language))
		o.metrics.TTSDuration.Record(ctx, time.Since(ttsStart).Seconds())
		if err != nil {
			log.Error("synthesis failed", "error", err)
			o.metrics.RecordPipelineError(ctx, "synthesis_failed")
			o.finishTurn(ctx, mode, "partial", turnStart, &ErrorInfo{
				Kind:    "synthesis_failed",
				Message: fmt.Errorf("%w: %w", ErrSynthesisFailed, err).Error(),
				At:      time.Now(),
			})
			return
		}
	}

	o.metrics.QueuedClips.Add(ctx, 1)
	playStart := time.Now()
	err := <-o.queue.Enqueue(clip)
	o.metrics.QueuedClips.Add(ctx, -1)
	o.metrics.PlaybackDuration.Record(ctx, time.Since(playStart).Seconds())

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("playback failed", "error", err)
		o.metrics.RecordPipelineError(ctx, "playback_failed")
		o.finishTurn(ctx, mode, "partial", turnStart, &ErrorInfo{
			Kind:    "playback_failed",
			Message: err.Error(),
			At:      time.Now(),
		})
		return
	}

	o.finishTurn(ctx, mode, "ok", turnStart, nil)
}

// finishTurn returns the machine to Idle, retains errInfo (when non-nil) and
// records the turn outcome.
func (o *Orchestrator) finishTurn(ctx context.Context, mode, status string, turnStart time.Time, errInfo *ErrorInfo) {
	o.mu.Lock()
	o.partial.Reset()
	if errInfo != nil {
		o.lastErr = errInfo
	}
	o.state = StateIdle
	o.publishLocked()
	o.mu.Unlock()

	o.metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
	o.metrics.RecordTurn(ctx, mode, status)
}

// voiceFor picks the synthesis voice for a detected language.
func (o *Orchestrator) voiceFor(cfg Config, language string) tts.Voice {
	id := cfg.DefaultVoice
	if v, ok := cfg.VoiceForLanguage[baseLanguage(language)]; ok && v != "" {
		id = v
	}
	return tts.Voice{ID: id, Language: language, Speed: cfg.SpeechSpeed}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == s {
		return
	}
	o.state = s
	o.publishLocked()
}

// setStreaming updates the live preview and, on the first partial, moves the
// machine to StreamingReply.
func (o *Orchestrator) setStreaming(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateStreamingReply
	o.partial.Reset()
	o.partial.WriteString(text)
	o.publishLocked()
}

func (o *Orchestrator) setPartial(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.partial.Reset()
	o.partial.WriteString(text)
	o.publishLocked()
}

func (o *Orchestrator) clearTurnCancel(cancel context.CancelFunc) {
	cancel()
	o.mu.Lock()
	if o.turnCancel != nil {
		o.turnCancel = nil
	}
	o.mu.Unlock()
}

// failLocked retains an error descriptor. Caller holds o.mu.
func (o *Orchestrator) failLocked(kind string, err error) {
	o.lastErr = &ErrorInfo{Kind: kind, Message: err.Error(), At: time.Now()}
	o.publishLocked()
}

func (o *Orchestrator) updateLocked() Update {
	u := Update{
		State:       o.state,
		PartialText: o.partial.String(),
		HistoryLen:  o.hist.Len(),
	}
	if o.lastErr != nil {
		e := *o.lastErr
		u.LastError = &e
	}
	return u
}

// publishLocked fans the current snapshot out to subscribers without
// blocking. Caller holds o.mu.
func (o *Orchestrator) publishLocked() {
	u := o.updateLocked()
	for _, ch := range o.subscribers {
		select {
		case ch <- u:
		default:
		}
	}
}

// messagesFromHistory converts history turns to reply-request messages.
func messagesFromHistory(turns []history.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns)+1)
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == history.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	return msgs
}

// baseLanguage reduces a language tag to its base ("zh-CN" → "zh").
func baseLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}

func truncatedInfo(cause error) *ErrorInfo {
	return &ErrorInfo{
		Kind:    "stream_truncated",
		Message: fmt.Errorf("%w: %w", ErrStreamTruncated, cause).Error(),
		At:      time.Now(),
	}
}
