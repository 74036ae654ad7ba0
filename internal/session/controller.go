// Package session runs one real-time coaching session at a time.
//
// A [Controller] composes the capture devices, the live provider channel, the
// uplink encoder, the frame sampler and the playback scheduler into a single
// state machine: Idle → Connecting → Active → Closing → Idle. All session
// state is owned by one goroutine. Start and stop requests, device and dial
// results, channel events and encoder exits all arrive there as messages.
// Helper goroutines that do blocking work tag their results with the session
// generation, so results belonging to a session that has since been torn down
// are released and ignored.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/easel/internal/lesson"
	"github.com/MrWong99/easel/internal/observe"
	"github.com/MrWong99/easel/internal/transcript"
	"github.com/MrWong99/easel/pkg/audio"
	"github.com/MrWong99/easel/pkg/audio/playback"
	"github.com/MrWong99/easel/pkg/audio/uplink"
	"github.com/MrWong99/easel/pkg/capture"
	"github.com/MrWong99/easel/pkg/capture/sampler"
	"github.com/MrWong99/easel/pkg/provider/live"
)

var (
	// ErrNoProvider is returned by [Controller.Start] when no live provider
	// is configured.
	ErrNoProvider = errors.New("session: no live provider configured")

	// ErrControllerClosed is returned after [Controller.Close].
	ErrControllerClosed = errors.New("session: controller closed")

	// ErrStopped is returned by a pending [Controller.Start] when the session
	// is stopped before the channel was dialled.
	ErrStopped = errors.New("session: stopped before the channel was open")

	// ErrSuperseded is returned by a pending [Controller.Start] when a newer
	// start request replaced the session.
	ErrSuperseded = errors.New("session: superseded by a newer start request")

	// ErrInvalidMode is returned by [Controller.Start] for an unknown visual mode.
	ErrInvalidMode = errors.New("session: invalid visual mode")
)

// Devices acquires and releases the local capture devices.
// [*capture.Source] is the production implementation.
type Devices interface {
	OpenAudio(ctx context.Context) (capture.Microphone, error)
	OpenVisual(ctx context.Context, mode capture.Mode) (capture.Visual, error)
	CloseAll() error
}

var _ Devices = (*capture.Source)(nil)

// Config holds the dependencies of a [Controller].
type Config struct {
	// Provider dials remote channels. A nil provider makes every start
	// request fail with [ErrNoProvider].
	Provider live.Provider

	// ProviderName labels provider error metrics.
	ProviderName string

	// Devices hands out capture devices. Required.
	Devices Devices

	// Output is the playback device. A fresh scheduler is created on it for
	// every session. Required.
	Output playback.Device

	// Sink receives transcription entries. May be nil.
	Sink transcript.Sink

	// Notifier receives notices as they are raised. May be nil.
	Notifier Notifier

	// Metrics records session metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger is the base for per-session loggers. Defaults to slog.Default.
	Logger *slog.Logger

	// Modality is the response modality requested from the remote model.
	Modality live.Modality

	// FrameInterval is the sampler period. Zero selects [sampler.DefaultInterval].
	FrameInterval time.Duration

	// BlockSamples is the uplink block size. Zero selects
	// [uplink.DefaultBlockSamples].
	BlockSamples int

	// DefaultMode is used when neither the request nor its lesson names a
	// visual mode. Empty selects [capture.ModeSurface].
	DefaultMode capture.Mode
}

// Request describes a session to start.
type Request struct {
	Lesson lesson.Lesson

	// Mode overrides the lesson's visual mode when set.
	Mode capture.Mode
}

// Controller owns the single streaming session. All exported methods are safe
// for concurrent use.
type Controller struct {
	cfg     Config
	metrics *observe.Metrics
	notices *NoticeLog

	cmds     chan any
	inbox    chan message
	done     chan struct{}
	loopDone chan struct{}
	once     sync.Once

	// Guarded by mu; written only by the loop goroutine.
	mu        sync.RWMutex
	state     State
	snap      Snapshot
	sched     *playback.Scheduler
	channel   live.Channel
	observers []StateFunc

	// Owned by the loop goroutine.
	gen uint64
	cur *activeSession
}

// activeSession is the loop-owned state of one session.
type activeSession struct {
	gen       uint64
	id        string
	req       Request
	mode      capture.Mode
	requested time.Time
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mic     capture.Microphone
	visual  capture.Visual
	channel live.Channel
	sched   *playback.Scheduler
	sampler *sampler.Sampler

	// reply is the pending Start caller; nil once answered.
	reply     chan error
	stopAbort func() bool
}

// ── loop messages ───────────────────────────────────────────────────────────

type startCmd struct {
	ctx   context.Context
	req   Request
	mode  capture.Mode
	reply chan error
}

type stopCmd struct{ reply chan struct{} }

type message interface{ generation() uint64 }

type devicesResult struct {
	gen    uint64
	mic    capture.Microphone
	visual capture.Visual
	err    error
}

type dialResult struct {
	gen     uint64
	channel live.Channel
	err     error
}

type channelEvent struct {
	gen    uint64
	ev     live.Event
	closed bool
}

type encoderExit struct {
	gen uint64
	err error
}

type startAborted struct {
	gen uint64
	err error
}

func (m devicesResult) generation() uint64 { return m.gen }
func (m dialResult) generation() uint64    { return m.gen }
func (m channelEvent) generation() uint64  { return m.gen }
func (m encoderExit) generation() uint64   { return m.gen }
func (m startAborted) generation() uint64  { return m.gen }

// New creates a Controller and starts its loop goroutine. Call
// [Controller.Close] to tear down any session and stop the loop.
func New(cfg Config) *Controller {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = capture.ModeSurface
	}
	if cfg.Modality == "" {
		cfg.Modality = live.ModalityAudio
	}
	c := &Controller{
		cfg:      cfg,
		metrics:  cfg.Metrics,
		notices:  NewNoticeLog(DefaultNoticeCapacity),
		cmds:     make(chan any),
		inbox:    make(chan message, 64),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go c.loop()
	return c
}

// ── public API ──────────────────────────────────────────────────────────────

// Start begins a new session, tearing down any existing one first. It returns
// once devices are acquired and the remote channel has been dialled; the
// session becomes Active when the channel reports open.
//
// Device failures are returned as [capture.ErrPermissionDenied] or
// [capture.ErrDeviceUnavailable] and dial failures as
// [live.ErrChannelOpenFailed]. In both cases the controller is back to Idle
// and a notice was raised. Cancelling ctx before Start returns abandons the
// new session.
func (c *Controller) Start(ctx context.Context, req Request) error {
	if c.cfg.Provider == nil {
		return ErrNoProvider
	}
	mode := c.resolveMode(req)
	if !mode.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	reply := make(chan error, 1)
	select {
	case c.cmds <- startCmd{ctx: ctx, req: req, mode: mode, reply: reply}:
	case <-c.done:
		return ErrControllerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.loopDone:
		return ErrControllerClosed
	}
}

// Stop tears down the current session. Calling it while Idle is a no-op.
func (c *Controller) Stop() {
	reply := make(chan struct{})
	select {
	case c.cmds <- stopCmd{reply: reply}:
	case <-c.done:
		return
	}
	select {
	case <-reply:
	case <-c.loopDone:
	}
}

// Close stops any session and the controller loop. Idempotent.
func (c *Controller) Close() error {
	c.once.Do(func() { close(c.done) })
	<-c.loopDone
	return nil
}

// Send forwards media on the open channel. Without an open channel it does
// nothing and returns nil.
func (c *Controller) Send(ctx context.Context, m live.Media) error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		return nil
	}
	return ch.Send(ctx, m)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Snapshot returns the current state together with session details.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	snap, sched := c.snap, c.sched
	c.mu.RUnlock()
	if sched != nil {
		snap.LiveBuffers = sched.Live()
	}
	return snap
}

// Notices returns the most recent notices, oldest first.
func (c *Controller) Notices() []Notice { return c.notices.Recent() }

// OnStateChange registers fn to observe every transition.
func (c *Controller) OnStateChange(fn StateFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// ProviderConfigured reports whether a live provider is set.
func (c *Controller) ProviderConfigured() bool { return c.cfg.Provider != nil }

func (c *Controller) resolveMode(req Request) capture.Mode {
	switch {
	case req.Mode != "":
		return req.Mode
	case req.Lesson.Mode != "":
		return req.Lesson.Mode
	default:
		return c.cfg.DefaultMode
	}
}

// ── loop ────────────────────────────────────────────────────────────────────

func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.done:
			c.teardown(ErrControllerClosed, false)
			return
		case cmd := <-c.cmds:
			switch cmd := cmd.(type) {
			case startCmd:
				c.handleStart(cmd)
			case stopCmd:
				c.teardown(ErrStopped, false)
				close(cmd.reply)
			}
		case msg := <-c.inbox:
			c.handle(msg)
		}
	}
}

// post delivers msg to the loop unless the controller is closing.
func (c *Controller) post(msg message) {
	select {
	case c.inbox <- msg:
	case <-c.done:
	}
}

func (c *Controller) logger() *slog.Logger {
	if c.cfg.Logger != nil {
		return c.cfg.Logger
	}
	return slog.Default()
}

func (c *Controller) handleStart(cmd startCmd) {
	if c.cur != nil {
		c.teardown(ErrSuperseded, false)
	}

	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	s := &activeSession{
		gen:       c.gen,
		id:        id,
		req:       cmd.req,
		mode:      cmd.mode,
		requested: time.Now(),
		log:       observe.LoggerFrom(cmd.ctx, c.logger().With("session_id", id)),
		ctx:       ctx,
		cancel:    cancel,
		reply:     cmd.reply,
	}
	gen := s.gen
	s.stopAbort = context.AfterFunc(cmd.ctx, func() {
		c.post(startAborted{gen: gen, err: context.Cause(cmd.ctx)})
	})
	c.cur = s

	c.mu.Lock()
	c.snap = Snapshot{SessionID: id, Lesson: cmd.req.Lesson.Name, Mode: cmd.mode}
	c.mu.Unlock()
	c.setState(Connecting)
	s.log.Info("session starting", "lesson", cmd.req.Lesson.Name, "mode", cmd.mode)

	go c.acquire(ctx, gen, cmd.mode)
}

// acquire opens the microphone and the visual source.
func (c *Controller) acquire(ctx context.Context, gen uint64, mode capture.Mode) {
	mic, err := c.cfg.Devices.OpenAudio(ctx)
	if err != nil {
		c.post(devicesResult{gen: gen, err: err})
		return
	}
	if ctx.Err() != nil {
		c.post(devicesResult{gen: gen, err: ctx.Err()})
		return
	}
	visual, err := c.cfg.Devices.OpenVisual(ctx, mode)
	c.post(devicesResult{gen: gen, mic: mic, visual: visual, err: err})
}

// dial opens the remote channel.
func (c *Controller) dial(ctx context.Context, gen uint64, cfg live.SessionConfig) {
	ch, err := c.cfg.Provider.Connect(ctx, cfg)
	if err != nil && !errors.Is(err, live.ErrChannelOpenFailed) {
		err = fmt.Errorf("%w: %w", live.ErrChannelOpenFailed, err)
	}
	c.post(dialResult{gen: gen, channel: ch, err: err})
}

// pump forwards channel events to the loop until the channel closes.
func (c *Controller) pump(ctx context.Context, gen uint64, ch live.Channel) {
	for ev := range ch.Events() {
		select {
		case c.inbox <- channelEvent{gen: gen, ev: ev}:
		case <-ctx.Done():
			audio.Drain(ch.Events())
			return
		case <-c.done:
			return
		}
	}
	c.post(channelEvent{gen: gen, closed: true})
}

func (c *Controller) handle(msg message) {
	s := c.cur
	if s == nil || msg.generation() != s.gen {
		c.discard(msg)
		return
	}

	switch m := msg.(type) {
	case startAborted:
		if s.reply != nil {
			c.teardown(m.err, false)
		}
	case devicesResult:
		if m.err != nil {
			c.teardown(m.err, true)
			return
		}
		s.mic, s.visual = m.mic, m.visual
		go c.dial(s.ctx, s.gen, live.SessionConfig{
			Modality:     c.cfg.Modality,
			Voice:        s.req.Lesson.Voice,
			Instructions: s.req.Lesson.Instructions,
		})
	case dialResult:
		if m.err != nil {
			c.metrics.RecordProviderError(s.ctx, c.cfg.ProviderName, "open")
			c.teardown(m.err, true)
			return
		}
		s.channel = m.channel
		c.answer(s, nil)
		go c.pump(s.ctx, s.gen, m.channel)
	case channelEvent:
		c.handleEvent(s, m)
	case encoderExit:
		if errors.Is(m.err, uplink.ErrStreamEnded) {
			c.teardown(fmt.Errorf("%w: microphone stream ended", capture.ErrDeviceUnavailable), true)
			return
		}
		s.log.Debug("uplink encoder stopped", "err", m.err)
	}
}

// discard releases resources carried by a stale message.
func (c *Controller) discard(msg message) {
	switch m := msg.(type) {
	case dialResult:
		if m.channel != nil {
			_ = m.channel.Close()
		}
		c.logger().Debug("discarded stale channel", "generation", m.gen)
	case devicesResult:
		// Device lifetimes belong to the capture source; the teardown that
		// made this result stale already released them.
		c.logger().Debug("discarded stale device result", "generation", m.gen)
	}
}

func (c *Controller) handleEvent(s *activeSession, m channelEvent) {
	if m.closed {
		c.metrics.RecordProviderError(s.ctx, c.cfg.ProviderName, "closed")
		c.teardown(live.ErrChannelClosed, true)
		return
	}

	switch m.ev.Kind {
	case live.EventOpen:
		if c.state == Connecting {
			c.activate(s)
		}
	case live.EventError:
		c.metrics.RecordProviderError(s.ctx, c.cfg.ProviderName, "error")
		err := live.ErrChannelError
		if m.ev.Err != nil {
			err = fmt.Errorf("%w: %w", live.ErrChannelError, m.ev.Err)
		}
		c.teardown(err, true)
	case live.EventClose:
		err := live.ErrChannelClosed
		if m.ev.Err != nil && !errors.Is(m.ev.Err, live.ErrChannelClosed) {
			err = fmt.Errorf("%w: %w", live.ErrChannelClosed, m.ev.Err)
		}
		c.teardown(err, true)
	case live.EventMessage:
		if c.state != Active || m.ev.Message == nil {
			return
		}
		c.handleMessage(s, m.ev.Message)
	}
}

func (c *Controller) handleMessage(s *activeSession, msg *live.Message) {
	if msg.Interrupted {
		n := s.sched.InterruptAll()
		c.metrics.Interruptions.Add(s.ctx, 1)
		s.log.Debug("playback interrupted", "stopped", n)
	}
	if msg.InputTranscript != "" && c.cfg.Sink != nil {
		c.cfg.Sink.Add(transcript.Entry{Text: msg.InputTranscript, Origin: transcript.OriginLocal})
	}
	if msg.OutputTranscript != "" && c.cfg.Sink != nil {
		c.cfg.Sink.Add(transcript.Entry{Text: msg.OutputTranscript, Origin: transcript.OriginRemote})
	}
	if msg.Audio != "" {
		c.playAudio(s, msg.Audio)
	}
	if msg.TurnComplete {
		s.log.Debug("turn complete")
	}
}

// playAudio decodes one base64 payload and schedules it. Failures drop the
// payload and the session continues.
func (c *Controller) playAudio(s *activeSession, payload string) {
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		s.log.Warn("dropping undecodable audio payload", "err", err)
		c.metrics.RecordInboundDropped(s.ctx, "decode")
		return
	}
	chunk, err := audio.NewChunk(audio.Inbound, pcm)
	if err != nil {
		s.log.Warn("dropping misaligned audio payload", "err", err)
		c.metrics.RecordInboundDropped(s.ctx, "format")
		return
	}
	if _, err := s.sched.Enqueue(chunk); err != nil {
		reason := "enqueue"
		if errors.Is(err, playback.ErrEmptyChunk) {
			reason = "empty"
		}
		s.log.Debug("dropping audio payload", "err", err)
		c.metrics.RecordInboundDropped(s.ctx, reason)
		return
	}
	c.metrics.InboundAudioBuffers.Add(s.ctx, 1)
}

// activate moves a connected session to Active and starts the media pumps.
func (c *Controller) activate(s *activeSession) {
	s.sched = playback.New(c.cfg.Output)

	ch := s.channel
	send := func(ctx context.Context, chunk audio.Chunk) error {
		if err := ch.Send(ctx, live.Media{Data: chunk.PCM, MIMEType: live.MIMEAudioPCM16k}); err != nil {
			return err
		}
		c.metrics.RecordUplinkChunk(ctx, len(chunk.PCM))
		return nil
	}
	ctx, log := s.ctx, s.log
	enc := uplink.New(send, uplink.WithBlockSamples(c.cfg.BlockSamples))
	go func(gen uint64, frames <-chan audio.Frame) {
		err := enc.Run(ctx, frames)
		log.Debug("uplink stopped", "blocks", enc.Blocks(), "err", err)
		c.post(encoderExit{gen: gen, err: err})
	}(s.gen, s.mic.Frames())

	if c.cfg.Provider.Capabilities().AudioOnly {
		log.Info("model takes no image input, visual frames are not sent")
	} else {
		s.sampler = sampler.Start(s.visual, func(frame []byte) {
			c.metrics.RecordFrame(ctx, frame != nil)
			if frame == nil {
				return
			}
			if err := ch.Send(ctx, live.Media{Data: frame, MIMEType: live.MIMEJPEG}); err != nil {
				log.Debug("frame not sent", "err", err)
			}
		}, c.cfg.FrameInterval)
	}

	now := time.Now()
	c.mu.Lock()
	c.sched = s.sched
	c.channel = ch
	c.snap.StartedAt = now
	c.mu.Unlock()

	c.metrics.RecordConnect(s.ctx, now.Sub(s.requested))
	c.metrics.ActiveSessions.Add(s.ctx, 1)
	c.setState(Active)
	s.log.Info("session active", "connect_time", now.Sub(s.requested))
}

// teardown runs the Closing → Idle cycle for the current session. notify
// raises a notice for cause; a pending Start receives cause either way.
func (c *Controller) teardown(cause error, notify bool) {
	s := c.cur
	if s == nil {
		return
	}
	wasActive := c.state == Active
	c.setState(Closing)

	// The channel closes first so a Send blocked inside the sampler callback
	// or the encoder returns before those are stopped.
	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.sampler != nil {
		s.sampler.Stop()
	}
	s.cancel()
	if s.sched != nil {
		if n := s.sched.Close(); n > 0 {
			s.log.Debug("stopped live buffers", "count", n)
		}
	}
	if err := c.cfg.Devices.CloseAll(); err != nil {
		s.log.Warn("releasing capture devices", "err", err)
	}

	if notify && cause != nil {
		c.raise(s, cause)
	}
	c.answer(s, cause)
	if wasActive {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}

	c.cur = nil
	c.mu.Lock()
	c.sched = nil
	c.channel = nil
	c.snap = Snapshot{}
	c.mu.Unlock()
	c.setState(Idle)
	s.log.Info("session closed", "cause", cause)
}

// answer replies to a pending Start once.
func (c *Controller) answer(s *activeSession, err error) {
	if s.reply == nil {
		return
	}
	s.reply <- err
	s.reply = nil
	if s.stopAbort != nil {
		s.stopAbort()
		s.stopAbort = nil
	}
}

func (c *Controller) raise(s *activeSession, cause error) {
	n := noticeFor(cause)
	n.SessionID = s.id
	c.notices.Add(n)
	c.metrics.RecordNotice(context.Background(), string(n.Kind))
	s.log.Warn("session notice", "kind", n.Kind, "err", cause)
	if c.cfg.Notifier != nil {
		c.cfg.Notifier(n)
	}
}

func (c *Controller) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.snap.State = to
	observers := append([]StateFunc(nil), c.observers...)
	c.mu.Unlock()

	if from == to {
		return
	}
	c.metrics.RecordTransition(context.Background(), from.String(), to.String())
	for _, fn := range observers {
		fn(from, to)
	}
}
