package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/Ring/internal/app/tracks"
	"github.com/dkeye/Ring/internal/app/transcribe"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

var (
	ErrStopped   = errors.New("call coordinator stopped")
	ErrVoiceOnly = errors.New("camera not available in a voice call")
)

// Config wires the coordinator to its collaborators. Tracks, RemoteSink and
// LocalSink default to a fresh manager and discard containers; Transcriber is
// optional.
type Config struct {
	Credentials core.CredentialSource
	Signaler    core.Signaler
	Media       core.MediaConnector
	Tracks      *tracks.Manager
	Transcriber *transcribe.Manager
	RemoteSink  tracks.Container
	LocalSink   tracks.Container
	// AutoEnable registers the device on start and after every teardown.
	AutoEnable bool
}

// Snapshot is a point-in-time view of the coordinator.
type Snapshot struct {
	State    State             `json:"state"`
	Self     domain.UserID     `json:"self,omitempty"`
	Session  domain.SessionID  `json:"session,omitempty"`
	Remote   domain.UserID     `json:"remote,omitempty"`
	Mode     domain.CallMode   `json:"mode,omitempty"`
	Outgoing bool              `json:"outgoing"`
	Muted    bool              `json:"muted"`
	Camera   bool              `json:"camera"`
	Online   []domain.User     `json:"online"`
	Speakers map[string]string `json:"speakers,omitempty"`
	Since    time.Time         `json:"since,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Coordinator drives one client's call lifecycle. All state is owned by the
// Run goroutine; every other entry point posts a message to it.
type Coordinator struct {
	creds      core.CredentialSource
	sig        core.Signaler
	media      core.MediaConnector
	trk        *tracks.Manager
	stt        *transcribe.Manager
	remoteSink tracks.Container
	localSink  tracks.Container
	autoEnable bool

	mailbox chan message
	work    chan func()
	done    chan struct{}
	runCtx  context.Context

	// loop owned
	state         State
	self          core.Credential
	attempt       uint64
	enableAttempt uint64
	sess          *session
	online        []domain.User
	muted         bool
	camera        bool
	reason        string

	speakers *SpeakerMap

	snap    atomic.Pointer[Snapshot]
	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
	now     func() time.Time
}

func New(cfg Config) *Coordinator {
	c := &Coordinator{
		creds:      cfg.Credentials,
		sig:        cfg.Signaler,
		media:      cfg.Media,
		trk:        cfg.Tracks,
		stt:        cfg.Transcriber,
		remoteSink: cfg.RemoteSink,
		localSink:  cfg.LocalSink,
		autoEnable: cfg.AutoEnable,
		mailbox:    make(chan message, 64),
		work:       make(chan func(), 64),
		done:       make(chan struct{}),
		runCtx:     context.Background(),
		speakers:   NewSpeakerMap(),
		subs:       make(map[int]chan Snapshot),
		now:        time.Now,
	}
	if c.trk == nil {
		c.trk = tracks.NewManager()
	}
	if c.remoteSink == nil {
		c.remoteSink = tracks.DiscardContainer{}
	}
	if c.localSink == nil {
		c.localSink = tracks.DiscardContainer{}
	}
	c.snap.Store(&Snapshot{State: StateIdle})
	return c
}

// Run processes messages until ctx is done, then ends any active call.
// It must be called exactly once.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	go c.worker(ctx)

	if c.autoEnable {
		c.startEnable()
	}
	c.publish()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case msg := <-c.mailbox:
			c.handle(msg)
			c.publish()
		}
	}
}

// worker runs short signaling and media I/O in submission order.
func (c *Coordinator) worker(ctx context.Context) {
	for {
		select {
		case fn := <-c.work:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) async(fn func()) {
	select {
	case c.work <- fn:
	default:
		log.Warn().Str("module", "app.call").Msg("io queue full, running out of order")
		go fn()
	}
}

// post delivers an event to the loop. It returns false once the loop is gone.
func (c *Coordinator) post(msg message) bool {
	select {
	case c.mailbox <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *Coordinator) do(ctx context.Context, build func(reply chan error) message) error {
	reply := make(chan error, 1)
	select {
	case c.mailbox <- build(reply):
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// Enable fetches the identity credential and registers with signaling.
// It returns once the registration has started; watch Subscribe for Ready.
func (c *Coordinator) Enable(ctx context.Context) error {
	return c.do(ctx, func(r chan error) message { return cmdEnable{reply: r} })
}

// Dial starts an outgoing call. Only valid while Ready.
func (c *Coordinator) Dial(ctx context.Context, target domain.UserID, mode domain.CallMode) error {
	return c.do(ctx, func(r chan error) message { return cmdDial{target: target, mode: mode, reply: r} })
}

// Accept answers the ringing call.
func (c *Coordinator) Accept(ctx context.Context) error {
	return c.do(ctx, func(r chan error) message { return cmdAccept{reply: r} })
}

// Reject declines the ringing call.
func (c *Coordinator) Reject(ctx context.Context, reason string) error {
	return c.do(ctx, func(r chan error) message { return cmdReject{reason: reason, reply: r} })
}

// Hangup ends the active call, or declines a ringing one.
func (c *Coordinator) Hangup(ctx context.Context) error {
	return c.do(ctx, func(r chan error) message { return cmdHangup{reply: r} })
}

func (c *Coordinator) SetMuted(ctx context.Context, muted bool) error {
	return c.do(ctx, func(r chan error) message { return cmdMute{muted: muted, reply: r} })
}

func (c *Coordinator) SetCameraEnabled(ctx context.Context, enabled bool) error {
	return c.do(ctx, func(r chan error) message { return cmdCamera{enabled: enabled, reply: r} })
}

// OnSignal receives call-control frames from the signaling client.
func (c *Coordinator) OnSignal(sig core.Signal) { c.post(evSignal{sig: sig}) }

// OnOnlineUsers receives presence snapshots from the signaling client.
func (c *Coordinator) OnOnlineUsers(users []domain.User) { c.post(evOnline{users: users}) }

// OnSignalClosed is called when the signaling connection drops.
func (c *Coordinator) OnSignalClosed(err error) { c.post(evSignalClosed{err: err}) }

// OnSignalOpened is called after the signaling connection is (re)established.
func (c *Coordinator) OnSignalOpened() { c.post(evSignalOpened{}) }

func (c *Coordinator) Snapshot() Snapshot { return *c.snap.Load() }

// Transcript returns the transcript of the current or last call.
func (c *Coordinator) Transcript() []transcribe.Line {
	if c.stt == nil {
		return nil
	}
	return c.stt.Transcript()
}

// Subscribe returns a channel of snapshots, starting with the current one.
// Slow readers miss intermediate snapshots, never the latest.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)

	// seeding under subMu: a publish racing with us either stored its
	// snapshot before the load below or delivers it once we are registered
	c.subMu.Lock()
	ch <- c.Snapshot()
	id := c.nextSub
	c.nextSub++
	if c.subs == nil {
		close(ch)
	} else {
		c.subs[id] = ch
	}
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if s, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(s)
		}
	}
	return ch, cancel
}

func (c *Coordinator) publish() {
	snap := Snapshot{
		State:  c.state,
		Self:   c.self.Identity,
		Muted:  c.muted,
		Camera: c.camera,
		Online: lo.Filter(c.online, func(u domain.User, _ int) bool {
			return u.ID != c.self.Identity
		}),
		Speakers: c.speakers.Copy(),
		Reason:   c.reason,
	}
	if s := c.sess; s != nil {
		snap.Session = s.id
		snap.Remote = s.remote
		snap.Mode = s.mode
		snap.Outgoing = s.outgoing
		snap.Since = s.connectedAt
	}
	c.snap.Store(&snap)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			// drop the oldest so the newest always lands
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (c *Coordinator) closeSubscribers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subs = nil
}
