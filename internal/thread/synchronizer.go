// Package thread keeps one live, materialized direct-message thread per
// session consistent with storage.
package thread

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"dm-service/internal/messages"
	"dm-service/internal/models"
	"dm-service/internal/notify"
	"dm-service/internal/observability"
)

// DefaultMinSendInterval is the minimum spacing of accepted sends.
const DefaultMinSendInterval = 500 * time.Millisecond

// State is the lifecycle position of a synchronizer.
type State string

const (
	StateIdle        State = "idle"
	StateLoading     State = "loading"
	StateReady       State = "ready"
	StateReconciling State = "reconciling"
)

var (
	ErrNoThread    = models.NewError(models.ErrValidation, "no_thread", "no thread is open")
	ErrInvalidPeer = models.NewError(models.ErrValidation, "invalid_peer", "a thread needs another identity")
	// ErrSuperseded is returned to OpenThread callers whose thread was
	// replaced by another one before it finished loading.
	ErrSuperseded = errors.New("thread superseded")
	ErrClosed     = errors.New("synchronizer closed")
)

// Commands performs message mutations on behalf of an identity.
type Commands interface {
	Send(ctx context.Context, senderID, receiverID, content, replyToID string) (models.Message, error)
	Edit(ctx context.Context, callerID, messageID, content string) (models.Message, error)
	Delete(ctx context.Context, callerID, messageID string) error
}

// Snapshot is an immutable view of the open thread.
type Snapshot struct {
	PeerID     string
	State      State
	Generation uint64
	Messages   []models.ThreadMessage
}

// Options tune a Synchronizer.
type Options struct {
	// MinSendInterval defaults to DefaultMinSendInterval. A negative value
	// disables the throttle.
	MinSendInterval time.Duration
	// Scoped skips notifications about other conversations unless the open
	// thread quotes the changed message.
	Scoped bool
	Clock  func() time.Time
	Logger zerolog.Logger
}

type fetchResult struct {
	gen  uint64
	peer string
	view View
	err  error
	took time.Duration
}

// Synchronizer owns the thread of one identity with one peer at a time.
// Commands, notifications and fetch results are applied one at a time by
// Run; every public method hands its work to that loop.
type Synchronizer struct {
	self   string
	store  Store
	cmds   Commands
	sub    notify.Subscriber
	scoped bool
	clock  func() time.Time
	logger zerolog.Logger
	tracer trace.Tracer

	limiter  *rate.Limiter
	commands chan func()
	results  chan fetchResult
	updates  chan Snapshot
	closed   chan struct{}
	running  atomic.Bool
	current  atomic.Pointer[Snapshot]

	// loop-owned
	peer        string
	state       State
	gen         uint64
	view        View
	inflight    bool
	pending     bool
	outdated    bool
	cancelFetch context.CancelFunc
	waiters     []chan error
}

// New constructs a Synchronizer for identity self. sub may be nil when
// changes are delivered through Notify only.
func New(self string, store Store, cmds Commands, sub notify.Subscriber, opts Options) *Synchronizer {
	interval := opts.MinSendInterval
	if interval == 0 {
		interval = DefaultMinSendInterval
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Synchronizer{
		self:     self,
		store:    store,
		cmds:     cmds,
		sub:      sub,
		scoped:   opts.Scoped,
		clock:    clock,
		logger:   opts.Logger.With().Str("component", "thread").Str("identity_id", self).Logger(),
		tracer:   otel.Tracer("dm-service/thread"),
		limiter:  rate.NewLimiter(limit, 1),
		commands: make(chan func()),
		results:  make(chan fetchResult),
		updates:  make(chan Snapshot, 1),
		closed:   make(chan struct{}),
		state:    StateIdle,
	}
	s.current.Store(&Snapshot{State: StateIdle})
	return s
}

// Run processes events until ctx is done. It must be called exactly once.
func (s *Synchronizer) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("synchronizer already running")
	}
	defer s.shutdown()

	var changes <-chan notify.Change
	if s.sub != nil {
		ch, cancel := s.sub.Subscribe()
		defer cancel()
		changes = ch
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.commands:
			fn()
		case res := <-s.results:
			s.handleResult(res)
		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.handleChange(change)
		}
	}
}

// Updates delivers snapshots as they change. Only the latest undelivered
// snapshot is kept. The channel is closed when Run returns.
func (s *Synchronizer) Updates() <-chan Snapshot {
	return s.updates
}

// Snapshot returns the current view.
func (s *Synchronizer) Snapshot() Snapshot {
	return *s.current.Load()
}

// State returns the current lifecycle state.
func (s *Synchronizer) State() State {
	return s.current.Load().State
}

// OpenThread makes peer the open thread and waits until it is loaded.
// Reopening the thread that is already open returns immediately.
func (s *Synchronizer) OpenThread(ctx context.Context, peer string) error {
	if peer == "" || peer == s.self {
		return ErrInvalidPeer
	}

	var wait chan error
	err := s.do(ctx, func() {
		if peer == s.peer && s.state != StateIdle {
			if s.state == StateLoading {
				wait = make(chan error, 1)
				s.waiters = append(s.waiters, wait)
			}
			return
		}
		s.switchTo(peer)
		wait = make(chan error, 1)
		s.waiters = append(s.waiters, wait)
	})
	if err != nil || wait == nil {
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send posts content to the open peer. A send issued sooner than the
// minimum interval after the previous accepted one is dropped: both the
// message and the error are nil.
func (s *Synchronizer) Send(ctx context.Context, content, replyToID string) (*models.Message, error) {
	content, err := messages.NormalizeContent(content)
	if err != nil {
		return nil, err
	}
	if err := messages.ValidateReplyTo(replyToID); err != nil {
		return nil, err
	}

	var (
		sent   *models.Message
		cmdErr error
	)
	err = s.do(ctx, func() {
		if s.peer == "" {
			cmdErr = ErrNoThread
			return
		}
		if !s.limiter.AllowN(s.clock(), 1) {
			observability.IncSendThrottled("session")
			s.logger.Debug().Str("peer_id", s.peer).Msg("send dropped by throttle")
			return
		}
		msg, err := s.cmds.Send(ctx, s.self, s.peer, content, replyToID)
		if err != nil {
			cmdErr = err
			return
		}
		s.applySent(msg)
		sent = &msg
	})
	if err != nil {
		return nil, err
	}
	return sent, cmdErr
}

// Edit replaces the content of one of the identity's messages.
func (s *Synchronizer) Edit(ctx context.Context, messageID, content string) (models.Message, error) {
	var (
		edited models.Message
		cmdErr error
	)
	err := s.do(ctx, func() {
		edited, cmdErr = s.cmds.Edit(ctx, s.self, messageID, content)
		if cmdErr == nil {
			s.applyEdited(edited)
		}
	})
	if err != nil {
		return models.Message{}, err
	}
	return edited, cmdErr
}

// Delete removes one of the identity's messages.
func (s *Synchronizer) Delete(ctx context.Context, messageID string) error {
	var cmdErr error
	err := s.do(ctx, func() {
		cmdErr = s.cmds.Delete(ctx, s.self, messageID)
		if cmdErr == nil {
			s.applyDeleted(messageID)
		}
	})
	if err != nil {
		return err
	}
	return cmdErr
}

// Notify feeds a change into the loop, as if it arrived on the subscription.
func (s *Synchronizer) Notify(ctx context.Context, change notify.Change) error {
	return s.do(ctx, func() { s.handleChange(change) })
}

// do runs fn on the loop goroutine and waits for it to finish.
func (s *Synchronizer) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.commands <- func() { defer close(done); fn() }:
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (s *Synchronizer) switchTo(peer string) {
	s.stopFetch()
	s.release(ErrSuperseded)

	s.gen++
	s.peer = peer
	s.state = StateLoading
	s.view = View{}
	s.pending = false

	s.logger.Debug().Str("peer_id", peer).Uint64("generation", s.gen).Msg("opening thread")
	s.startFetch()
	s.publish()
}

func (s *Synchronizer) handleChange(change notify.Change) {
	if s.peer == "" {
		return
	}
	if s.scoped && change.Kind != notify.KindOverflow && !change.Touches(s.self, s.peer) && !s.quotes(change.MessageID) {
		return
	}
	s.requestFetch()
}

// requestFetch starts a reconciliation, or queues exactly one behind the
// fetch in flight.
func (s *Synchronizer) requestFetch() {
	if s.inflight {
		s.pending = true
		return
	}
	s.state = StateReconciling
	s.startFetch()
	s.publish()
}

func (s *Synchronizer) startFetch() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFetch = cancel
	s.inflight = true
	s.outdated = false

	gen, peer, reconcile := s.gen, s.peer, s.state == StateReconciling
	go func() {
		ctx, span := s.tracer.Start(ctx, "thread.load", trace.WithAttributes(
			attribute.String("peer_id", peer),
			attribute.Int64("generation", int64(gen)),
			attribute.Bool("reconcile", reconcile),
		))
		start := time.Now()
		view, err := Load(ctx, s.store, s.self, peer)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		select {
		case s.results <- fetchResult{gen: gen, peer: peer, view: view, err: err, took: time.Since(start)}:
		case <-s.closed:
		}
	}()
}

func (s *Synchronizer) stopFetch() {
	if s.cancelFetch != nil {
		s.cancelFetch()
		s.cancelFetch = nil
	}
	s.inflight = false
}

func (s *Synchronizer) handleResult(res fetchResult) {
	if res.gen != s.gen || res.peer != s.peer {
		observability.IncReconciliation("stale")
		return
	}
	outdated := s.outdated
	s.stopFetch()
	observability.ObserveReconcile(res.took)

	if res.err != nil && s.state == StateLoading {
		observability.IncReconciliation("load_failed")
		s.logger.Warn().Err(res.err).Str("peer_id", res.peer).Msg("thread load failed")
		s.peer = ""
		s.state = StateIdle
		s.view = View{}
		s.pending = false
		s.publish()
		s.release(res.err)
		return
	}

	if outdated && s.state == StateLoading {
		// the first load predates a local change; keep loading and waiting
		observability.IncReconciliation("outdated")
		s.pending = false
		s.startFetch()
		return
	}

	switch {
	case res.err != nil:
		// keep the previous snapshot
		observability.IncReconciliation("failed")
		s.logger.Warn().Err(res.err).Str("peer_id", res.peer).Msg("thread reconciliation failed")
	case outdated:
		// a local change landed while this fetch ran; the pending one replaces it
		observability.IncReconciliation("outdated")
	default:
		observability.IncReconciliation("ok")
		s.view = res.view
	}
	s.state = StateReady

	if s.pending {
		s.pending = false
		s.state = StateReconciling
		s.startFetch()
	}
	s.publish()
	s.release(nil)
}

func (s *Synchronizer) release(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

func (s *Synchronizer) quotes(messageID string) bool {
	if messageID == "" {
		return false
	}
	for _, tm := range s.view.Messages {
		if tm.ReplyToID != nil && *tm.ReplyToID == messageID {
			return true
		}
	}
	return false
}

// markDirty discards the fetch in flight, which may predate a local
// change, in favour of a fresh one.
func (s *Synchronizer) markDirty() {
	if s.inflight {
		s.pending = true
		s.outdated = true
	}
}

func (s *Synchronizer) applySent(msg models.Message) {
	if !msg.InPair(s.self, s.peer) {
		return
	}
	s.markDirty()

	tm := models.ThreadMessage{Message: msg}
	if msg.ReplyToID != nil {
		for _, other := range s.view.Messages {
			if other.ID == *msg.ReplyToID {
				tm.ReplyTo = preview(other.Message, s.self, s.view.Names)
				break
			}
		}
	}

	next := make([]models.ThreadMessage, 0, len(s.view.Messages)+1)
	for _, other := range s.view.Messages {
		if other.ID != msg.ID {
			next = append(next, other)
		}
	}
	next = append(next, tm)
	sort.SliceStable(next, func(i, j int) bool { return threadOrder(next[i].Message, next[j].Message) })
	s.view = View{Messages: next, Names: s.view.Names}
	s.publish()
}

func (s *Synchronizer) applyEdited(msg models.Message) {
	s.markDirty()

	next := make([]models.ThreadMessage, len(s.view.Messages))
	for i, tm := range s.view.Messages {
		if tm.ID == msg.ID {
			tm.Content = msg.Content
			tm.Edited = msg.Edited
			tm.UpdatedAt = msg.UpdatedAt
		}
		if tm.ReplyTo != nil && tm.ReplyTo.MessageID == msg.ID {
			quoted := *tm.ReplyTo
			quoted.Content = msg.Content
			tm.ReplyTo = &quoted
		}
		next[i] = tm
	}
	s.view = View{Messages: next, Names: s.view.Names}
	s.publish()
}

func (s *Synchronizer) applyDeleted(messageID string) {
	s.markDirty()

	next := make([]models.ThreadMessage, 0, len(s.view.Messages))
	for _, tm := range s.view.Messages {
		if tm.ID == messageID {
			continue
		}
		if tm.ReplyToID != nil && *tm.ReplyToID == messageID {
			tm.ReplyToID = nil
			tm.ReplyTo = nil
		}
		next = append(next, tm)
	}
	s.view = View{Messages: next, Names: s.view.Names}
	s.publish()
}

func (s *Synchronizer) publish() {
	snap := Snapshot{
		PeerID:     s.peer,
		State:      s.state,
		Generation: s.gen,
		Messages:   s.view.Messages,
	}
	s.current.Store(&snap)

	select {
	case <-s.updates:
	default:
	}
	s.updates <- snap
}

func (s *Synchronizer) shutdown() {
	s.stopFetch()
	s.release(ErrClosed)
	close(s.closed)
	close(s.updates)
}
