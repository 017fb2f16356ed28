// Package orchestrator runs one user request end to end: lock, quota,
// history, token, agent, persistence, audit.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/iliyamo/agent-gateway/internal/agent"
	"github.com/iliyamo/agent-gateway/internal/apperror"
	"github.com/iliyamo/agent-gateway/internal/metrics"
	"github.com/iliyamo/agent-gateway/internal/model"
	"github.com/iliyamo/agent-gateway/internal/queue"
	"github.com/iliyamo/agent-gateway/internal/quota"
	"github.com/iliyamo/agent-gateway/internal/session"
	"github.com/iliyamo/agent-gateway/internal/utils"
)

// Locker serializes work per user.
type Locker interface {
	WithLock(ctx context.Context, userID string, wait time.Duration, fn func(ctx context.Context) error) error
}

// Limiter enforces the daily quota.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, userID string) (quota.Decision, error)
}

// Sessions is the conversational state store.
type Sessions interface {
	Resolve(ctx context.Context, userID string) (session.Key, error)
	Get(ctx context.Context, key session.Key) (*model.Session, error)
	Append(ctx context.Context, key session.Key, turns ...model.Turn) (*model.Session, error)
	SetContext(ctx context.Context, key session.Key, values map[string]string) error
}

// Tokens hands out valid access tokens.
type Tokens interface {
	GetValidToken(ctx context.Context, userID, service string) (string, error)
}

// Runner executes the agent.
type Runner interface {
	Run(ctx context.Context, inv agent.Invocation) (model.AgentResult, error)
}

// Audit is the durable record of attempts.
type Audit interface {
	Begin(ctx context.Context, userID, sessionID, request string) (uint64, error)
	Finalize(ctx context.Context, id uint64, o model.AuditOutcome) error
	Record(ctx context.Context, userID, sessionID, request string, o model.AuditOutcome) (uint64, error)
}

// Publisher receives turn-completed events.
type Publisher interface {
	Publish(ctx context.Context, ev queue.TurnCompletedEvent) error
}

// Options tune the orchestrator.
type Options struct {
	Service      string        // credential service the agent acts on
	LockWait     time.Duration // how long to wait for the user's lock
	HistoryTurns int           // turns handed to the agent
	MaxTurnChars int           // per-turn content cap for agent history
	FinalizeWait time.Duration // budget for audit finalization after failure
}

// Deps groups the collaborators.  Publisher and Metrics may be nil.
type Deps struct {
	Locker    Locker
	Limiter   Limiter
	Sessions  Sessions
	Tokens    Tokens
	Runner    Runner
	Audit     Audit
	Publisher Publisher
	Metrics   *metrics.Metrics
}

// Request is one inbound user message.
type Request struct {
	UserID   string
	Message  string
	Timezone string
}

// Response is the successful result of Execute.
type Response struct {
	SessionID    string         `json:"session_id"`
	ResponseText string         `json:"response"`
	Action       string         `json:"action_performed,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	TokensUsed   int            `json:"tokens_used"`
	AuditID      uint64         `json:"-"`
}

type Orchestrator struct {
	Deps
	opts Options
	now  func() time.Time
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.Service == "" {
		opts.Service = "google"
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 10
	}
	if opts.FinalizeWait <= 0 {
		opts.FinalizeWait = 5 * time.Second
	}
	return &Orchestrator{Deps: deps, opts: opts, now: time.Now}
}

// attempt tracks one Execute call through its states.
type attempt struct {
	req     Request
	log     zerolog.Logger
	state   State
	key     session.Key
	auditID uint64
	resp    *Response
}

func (a *attempt) to(s State) {
	a.log.Debug().Str("from", a.state.String()).Str("state", s.String()).Msg("transition")
	a.state = s
}

// Execute runs req.  Errors are *apperror.Error values; their Kind decides
// the user-facing message.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Response, error) {
	const op = "orchestrator.execute"
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || strings.TrimSpace(req.Message) == "" {
		return nil, apperror.New(apperror.Invalid, op, "user id and message are required")
	}

	start := o.now()
	defer o.Metrics.RequestStarted()()

	log := zerolog.Ctx(ctx).With().
		Str("request_id", utils.NewCorrelationID()).
		Str("user_id", req.UserID).
		Logger()
	ctx = log.WithContext(ctx)
	a := &attempt{req: req, log: log, state: Received}

	err := o.Locker.WithLock(ctx, req.UserID, o.opts.LockWait, func(ctx context.Context) error {
		a.to(Locked)
		return o.locked(ctx, a)
	})

	outcome := "success"
	if err != nil {
		outcome = "failed"
		a.to(Failed)
		ev := log.Warn()
		if !apperror.IsKind(err, apperror.Busy) && !apperror.IsKind(err, apperror.QuotaExceeded) {
			ev = log.Error()
		}
		ev.Err(err).Str("kind", string(apperror.KindOf(err))).Msg("request failed")
	} else {
		a.to(Done)
	}
	o.Metrics.ObserveRequest(outcome, string(apperror.KindOf(err)), o.now().Sub(start))

	if a.auditID != 0 {
		o.publish(ctx, a, err)
	}
	if err != nil {
		return nil, err
	}
	return a.resp, nil
}

// locked runs with the user's lock held.
func (o *Orchestrator) locked(ctx context.Context, a *attempt) error {
	const op = "orchestrator.execute"
	dec, err := o.Limiter.CheckAndIncrement(ctx, a.req.UserID)
	if err != nil {
		return err
	}
	if !dec.Allowed {
		e := apperror.New(apperror.QuotaExceeded, op, "daily limit reached")
		e.RetryAfter = dec.ResetAt.Sub(o.now())
		o.reject(ctx, a, e)
		return e
	}
	a.to(RateChecked)

	if a.key, err = o.Sessions.Resolve(ctx, a.req.UserID); err != nil {
		return err
	}
	a.log = a.log.With().Str("session_id", a.key.SessionID).Logger()
	if a.auditID, err = o.Audit.Begin(ctx, a.req.UserID, a.key.SessionID, a.req.Message); err != nil {
		return err
	}

	err = o.process(ctx, a)
	o.finalize(ctx, a, err)
	return err
}

func (o *Orchestrator) process(ctx context.Context, a *attempt) error {
	sess, err := o.Sessions.Get(ctx, a.key)
	if err != nil {
		return err
	}

	token, err := o.Tokens.GetValidToken(ctx, a.req.UserID, o.opts.Service)
	if err != nil {
		return err
	}
	a.to(TokenReady)

	tz := a.req.Timezone
	if tz == "" && sess != nil {
		tz = sess.Context["timezone"]
	}

	a.to(Executing)
	runStart := o.now()
	res, err := o.Runner.Run(ctx, agent.Invocation{
		UserID:      a.req.UserID,
		SessionID:   a.key.SessionID,
		Message:     a.req.Message,
		History:     session.Window(sess, o.opts.HistoryTurns, o.opts.MaxTurnChars),
		AccessToken: token,
		Timezone:    tz,
	})
	o.Metrics.ObserveAgentRun(o.now().Sub(runStart), res.TokensUsed)
	if err != nil {
		return err
	}
	a.to(Parsed)

	a.resp = &Response{
		SessionID:    a.key.SessionID,
		ResponseText: res.ResponseText,
		Action:       res.Action,
		Details:      res.Details,
		TokensUsed:   res.TokensUsed,
		AuditID:      a.auditID,
	}

	// The agent may already have acted on the user's account, so a failed
	// history write is logged rather than turned into an error the caller
	// would retry.
	now := o.now().UTC()
	if _, err := o.Sessions.Append(ctx, a.key,
		model.Turn{Role: model.RoleUser, Content: a.req.Message, Timestamp: now},
		model.Turn{Role: model.RoleAssistant, Content: res.ResponseText, Timestamp: now},
	); err != nil {
		a.log.Error().Err(err).Msg("session append failed")
		return nil
	}
	values := map[string]string{}
	if res.Action != "" {
		values["last_action"] = res.Action
	}
	if tz != "" {
		values["timezone"] = tz
	}
	if len(values) > 0 {
		if err := o.Sessions.SetContext(ctx, a.key, values); err != nil {
			a.log.Error().Err(err).Msg("session context update failed")
		}
	}
	a.to(Persisted)
	return nil
}

// reject writes an already-final audit record for a request refused before
// any work began.  Nothing is published for it.
func (o *Orchestrator) reject(ctx context.Context, a *attempt, err error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.FinalizeWait)
	defer cancel()
	_, rerr := o.Audit.Record(rctx, a.req.UserID, "", a.req.Message, model.AuditOutcome{
		Status:       model.AuditFailed,
		ErrorKind:    string(apperror.KindOf(err)),
		ErrorMessage: err.Error(),
	})
	if rerr != nil {
		a.log.Error().Err(rerr).Msg("audit record for rejected request failed")
	}
}

// finalize closes the pending audit record.  It runs on a context detached
// from the request so a cancelled caller still leaves a final status.
func (o *Orchestrator) finalize(ctx context.Context, a *attempt, err error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.FinalizeWait)
	defer cancel()

	out := model.AuditOutcome{Status: model.AuditSuccess}
	if err != nil {
		out.Status = model.AuditFailed
		out.ErrorKind = string(apperror.KindOf(err))
		out.ErrorMessage = err.Error()
	} else if a.resp != nil {
		out.ActionType = a.resp.Action
		out.ResponseSummary = a.resp.ResponseText
		out.TokensUsed = a.resp.TokensUsed
	}
	if ferr := o.Audit.Finalize(fctx, a.auditID, out); ferr != nil {
		a.log.Error().Err(ferr).Uint64("audit_id", a.auditID).Msg("audit finalize failed")
	}
}

// publish emits the turn-completed event after the lock is gone.  Failure
// never affects the response.
func (o *Orchestrator) publish(ctx context.Context, a *attempt, err error) {
	if o.Publisher == nil {
		return
	}
	ev := queue.TurnCompletedEvent{
		UserID:      a.req.UserID,
		SessionID:   a.key.SessionID,
		AuditID:     a.auditID,
		Status:      model.AuditSuccess,
		CompletedAt: o.now().UTC(),
	}
	if err != nil {
		ev.Status = model.AuditFailed
		ev.ErrorKind = string(apperror.KindOf(err))
	} else if a.resp != nil {
		ev.ActionType = a.resp.Action
		ev.TokensUsed = a.resp.TokensUsed
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	perr := o.Publisher.Publish(pctx, ev)
	o.Metrics.EventPublished(perr)
	if perr != nil {
		a.log.Warn().Err(perr).Msg("turn event not published")
	}
}
