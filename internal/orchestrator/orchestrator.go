package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/anomaly"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/logging"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/metrics"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/policy"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/recommend"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/reward"
)

// #endregion

// #region orchestrator-struct

// Deps are the collaborators an Orchestrator coordinates. Decisions is optional.
type Deps struct {
	Detector    *anomaly.Detector
	Policy      policy.Resolver
	Recommender *recommend.Recommender
	Rewards     *reward.Store
	Store       *Store
	Candidates  CandidateSource
	Decisions   *logging.DecisionLog
}

// Orchestrator routes ticks through detection, category resolution and selection,
// and routes feedback into the reward store.
type Orchestrator struct {
	deps     Deps
	config   Config
	logger   *zap.Logger
	locks    *keyedMutex
	validate *validator.Validate
	now      func() time.Time
}

// #endregion

// #region constructor

// New creates an orchestrator. Every dependency except Decisions is required.
func New(deps Deps, config Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Detector == nil || deps.Policy == nil || deps.Recommender == nil ||
		deps.Rewards == nil || deps.Store == nil || deps.Candidates == nil {
		return nil, errors.New("orchestrator: missing dependency")
	}
	if config.StorageTimeout <= 0 {
		config.StorageTimeout = DefaultConfig().StorageTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:     deps,
		config:   config,
		logger:   logger,
		locks:    newKeyedMutex(),
		validate: validator.New(),
		now:      time.Now,
	}, nil
}

// Enabled returns whether selection runs after a restrict decision.
func (o *Orchestrator) Enabled() bool {
	return o.config.Enabled
}

// #endregion

// #region sessions

// OpenSession stores a new session, assigning an id when none is given.
func (o *Orchestrator) OpenSession(ctx context.Context, sess Session) (Session, error) {
	if err := o.validate.Struct(sess); err != nil {
		return Session{}, fmt.Errorf("%w: %v", recommend.ErrInvalidRequest, err)
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = o.now().UTC()
	}
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	if err := o.deps.Store.InsertSession(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// session loads id and checks it belongs to userRef.
func (o *Orchestrator) session(ctx context.Context, id, userRef string) (Session, error) {
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	sess, err := o.deps.Store.Session(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if userRef != "" && sess.UserRef != userRef {
		return Session{}, fmt.Errorf("%w: %s belongs to another user", ErrUnknownSession, id)
	}
	return sess, nil
}

// #endregion

// #region handle-tick

// HandleTick evaluates one tick and, on a restrict decision, commits one selection per
// category the trigger maps to. Categories with no surviving candidates are skipped;
// when every category is exhausted the outcome is returned with an error wrapping
// recommend.ErrNoCandidates. Emergency decisions never select content.
func (o *Orchestrator) HandleTick(ctx context.Context, tick Tick) (TickOutcome, error) {
	if err := o.validate.Struct(tick); err != nil {
		return TickOutcome{}, fmt.Errorf("%w: %v", recommend.ErrInvalidRequest, err)
	}

	var sess *Session
	if tick.SessionID != "" {
		s, err := o.session(ctx, tick.SessionID, tick.UserRef)
		if err != nil {
			return TickOutcome{}, err
		}
		sess = &s
	}

	res := o.deps.Detector.Evaluate(ctx, tick.UserRef, tick.TS, tick.Metrics)
	out := TickOutcome{Result: res, SessionID: tick.SessionID}
	o.logTick(ctx, tick, res)

	switch {
	case res.Mode == anomaly.ModeEmergency:
		o.logger.Warn("emergency detected, no intervention selected",
			zap.String("user_ref", tick.UserRef),
			zap.String("trigger", string(res.Trigger)),
		)
		return out, nil
	case res.Mode != anomaly.ModeRestrict:
		return out, nil
	case !o.config.Enabled:
		o.logger.Info("selection disabled, skipping", zap.String("user_ref", tick.UserRef))
		return out, nil
	}

	if sess == nil {
		s, err := o.OpenSession(ctx, Session{UserRef: tick.UserRef, HasLocation: tick.HasLocation, Context: tick.Context})
		if err != nil {
			return out, err
		}
		sess = &s
		out.SessionID = s.ID
	}

	trigger := string(res.Trigger)
	for _, cat := range o.deps.Policy.CategoriesForTrigger(trigger, sess.Context.GestationalWeek) {
		if cat.RequiresLocation && !sess.HasLocation {
			continue
		}
		out.Categories = append(out.Categories, cat.Code)

		sel, err := o.selectCategory(ctx, *sess, trigger, cat.Code)
		if errors.Is(err, recommend.ErrNoCandidates) {
			out.Exhausted = append(out.Exhausted, cat.Code)
			continue
		}
		if err != nil {
			return out, err
		}
		out.Selections = append(out.Selections, sel)
	}

	if len(out.Categories) > 0 && len(out.Selections) == 0 {
		return out, fmt.Errorf("%w: every category for %s exhausted", recommend.ErrNoCandidates, trigger)
	}
	return out, nil
}

// #endregion

// #region select

// Select commits a selection for an explicitly requested category. The category
// must be one the trigger maps to.
func (o *Orchestrator) Select(ctx context.Context, sessionID, trigger, category string) (Selection, error) {
	if sessionID == "" {
		return Selection{}, fmt.Errorf("%w: session id is required", recommend.ErrInvalidRequest)
	}
	sess, err := o.session(ctx, sessionID, "")
	if err != nil {
		return Selection{}, err
	}
	if !o.deps.Policy.Permitted(trigger, category) {
		return Selection{}, fmt.Errorf("%w: %s for %s", ErrCategoryNotPermitted, category, trigger)
	}
	return o.selectCategory(ctx, sess, trigger, category)
}

// selectCategory runs select and persist under the session lock. An earlier commit
// for the same session and category is returned with Existing set.
func (o *Orchestrator) selectCategory(ctx context.Context, sess Session, trigger, category string) (Selection, error) {
	unlock := o.locks.Lock(sess.ID)
	defer unlock()

	sctx, cancel := o.bounded(ctx)
	defer cancel()

	if prior, ok, err := o.deps.Store.SelectionFor(sctx, sess.ID, category); err != nil {
		return Selection{}, err
	} else if ok {
		prior.Existing = true
		metrics.SelectionsTotal.WithLabelValues(category, "existing").Inc()
		return prior, nil
	}

	pool, err := o.deps.Candidates.Candidates(sctx, sess.UserRef, category)
	if err != nil {
		metrics.SelectionsTotal.WithLabelValues(category, "error").Inc()
		return Selection{}, fmt.Errorf("load candidates for %s: %w", category, err)
	}
	ids := make([]string, len(pool))
	for i, c := range pool {
		ids[i] = c.ID
	}
	snap, err := o.deps.Rewards.Snapshot(sctx, sess.UserRef, ids)
	if err != nil {
		metrics.SelectionsTotal.WithLabelValues(category, "error").Inc()
		return Selection{}, err
	}
	seen, err := o.deps.Store.SeenCreators(sctx, sess.ID)
	if err != nil {
		return Selection{}, err
	}

	rctx := sess.Context
	rctx.SeenCreators = append(append([]string(nil), rctx.SeenCreators...), seen...)

	chosen, err := o.deps.Recommender.SelectBest(sess.UserRef, category, pool, rctx, snap, o.rng(sess.ID, category))
	if err != nil {
		status := "error"
		if errors.Is(err, recommend.ErrNoCandidates) {
			status = "no_candidates"
		}
		metrics.SelectionsTotal.WithLabelValues(category, status).Inc()
		o.logger.Info("selection failed",
			zap.String("session_id", sess.ID),
			zap.String("category", category),
			zap.Error(err),
		)
		return Selection{}, err
	}

	sel := toSelection(sess, category, trigger, uuid.New().String(), chosen, o.now().UTC())
	if err := o.deps.Store.InsertSelection(sctx, sel); err != nil {
		if !errors.Is(err, ErrConflict) {
			metrics.SelectionsTotal.WithLabelValues(category, "error").Inc()
			return Selection{}, err
		}
		// another process committed first
		prior, ok, rerr := o.deps.Store.SelectionFor(sctx, sess.ID, category)
		if rerr != nil || !ok {
			return Selection{}, err
		}
		prior.Existing = true
		metrics.SelectionsTotal.WithLabelValues(category, "existing").Inc()
		return prior, nil
	}

	metrics.SelectionsTotal.WithLabelValues(category, "selected").Inc()
	o.logSelection(ctx, sel)
	return sel, nil
}

// #endregion

// #region feedback

// Feedback applies a feedback event to the reward rows of a committed selection.
// Replaying an EventID is a no-op reported as Duplicate.
func (o *Orchestrator) Feedback(ctx context.Context, req FeedbackRequest) (reward.Applied, error) {
	if err := o.validate.Struct(req); err != nil {
		return reward.Applied{}, fmt.Errorf("%w: %v", recommend.ErrInvalidRequest, err)
	}
	sctx, cancel := o.bounded(ctx)
	defer cancel()

	sel, err := o.deps.Store.Selection(sctx, req.SelectionID)
	if err != nil {
		metrics.FeedbackTotal.WithLabelValues("rejected").Inc()
		return reward.Applied{}, err
	}

	applied, err := o.deps.Rewards.ApplyFeedback(sctx, reward.Event{
		EventID:     req.EventID,
		SelectionID: sel.ID,
		Subject:     reward.Subject{UserRef: sel.UserRef, ContentID: sel.ContentID},
		Feedback:    req.Feedback,
		At:          req.At,
	})
	if err != nil {
		metrics.FeedbackTotal.WithLabelValues("error").Inc()
		return reward.Applied{}, err
	}

	result := "applied"
	if applied.Duplicate {
		result = "duplicate"
	}
	metrics.FeedbackTotal.WithLabelValues(result).Inc()
	o.logFeedback(ctx, sel, applied, result)
	return applied, nil
}

// #endregion

// #region decision-log

func (o *Orchestrator) logTick(ctx context.Context, tick Tick, res anomaly.Result) {
	var reason string
	if len(res.Reasons) > 0 {
		reason = res.Reasons[0]
	}
	o.record(ctx, logging.DecisionEntry{
		UserRef:  tick.UserRef,
		Kind:     logging.KindTick,
		Decision: string(res.Mode),
		Trigger:  string(res.Trigger),
		Reason:   reason,
		PayloadJSON: logging.Payload(logging.TickRecord{
			UserRef:   tick.UserRef,
			TS:        tick.TS.UTC(),
			Metrics:   tick.Metrics,
			Mode:      string(res.Mode),
			RiskLevel: string(res.RiskLevel),
			Trigger:   string(res.Trigger),
			Reasons:   res.Reasons,
			Z:         res.Z,
		}),
	})
}

func (o *Orchestrator) logSelection(ctx context.Context, sel Selection) {
	o.record(ctx, logging.DecisionEntry{
		UserRef:  sel.UserRef,
		Kind:     logging.KindSelection,
		Decision: sel.Category,
		Trigger:  sel.Trigger,
		Reason:   sel.Breakdown.Reason,
		PayloadJSON: logging.Payload(logging.SelectionRecord{
			SelectionID: sel.ID,
			SessionID:   sel.SessionID,
			Category:    sel.Category,
			ContentID:   sel.ContentID,
			Pre:         sel.Breakdown.Pre,
			Boost:       sel.Breakdown.Boost,
			Theta:       sel.Breakdown.Theta,
			Score:       sel.Breakdown.Score,
			Reason:      sel.Breakdown.Reason,
		}),
	})
}

func (o *Orchestrator) logFeedback(ctx context.Context, sel Selection, applied reward.Applied, result string) {
	o.record(ctx, logging.DecisionEntry{
		UserRef:  sel.UserRef,
		Kind:     logging.KindFeedback,
		Decision: result,
		Trigger:  sel.Trigger,
		PayloadJSON: logging.Payload(logging.FeedbackRecord{
			EventID:     applied.EventID,
			SelectionID: sel.ID,
			ContentID:   sel.ContentID,
			Reward:      applied.Reward,
			Alpha:       applied.UserContent.Alpha,
			Beta:        applied.UserContent.Beta,
			Duplicate:   applied.Duplicate,
		}),
	})
}

// record writes to the decision log. Failures are logged and never fail the caller.
func (o *Orchestrator) record(ctx context.Context, entry logging.DecisionEntry) {
	if o.deps.Decisions == nil {
		return
	}
	ctx, cancel := o.bounded(ctx)
	defer cancel()
	if err := o.deps.Decisions.LogDecision(ctx, entry); err != nil {
		o.logger.Warn("failed to record decision", zap.String("kind", string(entry.Kind)), zap.Error(err))
	}
}

// #endregion

// #region helpers

func (o *Orchestrator) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.config.StorageTimeout)
}

// rng returns the sampling source for one selection. With a configured seed the
// stream depends only on the seed, session and category.
func (o *Orchestrator) rng(sessionID, category string) *rand.Rand {
	if o.config.Seed == 0 {
		return nil
	}
	h := fnv.New64a()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(category))
	return rand.New(rand.NewPCG(o.config.Seed, h.Sum64()))
}

// #endregion
