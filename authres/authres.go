// Package authres evaluates the Authentication-Results headers of a message,
// added by trusted mail servers, into a single authenticity verdict.
//
// Headers from authentication services that are not in the configured list of
// allowed authserv-ids are ignored. Results for DMARC, DKIM and SPF are
// interpreted and combined in that order of precedence. A result is only
// counted if the domain it asserts matches the domain of the From address.
// Results for other methods are kept, but do not influence the verdict.
package authres

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/authverdict/authverdict/message"
	"github.com/authverdict/authverdict/metrics"
	"github.com/authverdict/authverdict/mlog"
)

var pkglog = mlog.New("authres", nil)

var timeNow = time.Now

// ErrDisabled is returned when evaluation is disabled for a principal.
var ErrDisabled = errors.New("authenticity evaluation disabled")

// Config provides the configuration for principals. Implementations must be
// safe for concurrent use.
type Config interface {
	// Enabled returns whether evaluation is enabled.
	Enabled(ctx context.Context, p Principal) (bool, error)

	// AllowedAuthServIDs returns the comma-separated list of allowed
	// authserv-ids. See ParseAllowedAuthServIDs for the syntax.
	AllowedAuthServIDs(ctx context.Context, p Principal) (string, error)
}

// Options for an Evaluator. Zero values result in defaults.
type Options struct {
	CacheTTL     time.Duration
	CacheMaxSize int
	Mechanisms   []Mechanism // Mechanisms to interpret, default all.
}

// Evaluator evaluates messages for principals, with a cache of their allowed
// authserv-ids. An Evaluator is safe for concurrent use.
type Evaluator struct {
	config   Config
	registry Registry
	cache    *idCache
}

// NewEvaluator returns a new evaluator. Opts can be nil.
func NewEvaluator(config Config, opts *Options) *Evaluator {
	var o Options
	if opts != nil {
		o = *opts
	}
	return &Evaluator{
		config:   config,
		registry: NewRegistry(o.Mechanisms...),
		cache:    newIDCache(o.CacheTTL, o.CacheMaxSize),
	}
}

// Allowed returns the allowed authserv-ids for the principal, from cache if
// possible. Returns ErrMissingConfiguration if none are configured.
func (e *Evaluator) Allowed(ctx context.Context, p Principal) (AllowedAuthServIDs, error) {
	log := pkglog.WithContext(ctx)
	return e.cache.get(ctx, p, func(ctx context.Context) (AllowedAuthServIDs, error) {
		s, err := e.config.AllowedAuthServIDs(ctx, p)
		if err != nil {
			return AllowedAuthServIDs{}, fmt.Errorf("get allowed authserv-ids: %w", err)
		}
		l, err := ParseAllowedAuthServIDs(log, s)
		if err != nil {
			return AllowedAuthServIDs{}, fmt.Errorf("%w: for %s", err, p)
		}
		return l, nil
	})
}

// ClearCache removes all cached allowed authserv-ids, e.g. after a
// configuration change.
func (e *Evaluator) ClearCache() {
	e.cache.clear()
}

// EvaluateMessage evaluates the message header for the principal.
//
// If evaluation is disabled for the principal, a result with status
// StatusNotAnalyzed is returned with ErrDisabled. If no allowed authserv-ids are
// configured, a neutral result is returned with an error matching
// ErrMissingConfiguration. Without Authentication-Results or From header, a
// neutral result is returned without error.
func (e *Evaluator) EvaluateMessage(ctx context.Context, p Principal, h textproto.MIMEHeader) (OverallResult, error) {
	log := pkglog.WithContext(ctx).With(slog.String("principal", p.String()))

	// Each message is counted once in the evaluation metrics. Messages that are
	// not evaluated because of an error are counted with status "error".
	enabled, err := e.config.Enabled(ctx, p)
	if err != nil {
		metrics.EvaluationObserve("error", 0)
		return OverallResult{Status: StatusNeutral}, fmt.Errorf("checking if evaluation is enabled: %w", err)
	} else if !enabled {
		metrics.EvaluationObserve(string(StatusNotAnalyzed), 0)
		return OverallResult{Status: StatusNotAnalyzed}, ErrDisabled
	}

	authResults := h.Values("Authentication-Results")
	from := h.Values("From")
	if len(authResults) == 0 || len(from) == 0 {
		// Neutral, without needing the allowed authserv-ids.
		return e.registry.Evaluate(log, authResults, from, AllowedAuthServIDs{}), nil
	}

	allowed, err := e.Allowed(ctx, p)
	if err != nil {
		log.Errorx("resolving allowed authserv-ids", err)
		metrics.EvaluationObserve("error", 0)
		return OverallResult{Status: StatusNeutral}, err
	}
	return e.registry.Evaluate(log, authResults, from, allowed), nil
}

// EvaluateBatch evaluates multiple messages for a principal, with at most
// workers messages evaluated concurrently. Results are in order of the headers.
// The error is as for EvaluateMessage, for the first failing message.
func (e *Evaluator) EvaluateBatch(ctx context.Context, p Principal, headers []textproto.MIMEHeader, workers int) ([]OverallResult, error) {
	if workers <= 0 {
		workers = 1
	}
	results := make([]OverallResult, len(headers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, h := range headers {
		i, h := i, h
		g.Go(func() (rerr error) {
			defer func() {
				x := recover()
				if x == nil {
					return
				}
				pkglog.Error("unhandled panic evaluating message", slog.Any("panic", x), slog.Int("index", i))
				metrics.PanicInc(metrics.PanicEvaluate)
				rerr = fmt.Errorf("panic evaluating message %d: %v", i, x)
			}()

			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := e.EvaluateMessage(gctx, p, h)
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Evaluate evaluates the Authentication-Results header values against the
// values of the From header, only considering headers with an allowed
// authserv-id.
//
// Without Authentication-Results headers or without From header, the result is
// neutral. If the From header cannot be parsed when it is needed for a trusted
// header, the result is fail and evaluation stops.
func (reg Registry) Evaluate(log mlog.Log, authResults []string, from []string, allowed AllowedAuthServIDs) (rr OverallResult) {
	start := timeNow()
	r := newResult()
	defer func() {
		rr = *r
		metrics.EvaluationObserve(string(rr.Status), float64(timeNow().Sub(start))/float64(time.Second))
	}()

	if len(authResults) == 0 || len(from) == 0 {
		return
	}

	for _, hv := range authResults {
		h := Tokenize(hv)
		if !allowed.Valid(h.AuthServID) {
			log.Debug("ignoring authentication-results header from untrusted authserv-id", slog.String("authservid", h.AuthServID))
			continue
		}

		if r.FromDomain == "" {
			addr, err := message.From(log, from)
			if err != nil {
				log.Infox("parsing from header, failing evaluation", err)
				r.Status = StatusFail
				return
			}
			r.setFrom(addr)
		}

		for _, el := range h.Elements {
			m, ok := reg.lookup(el)
			if !ok {
				r.addUnknown(unknown(el))
				continue
			}
			mr := interpret(m, el)
			r.fold(mr)
			mr = r.Mechanisms[len(r.Mechanisms)-1]
			if mr.Mismatch {
				log.Debug("domain of mechanism does not match from domain",
					slog.String("mechanism", string(m)),
					slog.String("domain", mr.Domain),
					slog.String("fromdomain", r.FromDomain))
			}
			log.Trace("mechanism result",
				slog.String("mechanism", string(m)),
				slog.String("outcome", mr.Outcome),
				slog.Any("status", r.Status))
			metrics.MechanismInc(string(m), mr.Outcome, mr.Mismatch)
		}
	}
	return
}
