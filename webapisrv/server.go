// Package webapisrv implements the server side of the HTTP API, see package
// webapi.
package webapisrv

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
	"golang.org/x/text/secure/precis"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/authverdict/authverdict/authres"
	"github.com/authverdict/authverdict/authvar"
	"github.com/authverdict/authverdict/message"
	"github.com/authverdict/authverdict/metrics"
	"github.com/authverdict/authverdict/mlog"
	"github.com/authverdict/authverdict/verdictdb"
	"github.com/authverdict/authverdict/webapi"
)

var pkglog = mlog.New("webapisrv", nil)

//go:embed api.json
var apiJSON []byte

var apiDoc = mustParseAPI("authverdict", apiJSON)

var collector *sherpaprom.Collector

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		pkglog.Fatalx("parsing api docs", err, slog.String("api", api))
	}
	return doc
}

func init() {
	var err error
	collector, err = sherpaprom.NewCollector("authverdict", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}
}

// maxMessageSize is the maximum size of a message in an Evaluate call. Only the
// header is parsed, but callers may send full messages.
const maxMessageSize = 10 * 1024 * 1024

// API exports the HTTP API functions. All its methods are exported under /api/.
type API struct {
	evaluator *authres.Evaluator
	db        *verdictdb.DB
	hostname  string // Used as authserv-id in normalized Authentication-Results headers.
}

// NewAPI returns an API that evaluates with evaluator and stores verdicts in db.
func NewAPI(evaluator *authres.Evaluator, db *verdictdb.DB, hostname string) API {
	return API{evaluator, db, hostname}
}

// Handler serves the API with HTTP basic authentication checked against the
// bcrypt password hash in passwordFile. If passwordFile is empty, no
// authentication is required.
type Handler struct {
	passwordFile string
	sherpa       http.Handler
	cid          atomic.Int64
}

// NewHandler returns a handler for the API, to be served under path, e.g. "/api/".
func NewHandler(path string, api API, passwordFile string) (*Handler, error) {
	sh, err := sherpa.NewHandler(path, authvar.Version, api, &apiDoc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		return nil, fmt.Errorf("sherpa handler: %w", err)
	}
	h := &Handler{passwordFile: passwordFile, sherpa: sh}
	h.cid.Store(time.Now().UnixMilli())
	return h, nil
}

// We keep a cache for authentication so we don't bcrypt for each incoming HTTP
// request with HTTP basic auth. We keep track of the last successful password
// hash and Authorization header. The cache is cleared periodically, see below.
var authCache struct {
	sync.Mutex
	lastSuccessHash, lastSuccessAuth string
}

// ManageAuthCache clears the authentication cache periodically. Started when we
// start serving.
func ManageAuthCache(ctx context.Context) {
	t := time.NewTicker(15 * time.Minute)
	defer t.Stop()
	for {
		authCache.Lock()
		authCache.lastSuccessHash = ""
		authCache.lastSuccessAuth = ""
		authCache.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// checkAuth checks the authorization header against the bcrypt hash in
// passwordfile. The username is not checked. On failure, an http response is
// sent and false returned.
func checkAuth(ctx context.Context, passwordfile string, w http.ResponseWriter, r *http.Request) bool {
	log := pkglog.WithContext(ctx)

	respondAuthFail := func() bool {
		w.Header().Set("WWW-Authenticate", `Basic realm="authverdict api - login with any username and the api password"`)
		http.Error(w, "http 401 - unauthorized - authverdict api", http.StatusUnauthorized)
		return false
	}

	authResult := metrics.APIAuthError
	defer func() {
		metrics.APIAuthInc(authResult)
	}()

	var remoteIP net.IP
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = net.ParseIP(host)
	}
	if remoteIP == nil {
		remoteIP = net.IPv6zero
	}
	if !limiterFailedAuth.CanAttempt(remoteIP, time.Now()) {
		authResult = metrics.APIAuthTooMany
		http.Error(w, "429 - too many auth attempts", http.StatusTooManyRequests)
		return false
	}
	failed := func() bool {
		authResult = metrics.APIAuthBadCreds
		log.Info("failed authentication attempt", slog.String("remote", r.RemoteAddr))
		limiterFailedAuth.Failed(remoteIP, time.Now())
		time.Sleep(BadAuthDelay)
		return respondAuthFail()
	}

	authHdr := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHdr, "Basic ") {
		authResult = metrics.APIAuthMissing
		return respondAuthFail()
	}
	buf, err := os.ReadFile(passwordfile)
	if err != nil {
		log.Errorx("reading api password file", err, slog.String("path", passwordfile))
		return respondAuthFail()
	}
	passwordhash := strings.TrimSpace(string(buf))
	authCache.Lock()
	cached := passwordhash != "" && passwordhash == authCache.lastSuccessHash && authCache.lastSuccessAuth == authHdr
	authCache.Unlock()
	if cached {
		authResult = metrics.APIAuthOK
		return true
	}
	auth, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHdr, "Basic "))
	if err != nil {
		return failed()
	}
	_, password, ok := strings.Cut(string(auth), ":")
	if !ok || len(password) < 8 {
		return failed()
	}
	// Passwords are stored normalized, see setapipassword.
	if xpw, err := precis.OpaqueString.String(password); err == nil {
		password = xpw
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordhash), []byte(password)); err != nil {
		return failed()
	}
	limiterFailedAuth.Reset(remoteIP, time.Now())
	authCache.Lock()
	authCache.lastSuccessHash = passwordhash
	authCache.lastSuccessAuth = authHdr
	authCache.Unlock()
	authResult = metrics.APIAuthOK
	return true
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithValue(r.Context(), mlog.CidKey, h.cid.Add(1))
	log := pkglog.WithContext(ctx)

	defer func() {
		x := recover()
		if x == nil {
			return
		}
		log.Error("unhandled panic in api call", slog.Any("panic", x), slog.String("path", r.URL.Path))
		metrics.PanicInc(metrics.PanicWebapi)
		http.Error(w, "500 - internal server error", http.StatusInternalServerError)
	}()

	if h.passwordFile != "" && !checkAuth(ctx, h.passwordFile, w, r) {
		// Response already sent.
		return
	}
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxMessageSize+64*1024)
	}
	h.sherpa.ServeHTTP(w, r.WithContext(ctx))
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: webapi.ErrorServer, Message: errmsg})
}

func xcheckuserf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Infox(msg, err)
	panic(&sherpa.Error{Code: webapi.ErrorUser, Message: errmsg})
}

func xusererrorf(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	pkglog.WithContext(ctx).Info("user error", slog.String("msg", msg))
	panic(&sherpa.Error{Code: webapi.ErrorUser, Message: msg})
}

// Evaluate evaluates the Authentication-Results headers of a message for a
// tenant and user, and optionally stores the verdict.
//
// If no allowed authserv-ids are configured for the tenant and user, an error
// with code user:missingConfiguration is returned. If evaluation is disabled,
// the result has status not_analyzed.
func (a API) Evaluate(ctx context.Context, req webapi.EvaluateRequest) webapi.EvaluateResult {
	if req.Tenant == "" || req.User == "" {
		xusererrorf(ctx, "tenant and user are required")
	}
	if len(req.Message) > maxMessageSize {
		xusererrorf(ctx, "message too large, max %d bytes", maxMessageSize)
	}
	msg := req.Message
	if !strings.Contains(msg, "\n\n") && !strings.Contains(msg, "\r\n\r\n") {
		// Header only, add the separator.
		msg = strings.TrimRight(msg, "\r\n") + "\r\n\r\n"
	}
	h, err := message.ParseHeader(strings.NewReader(msg))
	xcheckuserf(ctx, err, "parsing message header")

	p := authres.Principal{Tenant: req.Tenant, User: req.User}
	r, err := a.evaluator.EvaluateMessage(ctx, p, h)
	if errors.Is(err, authres.ErrDisabled) {
		return webapi.EvaluateResult{Result: r}
	} else if errors.Is(err, authres.ErrMissingConfiguration) {
		panic(&sherpa.Error{Code: webapi.ErrorMissingConfiguration, Message: err.Error()})
	}
	xcheckf(ctx, err, "evaluating message")

	result := webapi.EvaluateResult{
		Result: r,
		Header: r.AuthResults(a.hostname).Header(),
	}
	if req.Store {
		msgID := h.Get("Message-Id")
		if id, _, err := message.MessageIDCanonical(msgID); err == nil {
			msgID = id
		} else if msgID != "" {
			pkglog.WithContext(ctx).Debugx("parsing message-id, storing as is", err, slog.String("msgid", msgID))
		}
		v := verdictdb.NewVerdict(p, msgID, r)
		err := a.db.Add(ctx, &v)
		xcheckf(ctx, err, "storing verdict")
		result.VerdictID = v.ID
	}
	return result
}

// ClearCache clears the cached allowed authserv-ids of all tenants and users,
// e.g. after a configuration change.
func (a API) ClearCache(ctx context.Context) {
	a.evaluator.ClearCache()
	pkglog.WithContext(ctx).Info("cleared cache of allowed authserv-ids")
}

// Verdicts returns stored verdicts, newest first.
func (a API) Verdicts(ctx context.Context, req webapi.VerdictsRequest) []verdictdb.Verdict {
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	} else if limit > 1000 {
		xusererrorf(ctx, "limit must be at most 1000")
	}
	f := verdictdb.Filter{
		Tenant:     req.Tenant,
		User:       req.User,
		FromDomain: req.FromDomain,
		Status:     req.Status,
	}
	l, err := a.db.List(ctx, f, limit)
	xcheckf(ctx, err, "listing verdicts")
	if l == nil {
		l = []verdictdb.Verdict{}
	}
	return l
}

// VerdictRemove removes a stored verdict.
func (a API) VerdictRemove(ctx context.Context, id string) {
	err := a.db.Remove(ctx, id)
	if errors.Is(err, verdictdb.ErrNotFound) {
		panic(&sherpa.Error{Code: webapi.ErrorNotFound, Message: "verdict not found"})
	}
	xcheckf(ctx, err, "removing verdict")
}
