// Package lifecycle is the Request Lifecycle orchestrator from §4.6: it
// turns one client call into a sequence of candidate attempts against the
// Provider Pool, converting bodies through the Format Converter when a
// candidate speaks a different wire dialect, and for streaming requests
// hands the single upstream attempt to the Dedup Broadcaster so concurrent
// identical callers share it.
//
// Everything in this package works in Anthropic Messages-shaped request and
// response bodies; translating a client's OpenAI-dialect call into that
// shape (and back again) is httpapi's job, done once at the edge.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"gatewayproxy/internal/authresolver"
	"gatewayproxy/internal/config"
	"gatewayproxy/internal/convert"
	"gatewayproxy/internal/costing"
	"gatewayproxy/internal/dedup"
	"gatewayproxy/internal/errs"
	"gatewayproxy/internal/oauthstore"
	"gatewayproxy/internal/pool"
	"gatewayproxy/internal/provider"
)

// Timeouts split out per §4.6 rather than one blanket client timeout: a slow
// TLS handshake and a slow model aren't the same failure.
const (
	connectTimeout       = 10 * time.Second
	writeTimeout         = 10 * time.Second
	nonStreamReadTimeout = 120 * time.Second
	streamChunkTimeout   = 30 * time.Second
)

// Lifecycle wires together the pool, auth resolver, format converter, and
// dedup broadcaster into the single place that knows the attempt loop.
type Lifecycle struct {
	cfg         *config.Config
	pool        *pool.Pool
	store       oauthstore.Store
	broadcaster *dedup.Broadcaster
	logger      *zap.Logger

	defaultMaxTokens int
}

// New builds a Lifecycle. logger may not be nil; pass logging.Nop() in tests.
func New(cfg *config.Config, p *pool.Pool, store oauthstore.Store, b *dedup.Broadcaster, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		cfg:              cfg,
		pool:             p,
		store:            store,
		broadcaster:      b,
		logger:           logger,
		defaultMaxTokens: cfg.Settings.MaxOutputTokensDefault,
	}
}

// Execute runs the non-streaming path: resolve candidates, attempt each in
// order, failing over on retryable errors, returning the first success as
// an Anthropic-shape response body.
func (l *Lifecycle) Execute(ctx context.Context, body map[string]any, headers map[string]string) (map[string]any, *errs.Error) {
	l.clampMaxTokens(body)

	candidates, err := l.pool.CandidatesForModel(modelOf(body))
	if err != nil {
		return nil, asClassified(err, errs.ModelNotRouted)
	}

	var lastErr *errs.Error
	for i, cand := range candidates {
		resp, aerr := l.attempt(ctx, cand, body, headers)
		if aerr != nil {
			lastErr = aerr
			l.pool.MarkFailure(cand.Provider, aerr.Kind, 0)
			l.logger.Warn("attempt failed",
				zap.String("provider", cand.Provider.Name),
				zap.String("kind", string(aerr.Kind)),
				zap.Int("upstream_status", aerr.UpstreamStatus))
			if !aerr.Kind.Retryable() {
				return nil, aerr
			}
			if i+1 < len(candidates) {
				continue
			}
			return nil, exhausted(aerr)
		}
		l.pool.MarkSuccess(cand.Provider)
		return l.bufferedResult(cand.Provider, resp, modelOf(body))
	}
	return nil, exhausted(lastErr)
}

// ExecuteStream runs the streaming path. It attaches to the dedup
// broadcaster by fingerprint, spawning the single upstream attempt loop if
// this caller is the Initiator, and blocks until either the first frame is
// available or the session has already failed with nothing delivered. In
// that case a subscriber transparently retries by attaching again rather
// than being handed an empty stream, while the initiator returns the
// session's error (e.g. AllProvidersExhausted) to its caller.
func (l *Lifecycle) ExecuteStream(ctx context.Context, body map[string]any, headers map[string]string) (io.ReadCloser, error) {
	l.clampMaxTokens(body)
	fp := Fingerprint(body)

	for {
		sctx, cancel := context.WithCancel(context.Background())
		sess, role := l.broadcaster.Attach(fp, cancel)
		sub, ok := sess.Subscribe()
		if !ok {
			cancel()
			// Buffer overflowed: this session can no longer accept joiners.
			// Bypass dedup entirely for this caller by running a private attempt.
			return l.soloStream(ctx, body, headers)
		}
		if role != dedup.Initiator {
			cancel() // this caller doesn't own sctx; the initiator's cancel is what matters
		} else {
			go l.runInitiator(sctx, sess, body, headers)
		}

		select {
		case first, open := <-sub.Frames():
			if !open {
				state, failErr := sess.State()
				if state == dedup.Failed && sub.Delivered() == 0 {
					if role != dedup.Initiator {
						continue
					}
					return nil, failErr
				}
				return io.NopCloser(noFrameReader{}), nil
			}
			return newFrameStream(sess, sub, first), nil
		case <-ctx.Done():
			sess.Detach(sub)
			return nil, ctx.Err()
		}
	}
}

// runInitiator owns the single upstream attempt for a dedup session: it
// runs the same candidate failover loop Execute does, but only up until a
// candidate returns a successful response (its headers), since a streaming response is
// already partially committed to its client(s) after that point and can no
// longer be swapped for a different candidate.
func (l *Lifecycle) runInitiator(ctx context.Context, sess *dedup.Session, body map[string]any, headers map[string]string) {
	candidates, err := l.pool.CandidatesForModel(modelOf(body))
	if err != nil {
		l.broadcaster.Fail(sess, asClassified(err, errs.ModelNotRouted))
		return
	}

	var lastErr *errs.Error
	for i, cand := range candidates {
		resp, aerr := l.attempt(ctx, cand, body, headers)
		if aerr != nil {
			lastErr = aerr
			l.pool.MarkFailure(cand.Provider, aerr.Kind, 0)
			if !aerr.Kind.Retryable() {
				l.broadcaster.Fail(sess, aerr)
				return
			}
			if i+1 < len(candidates) {
				continue
			}
			l.broadcaster.Fail(sess, exhausted(aerr))
			return
		}
		l.pool.MarkSuccess(cand.Provider)
		l.publishStream(sess, cand.Provider, resp, modelOf(body))
		return
	}
	l.broadcaster.Fail(sess, exhausted(lastErr))
}

// publishStream normalizes the upstream stream to Anthropic SSE framing,
// splits it into discrete frames, and publishes each one as it arrives.
func (l *Lifecycle) publishStream(sess *dedup.Session, pr config.Provider, resp *provider.Response, clientModel string) {
	var normalized io.ReadCloser = resp.Body
	if pr.Type == config.ProviderOpenAI {
		normalized = convert.StreamOpenAIToAnthropic(resp.Body, clientModel)
	}
	defer normalized.Close()

	published := false
	err := splitFrames(normalized, func(f dedup.Frame) bool {
		published = true
		sess.Publish(f)
		return true
	})
	if err != nil {
		if published {
			l.broadcaster.Fail(sess, errs.New(errs.StreamAbortedMidFlight, err.Error(), 0, ""))
		} else {
			l.broadcaster.Fail(sess, errs.New(errs.NetworkError, err.Error(), 0, ""))
		}
		return
	}
	l.logUsage(pr, clientModel, resp.Usage)
	l.broadcaster.Complete(sess)
}

// soloStream bypasses the dedup broadcaster entirely: used when an
// in-flight session's buffer has overflowed and can no longer accept new
// subscribers. The caller gets its own private upstream attempt instead of
// sharing one.
func (l *Lifecycle) soloStream(ctx context.Context, body map[string]any, headers map[string]string) (io.ReadCloser, error) {
	candidates, err := l.pool.CandidatesForModel(modelOf(body))
	if err != nil {
		return nil, asClassified(err, errs.ModelNotRouted)
	}
	var lastErr *errs.Error
	for i, cand := range candidates {
		resp, aerr := l.attempt(ctx, cand, body, headers)
		if aerr != nil {
			lastErr = aerr
			l.pool.MarkFailure(cand.Provider, aerr.Kind, 0)
			if !aerr.Kind.Retryable() {
				return nil, aerr
			}
			if i+1 < len(candidates) {
				continue
			}
			return nil, exhausted(aerr)
		}
		l.pool.MarkSuccess(cand.Provider)
		out := resp.Body
		if cand.Provider.Type == config.ProviderOpenAI {
			out = convert.StreamOpenAIToAnthropic(resp.Body, modelOf(body))
		}
		return l.logUsageOnClose(out, cand.Provider, modelOf(body), resp.Usage), nil
	}
	return nil, exhausted(lastErr)
}

// attempt performs one candidate's full request: header resolution, body
// conversion to the candidate's wire dialect, and the HTTP call.
func (l *Lifecycle) attempt(ctx context.Context, cand pool.Candidate, body map[string]any, headers map[string]string) (*provider.Response, *errs.Error) {
	outHeaders, err := authresolver.Resolve(cand.Provider, headers, l.store)
	if err != nil {
		return nil, asClassified(err, errs.OAuthUnavailable)
	}

	var bodyBytes []byte
	var path string
	switch cand.Provider.Type {
	case config.ProviderAnthropic:
		path = "/v1/messages"
		bodyBytes, err = json.Marshal(withModel(body, cand.UpstreamModel))
	default:
		path = "/v1/chat/completions"
		bodyBytes, err = json.Marshal(convert.ToOpenAIRequest(body, cand.UpstreamModel))
	}
	if err != nil {
		return nil, errs.New(errs.ClientRequestError, "encode request body: "+err.Error(), 0, "")
	}
	outHeaders["content-length"] = authresolver.ContentLength(bodyBytes)

	// The up-front deadline covers what Forward does before it returns:
	// connect+write, plus, for a non-streaming request, reading the whole
	// body, which Forward buffers before returning. After Forward returns,
	// a per-read watchdog on the body takes over (§4.6: the streaming read
	// timeout applies per chunk, not per stream).
	budget := connectTimeout + writeTimeout
	if streaming, _ := body["stream"].(bool); !streaming {
		budget += nonStreamReadTimeout
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	connectTimer := time.AfterFunc(budget, cancel)
	client := l.newAttemptClient(cand.Provider)
	resp, aerr := provider.Forward(attemptCtx, client, provider.Attempt{
		Provider: cand.Provider,
		Method:   "POST",
		Path:     path,
		Headers:  outHeaders,
		Body:     bodyBytes,
	})
	connectTimer.Stop()
	if aerr != nil {
		cancel()
		return nil, aerr
	}
	if resp.IsStream {
		resp.Body = newChunkTimeoutBody(resp.Body, streamChunkTimeout, cancel)
	} else {
		resp.Body = newChunkTimeoutBody(resp.Body, nonStreamReadTimeout, cancel)
	}
	return resp, nil
}

// newAttemptClient builds a fresh http.Client per attempt, per §4.6 — no
// connection reuse or shared transport state carries across candidates or
// retries, so a misbehaving provider can't poison a later attempt's pool.
func (l *Lifecycle) newAttemptClient(pr config.Provider) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
	}
	if pr.Proxy != "" {
		if proxyURL, err := url.Parse(pr.Proxy); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &http.Client{Transport: transport}
}

func (l *Lifecycle) bufferedResult(pr config.Provider, resp *provider.Response, clientModel string) (map[string]any, *errs.Error) {
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, errs.New(errs.NetworkError, "read response body: "+err.Error(), 0, "")
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, errs.New(errs.UpstreamServerError, "malformed upstream body: "+err.Error(), resp.Status, string(data))
	}
	if pr.Type == config.ProviderOpenAI {
		parsed = convert.ToAnthropicResponse(parsed, clientModel)
	}
	l.logUsageTokens(pr, clientModel, resp.Model, resp.InputTokens, resp.OutputTokens, resp.CacheReadTokens, resp.CacheWriteTokens)
	return parsed, nil
}

// logUsage reports a completed streaming attempt's token counts and
// estimated cost once its TokenUsage accumulator has finished filling in
// (the caller is responsible for only calling this after the body is fully
// drained). Per SPEC_FULL §3, this never persists request bodies — only the
// aggregate counts and the computed cost reach the log.
func (l *Lifecycle) logUsage(pr config.Provider, clientModel string, usage *provider.TokenUsage) {
	if usage == nil {
		return
	}
	l.logUsageTokens(pr, clientModel, usage.ModelName(),
		int(usage.InputTokens.Load()), int(usage.OutputTokens.Load()),
		int(usage.CacheReadTokens.Load()), int(usage.CacheWriteTokens.Load()))
}

func (l *Lifecycle) logUsageTokens(pr config.Provider, clientModel, servedModel string, in, out, cacheRead, cacheWrite int) {
	model := servedModel
	if model == "" {
		model = clientModel
	}
	cost := costing.Estimate(model, in, out)
	l.logger.Info("request usage",
		zap.String("provider", pr.Name),
		zap.String("model", clientModel),
		zap.String("routed_model", model),
		zap.Int("input_tokens", in),
		zap.Int("output_tokens", out),
		zap.Int("cache_read_tokens", cacheRead),
		zap.Int("cache_write_tokens", cacheWrite),
		zap.Float64("cost_usd", cost))
}

// logUsageOnClose wraps a solo (non-deduped) streaming body so its usage is
// logged once the caller closes it, mirroring publishStream's log point for
// the dedup path.
func (l *Lifecycle) logUsageOnClose(body io.ReadCloser, pr config.Provider, clientModel string, usage *provider.TokenUsage) io.ReadCloser {
	return &usageLoggingBody{ReadCloser: body, log: func() { l.logUsage(pr, clientModel, usage) }}
}

type usageLoggingBody struct {
	io.ReadCloser
	log func()
}

func (b *usageLoggingBody) Close() error {
	err := b.ReadCloser.Close()
	b.log()
	return err
}

func withModel(body map[string]any, model string) map[string]any {
	if model == "" {
		return body
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	out["model"] = model
	return out
}

func asClassified(err error, fallback errs.Kind) *errs.Error {
	if e, ok := err.(*errs.Error); ok {
		return e
	}
	return errs.New(fallback, err.Error(), 0, "")
}

func exhausted(lastErr *errs.Error) *errs.Error {
	if lastErr != nil {
		return errs.New(errs.AllProvidersExhausted, fmt.Sprintf("all candidates exhausted; last error: %s", lastErr.Message), lastErr.UpstreamStatus, lastErr.Body)
	}
	return errs.New(errs.AllProvidersExhausted, "no healthy candidates", 0, "")
}

// noFrameReader is returned for the degenerate case where a session
// completes successfully having published nothing at all.
type noFrameReader struct{}

func (noFrameReader) Read(p []byte) (int, error) { return 0, io.EOF }
