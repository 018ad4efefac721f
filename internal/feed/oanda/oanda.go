// Package oanda implements feed.Adapter against the OANDA v20 REST and
// streaming APIs: account summaries from the query host, transactions as a
// long-lived chunked response of newline-delimited JSON from the stream
// host.
package oanda

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"github.com/surgelove/aia-transactions/internal/feed"
)

const (
	// EnvironmentPractice selects the fxpractice hosts (default).
	EnvironmentPractice = "practice"
	// EnvironmentLive selects the fxtrade hosts.
	EnvironmentLive = "live"

	practiceRESTBase   = "https://api-fxpractice.oanda.com"
	practiceStreamBase = "https://stream-fxpractice.oanda.com"
	liveRESTBase       = "https://api-fxtrade.oanda.com"
	liveStreamBase     = "https://stream-fxtrade.oanda.com"

	summaryTimeout = 30 * time.Second

	scanInitial = 64 * 1024
	scanMax     = 1024 * 1024
)

// Config wires an Adapter to its account and transports.
type Config struct {
	// Credentials supplies the bearer token, account and environment.
	// Required.
	Credentials feed.CredentialSource
	// RESTBase overrides the query API base URL. Tests use this; empty
	// selects the host for the credential environment.
	RESTBase string
	// StreamBase overrides the stream API base URL.
	StreamBase string
	// QueryClient overrides the client for summary calls. The default
	// carries a request timeout and OTel transport instrumentation.
	QueryClient *http.Client
	// StreamClient overrides the client for transaction streams. The
	// default has no client timeout; streams live until the server or
	// context ends them.
	StreamClient *http.Client
	// Logger defaults to a noop logger.
	Logger pslog.Logger
}

// Adapter streams one OANDA account.
type Adapter struct {
	cfg    Config
	query  *http.Client
	stream *http.Client
	logger pslog.Logger
}

// New validates cfg and builds an Adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("oanda: credential source required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	query := cfg.QueryClient
	if query == nil {
		query = &http.Client{
			Timeout:   summaryTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	stream := cfg.StreamClient
	if stream == nil {
		stream = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Adapter{cfg: cfg, query: query, stream: stream, logger: logger}, nil
}

// AccountID identifies the streamed account.
func (a *Adapter) AccountID() string {
	return a.cfg.Credentials.Current().AccountID
}

// AccountState fetches the current account summary and returns the account
// object untouched.
func (a *Adapter) AccountState(ctx context.Context) (json.RawMessage, error) {
	creds := a.cfg.Credentials.Current()
	url := fmt.Sprintf("%s/v3/accounts/%s/summary", a.restBase(creds), creds.AccountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("oanda: build summary request: %w", err)
	}
	authorize(req, creds)
	resp, err := a.query.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oanda: fetch account summary: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("summary", resp)
	}
	var summary struct {
		Account           json.RawMessage `json:"account"`
		LastTransactionID string          `json:"lastTransactionID"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, fmt.Errorf("oanda: decode account summary: %w", err)
	}
	if len(summary.Account) == 0 {
		return nil, fmt.Errorf("oanda: account summary missing account object")
	}
	a.logger.Debug("feed.oanda.summary_fetched",
		"account", creds.AccountID,
		"last_transaction", summary.LastTransactionID)
	return summary.Account, nil
}

// Stream opens a fresh transaction stream. The returned stream ends with
// io.EOF when the server closes the response cleanly.
func (a *Adapter) Stream(ctx context.Context) (feed.Stream, error) {
	creds := a.cfg.Credentials.Current()
	url := fmt.Sprintf("%s/v3/accounts/%s/transactions/stream", a.streamBase(creds), creds.AccountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("oanda: build stream request: %w", err)
	}
	authorize(req, creds)
	resp, err := a.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oanda: open transaction stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := statusError("stream", resp)
		resp.Body.Close()
		return nil, err
	}
	a.logger.Info("feed.oanda.stream_opened", "account", creds.AccountID)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, scanInitial), scanMax)
	return &transactionStream{body: resp.Body, sc: sc}, nil
}

func (a *Adapter) restBase(creds feed.Credentials) string {
	if a.cfg.RESTBase != "" {
		return a.cfg.RESTBase
	}
	if creds.Environment == EnvironmentLive {
		return liveRESTBase
	}
	return practiceRESTBase
}

func (a *Adapter) streamBase(creds feed.Credentials) string {
	if a.cfg.StreamBase != "" {
		return a.cfg.StreamBase
	}
	if creds.Environment == EnvironmentLive {
		return liveStreamBase
	}
	return practiceStreamBase
}

func authorize(req *http.Request, creds feed.Credentials) {
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	req.Header.Set("Accept", "application/json")
}

func statusError(call string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("oanda: %s returned %s: %s", call, resp.Status, bytes.TrimSpace(snippet))
}

type transactionStream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
}

// Recv returns the next event on the stream, skipping blank keepalive
// lines. A malformed document fails the stream; the caller's backoff cycle
// reopens it.
func (s *transactionStream) Recv() (feed.Event, error) {
	for s.sc.Scan() {
		line := bytes.TrimSpace(s.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := feed.DecodeEvent(line)
		if err != nil {
			return feed.Event{}, err
		}
		return ev, nil
	}
	if err := s.sc.Err(); err != nil {
		return feed.Event{}, fmt.Errorf("oanda: read stream: %w", err)
	}
	return feed.Event{}, io.EOF
}

func (s *transactionStream) Close() error {
	return s.body.Close()
}
