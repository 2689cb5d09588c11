// Package xqueue implements the pull side of the xqueue wire protocol:
// a session-authenticated HTTP client and the long-lived polling worker
// that claims submissions and posts verdicts back.
//
// The server speaks two envelope dialects. A JSON body is successful iff
// it carries return_code == 0 (payload in "content") or success == true
// (payload is the envelope itself). A 301/302 on any endpoint means the
// session expired; the client logs back in and retries the original
// request once.
package xqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/xqueue-grader/internal/config"
	"github.com/fairyhunter13/xqueue-grader/internal/domain"
)

// Transport-level sentinels. A timeout is "no work this tick", never a
// failure; a connection error is recoverable and triggers a poll sleep.
var (
	ErrRequestTimeout   = errors.New("request timed out")
	ErrConnection       = errors.New("connection error")
	ErrNotAuthenticated = errors.New("could not log in")
)

// Client wraps one HTTP session against a single xqueue server.
// It is single-threaded: exactly one Worker owns it.
type Client struct {
	server    string
	queueName string

	username string
	password string

	basicUser string
	basicPass string

	followRedirects bool

	http *http.Client
	log  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBasicAuth enables HTTP Basic on every call, independent of the form
// login.
func WithBasicAuth(user, pass string) Option {
	return func(c *Client) {
		c.basicUser, c.basicPass = user, pass
	}
}

// WithFollowRedirects makes the client follow redirects transparently
// instead of treating them as session expiry.
func WithFollowRedirects(follow bool) Option {
	return func(c *Client) { c.followRedirects = follow }
}

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient constructs a Client for one queue. auth is the (username,
// password) pair POSTed to the login endpoint; an empty username skips the
// form login entirely.
func NewClient(server, queueName string, auth []string, mgr config.ManagerConfig, opts ...Option) *Client {
	c := &Client{
		server:    strings.TrimRight(server, "/"),
		queueName: queueName,
		log:       slog.Default().With(slog.String("queue", queueName)),
	}
	if len(auth) == 2 {
		c.username, c.password = auth[0], auth[1]
	}
	if len(mgr.HTTPBasicAuth) == 2 {
		c.basicUser, c.basicPass = mgr.HTTPBasicAuth[0], mgr.HTTPBasicAuth[1]
	}
	c.followRedirects = mgr.FollowClientRedirects

	jar, _ := cookiejar.New(nil)
	c.http = &http.Client{
		Jar:       jar,
		Timeout:   mgr.RequestsTimeoutDuration(),
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	for _, o := range opts {
		o(c)
	}
	if !c.followRedirects {
		c.http.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return c
}

// QueueName returns the queue this client polls.
func (c *Client) QueueName() string { return c.queueName }

// Close releases idle connections held by the session.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Login POSTs the shared-secret form to the login endpoint. A nil return
// means the session is authenticated (or no credentials are configured,
// in which case login is skipped).
func (c *Client) Login(ctx context.Context) error {
	if c.username == "" {
		return nil
	}
	form := url.Values{
		"username": {c.username},
		"password": {c.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+"/xqueue/login/", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("op=xqueue.Login: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setBasicAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("op=xqueue.Login: %w: %w", classify(err), err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=xqueue.Login: %w: status %d", ErrNotAuthenticated, resp.StatusCode)
	}
	var body struct {
		ReturnCode int    `json:"return_code"`
		Msg        string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("op=xqueue.Login: %w", err)
	}
	if body.ReturnCode != 0 {
		return fmt.Errorf("op=xqueue.Login: %w: %s", ErrNotAuthenticated, body.Msg)
	}
	c.log.Debug("logged in", slog.String("server", c.server))
	return nil
}

// GetSubmission claims one submission from the queue. ok is false when
// the queue has no work (or the server declined); err is reserved for
// transport-level problems.
func (c *Client) GetSubmission(ctx context.Context) (sub domain.Submission, ok bool, err error) {
	params := url.Values{"queue_name": {c.queueName}}
	success, content, err := c.request(ctx, http.MethodGet, "/xqueue/get_submission/", params, nil)
	if err != nil {
		return domain.Submission{}, false, err
	}
	if !success {
		return domain.Submission{}, false, nil
	}
	if err := json.Unmarshal([]byte(content), &sub); err != nil {
		c.log.Error("could not decode submission envelope", slog.Any("error", err))
		return domain.Submission{}, false, nil
	}
	return sub, true, nil
}

// PutResult posts one reply, echoing the submission header verbatim.
func (c *Client) PutResult(ctx context.Context, header string, reply *domain.Reply) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("op=xqueue.PutResult: %w", err)
	}
	form := url.Values{
		"xqueue_header": {header},
		"xqueue_body":   {string(body)},
	}
	success, msg, err := c.request(ctx, http.MethodPost, "/xqueue/put_result/", nil, form)
	if err != nil {
		return fmt.Errorf("op=xqueue.PutResult: %w", err)
	}
	if !success {
		return fmt.Errorf("op=xqueue.PutResult: server refused reply: %s", msg)
	}
	return nil
}

// request performs one protocol call, transparently recovering from a
// session-expired redirect by logging in and retrying once.
func (c *Client) request(ctx context.Context, method, uri string, params, form url.Values) (bool, string, error) {
	retried := false
	for {
		resp, err := c.do(ctx, method, uri, params, form)
		if err != nil {
			kind := classify(err)
			if !errors.Is(kind, ErrRequestTimeout) {
				c.log.Error("could not connect to server",
					slog.String("url", c.server+uri), slog.Any("error", err))
			}
			return false, "", fmt.Errorf("%w: %w", kind, err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			ok, content := c.parseResponse(resp)
			return ok, content, nil
		// Django can issue both a 302 to the login page and a 301 if the
		// original URL lacked a trailing slash and APPEND_SLASH is on.
		case resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound:
			drain(resp)
			if retried {
				return false, "could not log in", nil
			}
			if err := c.Login(ctx); err != nil {
				c.log.Error("re-login after redirect failed", slog.Any("error", err))
				return false, "could not log in", nil
			}
			retried = true
		default:
			drain(resp)
			msg := fmt.Sprintf("unexpected response status code %d calling %s", resp.StatusCode, c.server+uri)
			c.log.Error(msg)
			return false, msg, nil
		}
	}
}

func (c *Client) do(ctx context.Context, method, uri string, params, form url.Values) (*http.Response, error) {
	u := c.server + uri
	if params != nil {
		u += "?" + params.Encode()
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	c.setBasicAuth(req)
	return c.http.Do(req)
}

// parseResponse interprets the xqueue reply envelope.
func (c *Client) parseResponse(resp *http.Response) (bool, string) {
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.log.Error("could not read xreply", slog.Any("error", err))
		return false, "could not read xreply"
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.log.Error("could not parse xreply")
		return false, "could not parse xreply"
	}

	if rc, present := envelope["return_code"]; present {
		var code int
		if err := json.Unmarshal(rc, &code); err != nil {
			return false, "invalid return code"
		}
		var content string
		if raw, ok := envelope["content"]; ok {
			if err := json.Unmarshal(raw, &content); err != nil {
				// Some endpoints put a bare object in content.
				content = string(raw)
			}
		}
		return code == 0, content
	}
	if s, present := envelope["success"]; present {
		var ok bool
		if err := json.Unmarshal(s, &ok); err != nil {
			return false, "invalid success flag"
		}
		return ok, string(raw)
	}
	return false, "cannot find a valid success or return code"
}

func (c *Client) setBasicAuth(req *http.Request) {
	if c.basicUser != "" || c.basicPass != "" {
		req.SetBasicAuth(c.basicUser, c.basicPass)
	}
}

// classify maps a transport error onto the package sentinels.
func classify(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrRequestTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrRequestTimeout
	}
	return ErrConnection
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
