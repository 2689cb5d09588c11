package xqueue_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/xqueue-grader/internal/config"
	"github.com/fairyhunter13/xqueue-grader/internal/domain"
	"github.com/fairyhunter13/xqueue-grader/internal/adapter/queue/xqueue"
)

// fakeXQueue is an in-process stand-in for the submission server, the
// same role mock_xqueue plays in the load-test harness.
type fakeXQueue struct {
	mu sync.Mutex

	requireLogin bool
	loggedIn     bool

	submissions []domain.Submission
	putResults  []url.Values
	loginPosts  int
}

func (f *fakeXQueue) push(sub domain.Submission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, sub)
}

func (f *fakeXQueue) puts() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]url.Values, len(f.putResults))
	copy(out, f.putResults)
	return out
}

func (f *fakeXQueue) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/xqueue/login/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.loginPosts++
		_ = r.ParseForm()
		if r.PostForm.Get("username") == "user" && r.PostForm.Get("password") == "pass" {
			f.loggedIn = true
			fmt.Fprint(w, `{"return_code": 0, "msg": ""}`)
			return
		}
		fmt.Fprint(w, `{"return_code": 1, "msg": "login failed"}`)
	})
	mux.HandleFunc("/xqueue/get_submission/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.requireLogin && !f.loggedIn {
			w.Header().Set("Location", "/xqueue/login/")
			w.WriteHeader(http.StatusFound)
			return
		}
		if len(f.submissions) == 0 {
			fmt.Fprint(w, `{"return_code": 1, "content": "Queue is empty"}`)
			return
		}
		sub := f.submissions[0]
		f.submissions = f.submissions[1:]
		content, _ := json.Marshal(sub)
		resp, _ := json.Marshal(map[string]any{"return_code": 0, "content": string(content)})
		_, _ = w.Write(resp)
	})
	mux.HandleFunc("/xqueue/put_result/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.requireLogin && !f.loggedIn {
			w.Header().Set("Location", "/xqueue/login/")
			w.WriteHeader(http.StatusFound)
			return
		}
		_ = r.ParseForm()
		f.putResults = append(f.putResults, r.PostForm)
		fmt.Fprint(w, `{"return_code": 0}`)
	})
	return mux
}

func newTestClient(t *testing.T, fake *fakeXQueue, mgr config.ManagerConfig) (*xqueue.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	if mgr.RequestsTimeout == 0 {
		mgr.RequestsTimeout = 5
	}
	c := xqueue.NewClient(srv.URL, "test-pull", []string{"user", "pass"}, mgr)
	t.Cleanup(c.Close)
	return c, srv
}

func TestClient_LoginSuccess(t *testing.T) {
	c, _ := newTestClient(t, &fakeXQueue{}, config.ManagerConfig{})
	require.NoError(t, c.Login(context.Background()))
}

func TestClient_LoginRefused(t *testing.T) {
	fake := &fakeXQueue{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	c := xqueue.NewClient(srv.URL, "q", []string{"user", "wrong"}, config.ManagerConfig{RequestsTimeout: 5})
	err := c.Login(context.Background())
	require.ErrorIs(t, err, xqueue.ErrNotAuthenticated)
}

func TestClient_LoginSkippedWithoutCredentials(t *testing.T) {
	c := xqueue.NewClient("http://unreachable.invalid", "q", nil, config.ManagerConfig{RequestsTimeout: 1})
	require.NoError(t, c.Login(context.Background()))
}

func TestClient_GetSubmission(t *testing.T) {
	fake := &fakeXQueue{}
	fake.push(domain.Submission{Header: `{"submission_id": 42}`, Body: `{"student_response": "x", "grader_payload": "{}"}`})
	c, _ := newTestClient(t, fake, config.ManagerConfig{})

	sub, ok, err := c.GetSubmission(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"submission_id": 42}`, sub.Header)

	// Queue drained: no work, no error.
	_, ok, err = c.GetSubmission(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_PutResultEchoesHeader(t *testing.T) {
	fake := &fakeXQueue{}
	c, _ := newTestClient(t, fake, config.ManagerConfig{})

	header := `{"submission_id": 7, "submission_key": "abc"}`
	require.NoError(t, c.PutResult(context.Background(), header, &domain.Reply{Correct: 1, Score: 1, Msg: "ok"}))

	puts := fake.puts()
	require.Len(t, puts, 1)
	assert.Equal(t, header, puts[0].Get("xqueue_header"))
	assert.JSONEq(t, `{"correct":1,"score":1,"msg":"ok"}`, puts[0].Get("xqueue_body"))
}

func TestClient_RedirectTriggersRelogin(t *testing.T) {
	fake := &fakeXQueue{requireLogin: true}
	c, _ := newTestClient(t, fake, config.ManagerConfig{})

	// The first put_result hits a 302, the client logs in and retries the
	// original request once; the reply lands within one cycle.
	require.NoError(t, c.PutResult(context.Background(), "hdr", &domain.Reply{Correct: 0, Score: 0, Msg: ""}))
	require.Len(t, fake.puts(), 1)
	assert.Equal(t, 1, fake.loginPosts)
}

func TestClient_TimeoutClassified(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	t.Cleanup(func() { close(blocked); srv.Close() })

	c := xqueue.NewClient(srv.URL, "q", nil, config.ManagerConfig{RequestsTimeout: 0.05})
	_, ok, err := c.GetSubmission(context.Background())
	assert.False(t, ok)
	require.ErrorIs(t, err, xqueue.ErrRequestTimeout)
}

func TestClient_ConnectionErrorClassified(t *testing.T) {
	// Grab a port and close the listener so connections are refused.
	srv := httptest.NewServer(http.NewServeMux())
	addr := srv.URL
	srv.Close()

	c := xqueue.NewClient(addr, "q", nil, config.ManagerConfig{RequestsTimeout: 1})
	_, ok, err := c.GetSubmission(context.Background())
	assert.False(t, ok)
	require.ErrorIs(t, err, xqueue.ErrConnection)
	assert.NotErrorIs(t, err, xqueue.ErrRequestTimeout)
}

func TestClient_EnvelopeShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		code int
		ok   bool
	}{
		{"return_code zero", `{"return_code": 0, "content": "\"payload\""}`, 200, true},
		{"return_code nonzero", `{"return_code": 1, "content": "\"\""}`, 200, false},
		{"success true", `{"success": true, "submission": "s"}`, 200, true},
		{"success false", `{"success": false}`, 200, false},
		{"no code at all", `{"hello": "world"}`, 200, false},
		{"malformed json", `{nope`, 200, false},
		{"server error", `{"return_code": 0}`, 500, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				fmt.Fprint(w, tc.body)
			}))
			t.Cleanup(srv.Close)
			c := xqueue.NewClient(srv.URL, "q", nil, config.ManagerConfig{RequestsTimeout: 5})
			_, ok, err := c.GetSubmission(context.Background())
			require.NoError(t, err)
			// GetSubmission additionally requires content to decode into an
			// envelope, so only well-formed successes can return ok.
			if !tc.ok {
				assert.False(t, ok)
			}
		})
	}
}

func TestClient_FollowRedirectsOption(t *testing.T) {
	// With FOLLOW_CLIENT_REDIRECTS the 302 is followed instead of being
	// treated as session expiry.
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"return_code": 1, "content": "\"\""}`)
	}))
	t.Cleanup(target.Close)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	c := xqueue.NewClient(srv.URL, "q", nil,
		config.ManagerConfig{RequestsTimeout: 5, FollowClientRedirects: true})
	start := time.Now()
	_, ok, err := c.GetSubmission(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}
