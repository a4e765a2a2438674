package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marcel.works/roomsync/app/engine"
	"marcel.works/roomsync/app/model"
	"marcel.works/roomsync/app/queue"
	"marcel.works/roomsync/app/role"
)

type fakeController struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
	feed  chan model.Broadcast
}

func newFake() *fakeController {
	return &fakeController{errs: map[string]error{}, feed: make(chan model.Broadcast, 4)}
}

func (f *fakeController) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.errs[strings.SplitN(call, " ", 2)[0]]
}

func (f *fakeController) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) State(context.Context) (engine.View, error) {
	if err := f.record("state"); err != nil {
		return engine.View{}, err
	}
	return engine.View{Role: model.RoleAuthority, Connection: model.StateActive, ActiveUsers: 3}, nil
}

func (f *fakeController) Subscribe() (<-chan model.Broadcast, func()) {
	return f.feed, func() {}
}

func (f *fakeController) Vote(_ context.Context, id int64) error {
	return f.record("vote " + itoa(id))
}
func (f *fakeController) AddSong(_ context.Context, title, link string) error {
	return f.record("add " + title + " " + link)
}
func (f *fakeController) Skip(context.Context) error { return f.record("skip") }
func (f *fakeController) PlayNow(_ context.Context, id int64) error {
	return f.record("play-now " + itoa(id))
}
func (f *fakeController) Delete(_ context.Context, id int64) error {
	return f.record("delete " + itoa(id))
}
func (f *fakeController) CloseRoom(context.Context) error { return f.record("close") }
func (f *fakeController) Play(context.Context) error      { return f.record("play") }
func (f *fakeController) Pause(context.Context) error     { return f.record("pause") }
func (f *fakeController) Seek(_ context.Context, s float64) error {
	b, _ := json.Marshal(s)
	return f.record("seek " + string(b))
}
func (f *fakeController) SetVolume(_ context.Context, v int) error {
	return f.record("volume " + itoa(int64(v)))
}
func (f *fakeController) SetMuted(_ context.Context, m bool) error {
	if m {
		return f.record("mute")
	}
	return f.record("unmute")
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func newTestServer(t *testing.T, f *fakeController) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(f, "http://127.0.0.1:5173", zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestControlRoutes(t *testing.T) {
	f := newFake()
	srv := newTestServer(t, f)

	for path, body := range map[string]string{
		"/api/vote/7":     "",
		"/api/play-now/8": "",
		"/api/delete/9":   "",
		"/api/skip":       "",
		"/api/play":       "",
		"/api/pause":      "",
		"/api/close":      "",
		"/api/mute":       "",
		"/api/unmute":     "",
		"/api/seek":       `{"position":12.5}`,
		"/api/volume":     `{"volume":40}`,
		"/api/songs":      `{"title":"A","youtubeLink":"https://youtu.be/aaaaaaaaaaa"}`,
	} {
		assert.Equal(t, http.StatusAccepted, post(t, srv, path, body).StatusCode, path)
	}
	assert.ElementsMatch(t, []string{
		"vote 7", "play-now 8", "delete 9", "skip", "play", "pause", "close",
		"mute", "unmute", "seek 12.5", "volume 40", "add A https://youtu.be/aaaaaaaaaaa",
	}, f.recorded())
}

func TestBadRequests(t *testing.T) {
	f := newFake()
	srv := newTestServer(t, f)

	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/vote/abc", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/seek", `{}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/seek", `{"position":-1}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/volume", `nope`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/songs", `{"title":"x"}`).StatusCode)

	resp, err := http.Get(srv.URL + "/api/skip")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Empty(t, f.recorded())
}

func TestErrorStatus(t *testing.T) {
	f := newFake()
	f.errs["skip"] = role.ErrPermission
	f.errs["vote"] = queue.ErrAlreadyVoted
	f.errs["delete"] = queue.ErrSongNotFound
	f.errs["close"] = engine.ErrNotRunning
	srv := newTestServer(t, f)

	resp := post(t, srv, "/api/skip", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "permission", body.Kind)

	assert.Equal(t, http.StatusConflict, post(t, srv, "/api/vote/1", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, post(t, srv, "/api/delete/1", "").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, post(t, srv, "/api/close", "").StatusCode)
}

func TestStateAndCORS(t *testing.T) {
	srv := newTestServer(t, newFake())

	resp, err := http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://127.0.0.1:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	var v engine.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Equal(t, model.RoleAuthority, v.Role)
	assert.Equal(t, 3, v.ActiveUsers)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/skip", nil)
	pre, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	pre.Body.Close()
	assert.Equal(t, http.StatusOK, pre.StatusCode)
}

func TestEventStream(t *testing.T) {
	f := newFake()
	srv := newTestServer(t, f)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	read := func() map[string]interface{} {
		_, body, err := conn.ReadMessage()
		require.NoError(t, err)
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &m))
		return m
	}
	first := read()
	assert.Equal(t, EventState, first["type"])

	f.feed <- model.Broadcast{Type: engine.EventActiveUsers, Data: 4, Timestamp: time.Now()}
	next := read()
	assert.Equal(t, engine.EventActiveUsers, next["type"])
	assert.Equal(t, float64(4), next["data"])
}
