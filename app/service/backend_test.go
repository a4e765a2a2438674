package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marcel.works/roomsync/app/model"
	"marcel.works/roomsync/app/queue"
	"marcel.works/roomsync/app/session"
)

type fakeAPI struct {
	valid        atomic.Value
	refreshes    int32
	unauthorized int32
	ended        []string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	api := &fakeAPI{}
	api.valid.Store("t1")
	router := mux.NewRouter()

	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+api.valid.Load().(string) {
				atomic.AddInt32(&api.unauthorized, 1)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}
	router.HandleFunc("/api/rooms/{room}/songs", authed(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]model.Song{{ID: 1, Title: "a", Current: true}, {ID: 2, Title: "b", Upvotes: 4}})
	})).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms/{room}/is-creator", authed(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("true"))
	})).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms/songs/{song}/vote", authed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("User has already voted for this song"))
	})).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room}/songs/{song}/ended", authed(func(w http.ResponseWriter, r *http.Request) {
		api.ended = append(api.ended, mux.Vars(r)["room"]+"/"+mux.Vars(r)["song"])
	})).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room}/songs/{song}/remove", authed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})).Methods(http.MethodDelete)
	router.HandleFunc("/api/rooms/{room}/songs/{song}/play-now", authed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("You are not the creator of the room, Only the creator can update the current song"))
	})).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{room}/close", authed(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("CLOSED"))
	})).Methods(http.MethodGet)
	router.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&api.refreshes, 1)
		c, err := r.Cookie("refreshToken")
		if err != nil || c.Value != "r1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		api.valid.Store("t2")
		_ = json.NewEncoder(w).Encode(map[string]string{"accessToken": "t2", "refreshToken": "r2"})
	}).Methods(http.MethodPost)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return api, srv
}

func newBackend(srv *httptest.Server, access string) (*HTTPBackend, *session.Session) {
	sess := session.New("ann", "ann@example.com",
		session.TokenPair{Access: access, Refresh: "r1"}, Refresher(srv.URL, srv.Client()))
	return NewHTTPBackend(srv.URL, srv.Client(), sess, zap.NewNop()), sess
}

func TestBackendFetchAndCreator(t *testing.T) {
	_, srv := newFakeAPI(t)
	b, _ := newBackend(srv, "t1")

	songs, err := b.FetchSongs(context.Background(), "7")
	require.NoError(t, err)
	require.Len(t, songs, 2)
	assert.Equal(t, 4, songs[1].Upvotes)

	creator, err := b.IsCreator(context.Background(), "7")
	require.NoError(t, err)
	assert.True(t, creator)

	require.NoError(t, b.SongEnded(context.Background(), "7", 1))
}

func TestBackendRefreshesOnceFor401s(t *testing.T) {
	api, srv := newFakeAPI(t)
	b, sess := newBackend(srv, "expired")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.FetchSongs(context.Background(), "7")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&api.refreshes))
	assert.Equal(t, session.TokenPair{Access: "t2", Refresh: "r2"}, sess.Tokens())
}

func TestBackendRefreshesExpiringTokenFirst(t *testing.T) {
	api, srv := newFakeAPI(t)
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Second))}
	expiring, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	b, sess := newBackend(srv, expiring)

	_, err = b.FetchSongs(context.Background(), "7")
	require.NoError(t, err)
	_, err = b.FetchSongs(context.Background(), "7")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&api.refreshes))
	assert.Zero(t, atomic.LoadInt32(&api.unauthorized), "the expiring token is never sent")
	assert.Equal(t, "t2", sess.AccessToken())
}

func TestBackendKeepsLongLivedToken(t *testing.T) {
	api, srv := newFakeAPI(t)
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	api.valid.Store(token)
	b, _ := newBackend(srv, token)

	_, err = b.FetchSongs(context.Background(), "7")
	require.NoError(t, err)
	assert.Zero(t, atomic.LoadInt32(&api.refreshes))
}

func TestBackendErrorTaxonomy(t *testing.T) {
	_, srv := newFakeAPI(t)
	b, _ := newBackend(srv, "t1")
	ctx := context.Background()

	assert.ErrorIs(t, b.Vote(ctx, "7", 2), queue.ErrAlreadyVoted)
	assert.ErrorIs(t, b.DeleteSong(ctx, "7", 2), ErrTransport)
	assert.ErrorIs(t, b.PlayNow(ctx, "7", 2), ErrForbidden)

	var serr *StatusError
	err := b.CloseRoom(ctx, "7")
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusMethodNotAllowed, serr.Code)

	srv.Close()
	_, err = b.FetchSongs(ctx, "7")
	assert.ErrorIs(t, err, ErrTransport)
}
