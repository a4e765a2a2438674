package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"marcel.works/roomsync/app/model"
	"marcel.works/roomsync/app/queue"
	"marcel.works/roomsync/app/session"
)

// Backend is the room REST API the engine submits queue mutations to. Every
// mutation is confirmed by a songs broadcast, not by its return value.
type Backend interface {
	FetchSongs(ctx context.Context, roomID string) ([]model.Song, error)
	IsCreator(ctx context.Context, roomID string) (bool, error)
	Vote(ctx context.Context, roomID string, songID int64) error
	SongEnded(ctx context.Context, roomID string, songID int64) error
	PlayNow(ctx context.Context, roomID string, songID int64) error
	DeleteSong(ctx context.Context, roomID string, songID int64) error
	AddSong(ctx context.Context, roomID, title, link string) (model.Song, error)
	CloseRoom(ctx context.Context, roomID string) error
}

type HTTPBackend struct {
	base    string
	client  *http.Client
	session *session.Session
	log     *zap.Logger
}

func NewHTTPBackend(base string, client *http.Client, sess *session.Session, log *zap.Logger) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPBackend{
		base:    strings.TrimRight(base, "/"),
		client:  client,
		session: sess,
		log:     log.Named("backend"),
	}
}

// StatusError is a non-2xx answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %d %s", e.Code, e.Body)
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	send := func(token string) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, b.base+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return b.client.Do(req)
	}

	token := accessToken(ctx, b.session, b.log)
	resp, err := send(token)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		pair, err := b.session.Refresh(ctx, token)
		if err != nil {
			return err
		}
		b.log.Info("access token refreshed, retrying", zap.String("path", path))
		if resp, err = send(pair.Access); err != nil {
			return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
		}
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classify(resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s: %w", path, err)
	}
	return nil
}

// accessToken returns the session's bearer token, refreshed first when it is
// about to expire. A failed early refresh keeps the old token; a 401 retries.
func accessToken(ctx context.Context, sess *session.Session, log *zap.Logger) string {
	if sess == nil {
		return ""
	}
	token, err := sess.Current(ctx, session.RefreshMargin, time.Now())
	if err != nil {
		log.Warn("early token refresh failed", zap.Error(err))
	}
	return token
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func classify(code int, body string) error {
	serr := &StatusError{Code: code, Body: body}
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "already voted"):
		return fmt.Errorf("%w: %v", queue.ErrAlreadyVoted, serr)
	case strings.Contains(lower, "already exists"):
		return fmt.Errorf("%w: %v", queue.ErrDuplicateSong, serr)
	case code == http.StatusForbidden, strings.Contains(lower, "not the creator"):
		return fmt.Errorf("%w: %v", ErrForbidden, serr)
	case code == http.StatusNotFound, strings.Contains(lower, "song not found"):
		return fmt.Errorf("%w: %v", queue.ErrSongNotFound, serr)
	case code >= 500:
		return fmt.Errorf("%w: %v", ErrTransport, serr)
	}
	return serr
}

func roomPath(roomID string, parts ...string) string {
	return "/api/rooms/" + url.PathEscape(roomID) + strings.Join(parts, "")
}

func songPart(songID int64) string {
	return "/songs/" + strconv.FormatInt(songID, 10)
}

func (b *HTTPBackend) FetchSongs(ctx context.Context, roomID string) ([]model.Song, error) {
	var songs []model.Song
	err := b.do(ctx, http.MethodGet, roomPath(roomID, "/songs"), nil, &songs)
	return songs, err
}

func (b *HTTPBackend) IsCreator(ctx context.Context, roomID string) (bool, error) {
	var creator bool
	err := b.do(ctx, http.MethodGet, roomPath(roomID, "/is-creator"), nil, &creator)
	return creator, err
}

func (b *HTTPBackend) Vote(ctx context.Context, _ string, songID int64) error {
	return b.do(ctx, http.MethodPost, "/api/rooms"+songPart(songID)+"/vote?isUpvote=true", nil, nil)
}

func (b *HTTPBackend) SongEnded(ctx context.Context, roomID string, songID int64) error {
	return b.do(ctx, http.MethodPost, roomPath(roomID, songPart(songID), "/ended"), nil, nil)
}

func (b *HTTPBackend) PlayNow(ctx context.Context, roomID string, songID int64) error {
	return b.do(ctx, http.MethodPost, roomPath(roomID, songPart(songID), "/play-now"), nil, nil)
}

func (b *HTTPBackend) DeleteSong(ctx context.Context, roomID string, songID int64) error {
	return b.do(ctx, http.MethodDelete, roomPath(roomID, songPart(songID), "/remove"), nil, nil)
}

func (b *HTTPBackend) AddSong(ctx context.Context, roomID, title, link string) (model.Song, error) {
	var song model.Song
	err := b.do(ctx, http.MethodPost, roomPath(roomID, "/songs"), model.Song{Title: title, YoutubeLink: link}, &song)
	return song, err
}

func (b *HTTPBackend) CloseRoom(ctx context.Context, roomID string) error {
	return b.do(ctx, http.MethodPost, roomPath(roomID, "/close"), nil, nil)
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Refresher returns the session refresh call against the auth endpoint. The
// refresh token travels in the refreshToken cookie.
func Refresher(base string, client *http.Client) session.RefreshFunc {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base = strings.TrimRight(base, "/")
	return func(ctx context.Context, refresh string) (session.TokenPair, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/auth/refresh", nil)
		if err != nil {
			return session.TokenPair{}, err
		}
		req.AddCookie(&http.Cookie{Name: "refreshToken", Value: refresh})
		resp, err := client.Do(req)
		if err != nil {
			return session.TokenPair{}, fmt.Errorf("%w: refresh: %v", ErrTransport, err)
		}
		defer drain(resp)
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return session.TokenPair{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		}
		var out refreshResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return session.TokenPair{}, fmt.Errorf("refresh: decode: %w", err)
		}
		if out.AccessToken == "" {
			return session.TokenPair{}, errors.New("refresh: empty access token")
		}
		return session.TokenPair{Access: out.AccessToken, Refresh: out.RefreshToken}, nil
	}
}
