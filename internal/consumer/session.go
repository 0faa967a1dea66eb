package consumer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/atp-indexer/firehose-indexer/internal/metrics"
	"github.com/atp-indexer/firehose-indexer/internal/model"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	reconnectSleep  = 200 * time.Millisecond
	cursorSafetyGap = 10 * time.Second
	cursorFlushTick = 60 * time.Second
)

// Session maintains at most one active subscription to Host at a time,
// reconnecting with a rewound cursor on any error.
type Session struct {
	Host      string
	TLSConfig *tls.Config
	Store     *pgxpool.Pool
	Dispatch  *Pool
	Logger    *zap.Logger

	cursor    atomic.Int64
	connected atomic.Bool
}

// IsJoined reports whether the session currently holds an open websocket
// subscription, for the HTTP readiness check.
func (s *Session) IsJoined() bool {
	return s.connected.Load()
}

// Run blocks until ctx is canceled, maintaining the subscription and
// reconnecting on any transport or protocol error.
func (s *Session) Run(ctx context.Context) {
	initial, err := s.loadCursor(ctx)
	if err != nil {
		s.Logger.Warn("failed to load persisted cursor, starting at live tail",
			zap.String("host", s.Host), zap.Error(err))
		initial = 0
	}
	s.cursor.Store(initial)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.runOnce(ctx); err != nil {
			metrics.ConsumerReconnectsTotal.WithLabelValues(s.Host, reason(err)).Inc()
			s.Logger.Warn("session error, reconnecting", zap.String("host", s.Host), zap.Error(err))
			// The rewind replays up to 10 s of already-seen events, so the
			// first events after a reconnect may be applied twice; the
			// applier's per-row upserts make that replay idempotent.
			s.rewindCursor()
			select {
			case <-time.After(reconnectSleep):
			case <-ctx.Done():
				return
			}
		}
	}
}

func reason(err error) string {
	if _, ok := err.(*websocket.CloseError); ok {
		return "close"
	}
	return "transport"
}

func (s *Session) rewindCursor() {
	c := s.cursor.Load()
	if c == 0 {
		return
	}
	rewound := c - cursorSafetyGap.Microseconds()
	if rewound < 0 {
		rewound = 0
	}
	s.cursor.Store(rewound)
}

func (s *Session) runOnce(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	s.connected.Store(true)
	defer s.connected.Store(false)

	flush := time.NewTicker(cursorFlushTick)
	defer flush.Stop()

	done := make(chan struct{})
	readErr := make(chan error, 1)
	go s.readLoop(ctx, conn, readErr, done)

	for {
		select {
		case err := <-readErr:
			return err
		case <-flush.C:
			s.persistCursor(ctx)
		case <-ctx.Done():
			<-done
			return nil
		}
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	q := url.Values{}
	q.Set("wantedCollections", strings.Join(knownCollections, ","))
	if c := s.cursor.Load(); c != 0 {
		q.Set("cursor", strconv.FormatInt(c, 10))
	}
	u := url.URL{Scheme: "wss", Host: s.Host, Path: "/subscribe", RawQuery: q.Encode()}

	dialer := websocket.Dialer{
		TLSClientConfig:  s.TLSConfig,
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), http.Header{})
	return conn, err
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error, done chan<- struct{}) {
	defer close(done)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if msgType != websocket.TextMessage {
			s.Logger.Warn("ignoring non-text frame", zap.String("host", s.Host), zap.Int("type", msgType))
			continue
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			metrics.ParseErrorsTotal.WithLabelValues("websocket_envelope", "json").Inc()
			continue
		}

		if env.Kind == KindCommit && env.Commit != nil {
			item := WorkItem{
				Host:       s.Host,
				DID:        env.DID,
				Collection: env.Commit.Collection,
				Rkey:       env.Commit.Rkey,
				Op:         opFromString(env.Commit.Operation),
				Fields:     env.Commit.Record,
			}
			if err := s.Dispatch.Submit(ctx, item); err != nil {
				errCh <- err
				return
			}
		}

		// The cursor reflects the latest event seen, not the latest event
		// applied: advancing it here (rather than after the worker finishes)
		// keeps the read loop from stalling behind a slow downstream write.
		s.cursor.Store(env.TimeUS)
	}
}

func opFromString(op string) model.Op {
	switch op {
	case OpDelete:
		return model.OpDelete
	case OpUpdate:
		return model.OpUpdate
	default:
		return model.OpCreate
	}
}

func (s *Session) loadCursor(ctx context.Context) (int64, error) {
	var cursor int64
	err := s.Store.QueryRow(ctx, `SELECT cursor_micros FROM consumer_cursor WHERE host = $1`, s.Host).Scan(&cursor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return cursor, nil
}

func (s *Session) persistCursor(ctx context.Context) {
	c := s.cursor.Load() - cursorSafetyGap.Microseconds()
	if c < 0 {
		c = 0
	}
	_, err := s.Store.Exec(ctx, `
INSERT INTO consumer_cursor (host, cursor_micros, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (host) DO UPDATE SET cursor_micros = EXCLUDED.cursor_micros, updated_at = EXCLUDED.updated_at`,
		s.Host, c)
	if err != nil {
		s.Logger.Warn("failed to persist cursor", zap.String("host", s.Host), zap.Error(err))
		return
	}
	metrics.ConsumerCursor.WithLabelValues(s.Host).Set(float64(c))
}
