package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
)

const (
	websocketPushInterval = 2 * time.Second
	websocketBatchLimit   = 50
)

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// websocketState carries per-connection push cursors so each channel
// only emits what changed since the previous tick.
type websocketState struct {
	userID         string
	activityCursor int64
	cursorReady    bool
	lastBalances   map[string]uint64
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		return s.isOriginAllowed(origin)
	}

	state := &websocketState{lastBalances: map[string]uint64{}}
	if rec, err := s.requireSession(r); err == nil {
		state.userID = rec.UserID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newSubscriptionSet()
	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, subs, readErrCh)

	ticker := time.NewTicker(websocketPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case <-ticker.C:
			channels := subs.List()
			for _, channel := range channels {
				payload, err := s.getWebsocketPayload(ctx, channel, state)
				if err != nil {
					_ = writeWebsocketJSON(conn, websocketEnvelope{Type: "error", Channel: channel, Error: err.Error(), TS: time.Now().Unix()})
					continue
				}
				if payload == nil {
					continue
				}
				if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "event", Channel: channel, Data: payload, TS: time.Now().Unix()}); err != nil {
					return
				}
			}
		}
	}
}

func (s *Service) websocketReadLoop(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, readErrCh chan<- error) {
	conn.SetReadLimit(1024 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		if message.Channel == "" {
			continue
		}
		switch message.Type {
		case "subscribe":
			subs.Add(message.Channel)
		case "unsubscribe":
			subs.Remove(message.Channel)
		}
	}
}

// getWebsocketPayload returns the next event for a channel, or nil when
// nothing changed since the last tick. Channels:
//
//	activity             new ledger rows for the session user
//	activity.<user_id>   same, explicit form; must match the session
//	balance.<pubkey>     lamport balance, emitted on change
func (s *Service) getWebsocketPayload(ctx context.Context, channel string, state *websocketState) (any, error) {
	switch {
	case channel == "activity":
		return s.activityPayload(ctx, state)
	case strings.HasPrefix(channel, "activity."):
		if strings.TrimPrefix(channel, "activity.") != state.userID || state.userID == "" {
			return nil, fmt.Errorf("activity channel requires a session for that user")
		}
		return s.activityPayload(ctx, state)
	case strings.HasPrefix(channel, "balance."):
		return s.balancePayload(ctx, strings.TrimPrefix(channel, "balance."), state)
	default:
		return nil, fmt.Errorf("unknown channel")
	}
}

func (s *Service) activityPayload(ctx context.Context, state *websocketState) (any, error) {
	if state.userID == "" {
		return nil, fmt.Errorf("activity channel requires a session")
	}

	// First tick establishes the cursor; only rows created after the
	// subscription are streamed.
	if !state.cursorReady {
		latest, err := s.store.LatestActivityID(ctx, state.userID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch activity cursor")
		}
		state.activityCursor = latest
		state.cursorReady = true
		return nil, nil
	}

	items, err := s.store.ListActivitiesAfter(ctx, state.userID, state.activityCursor, websocketBatchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch activities")
	}
	if len(items) == 0 {
		return nil, nil
	}
	state.activityCursor = items[len(items)-1].ID
	return map[string]any{"activities": items}, nil
}

func (s *Service) balancePayload(ctx context.Context, rawPubkey string, state *websocketState) (any, error) {
	pubkey, err := solana.PublicKeyFromBase58(rawPubkey)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey")
	}

	rpcCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCRequestTimeout)
	defer cancel()
	balance, err := s.rpc.GetBalance(rpcCtx, pubkey, s.cfg.Commitment)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balance")
	}

	key := pubkey.String()
	previous, seen := state.lastBalances[key]
	state.lastBalances[key] = balance.Value
	if seen && previous == balance.Value {
		return nil, nil
	}
	return map[string]any{
		"pubkey":   key,
		"lamports": balance.Value,
		"sol":      float64(balance.Value) / float64(solana.LAMPORTS_PER_SOL),
	}, nil
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

func (s *subscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[channel] = struct{}{}
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

func (s *subscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for channel := range s.items {
		out = append(out, channel)
	}
	return out
}
