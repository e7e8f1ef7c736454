package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// OddsUpdate is one odds change on a bet option. Odds travel as decimal
// strings to keep two-digit precision across the wire.
type OddsUpdate struct {
	BetID    int64     `json:"betId"`
	OptionID int64     `json:"optionId"`
	Odds     string    `json:"odds"`
	At       time.Time `json:"at"`
}

func (u OddsUpdate) validate() error {
	if u.BetID <= 0 || u.OptionID <= 0 {
		return fmt.Errorf("odds update missing bet or option id")
	}
	odds, err := decimal.NewFromString(u.Odds)
	if err != nil {
		return fmt.Errorf("odds %q not a decimal: %w", u.Odds, err)
	}
	if odds.LessThan(minOdds) {
		return fmt.Errorf("odds %s below minimum", u.Odds)
	}
	return nil
}

var minOdds = decimal.RequireFromString("1.01")

// OddsSource delivers raw odds messages to the relay. Production uses the
// redis pub/sub channel; tests feed a plain Go channel.
type OddsSource interface {
	Messages(ctx context.Context) (<-chan []byte, error)
}

// RedisOddsSource subscribes to the configured pub/sub channel.
type RedisOddsSource struct {
	Client  *redis.Client
	Channel string
}

func (s *RedisOddsSource) Messages(ctx context.Context) (<-chan []byte, error) {
	sub := s.Client.Subscribe(ctx, s.Channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", s.Channel, err)
	}
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				out <- []byte(msg.Payload)
			}
		}
	}()
	return out, nil
}

// channelOddsSource backs relay tests.
type channelOddsSource struct {
	ch chan []byte
}

func (s *channelOddsSource) Messages(context.Context) (<-chan []byte, error) {
	return s.ch, nil
}

type oddsSubscriber struct {
	ch chan []byte
}

// OddsRelay keeps the latest odds per bet option and fans updates out to
// websocket subscribers. Slow subscribers are dropped rather than allowed
// to stall the broadcast.
type OddsRelay struct {
	log     *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	snapshot map[int64]map[int64]string
	subs     map[*oddsSubscriber]struct{}
}

func NewOddsRelay(log *slog.Logger, metrics *Metrics) *OddsRelay {
	return &OddsRelay{
		log:      log,
		metrics:  metrics,
		snapshot: make(map[int64]map[int64]string),
		subs:     make(map[*oddsSubscriber]struct{}),
	}
}

// Run consumes the source until ctx ends. Any valid JSON payload is
// relayed verbatim; only payloads that parse as an OddsUpdate touch the
// snapshot. Non-JSON is logged and dropped.
func (r *OddsRelay) Run(ctx context.Context, source OddsSource) error {
	msgs, err := source.Messages(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-msgs:
			if !ok {
				return nil
			}
			if !json.Valid(raw) {
				r.metrics.ObserveOddsMessage("dropped")
				r.log.Warn("dropping non-JSON odds message")
				continue
			}
			var update OddsUpdate
			indexed := json.Unmarshal(raw, &update) == nil && update.validate() == nil
			r.apply(update, indexed, raw)
		}
	}
}

func (r *OddsRelay) apply(update OddsUpdate, indexed bool, raw []byte) {
	r.mu.Lock()
	if indexed {
		byOption := r.snapshot[update.BetID]
		if byOption == nil {
			byOption = make(map[int64]string)
			r.snapshot[update.BetID] = byOption
		}
		byOption[update.OptionID] = update.Odds
	}
	var stalled []*oddsSubscriber
	for sub := range r.subs {
		select {
		case sub.ch <- raw:
		default:
			stalled = append(stalled, sub)
		}
	}
	for _, sub := range stalled {
		delete(r.subs, sub)
		close(sub.ch)
	}
	r.mu.Unlock()

	r.metrics.ObserveOddsMessage("relayed")
	for range stalled {
		r.metrics.WSSubscriberGone()
		r.log.Warn("dropping stalled odds subscriber")
	}
}

// forget removes a bet from the snapshot, used when a bet leaves the
// tradable states.
func (r *OddsRelay) forget(betID int64) {
	r.mu.Lock()
	delete(r.snapshot, betID)
	r.mu.Unlock()
}

// Snapshot returns a copy of the latest odds per bet option.
func (r *OddsRelay) Snapshot() map[int64]map[int64]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]map[int64]string, len(r.snapshot))
	for bet, options := range r.snapshot {
		cp := make(map[int64]string, len(options))
		for opt, odds := range options {
			cp[opt] = odds
		}
		out[bet] = cp
	}
	return out
}

func (r *OddsRelay) subscribe() *oddsSubscriber {
	sub := &oddsSubscriber{ch: make(chan []byte, 32)}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()
	r.metrics.WSSubscriberConnected()
	return sub
}

func (r *OddsRelay) unsubscribe(sub *oddsSubscriber) {
	r.mu.Lock()
	_, present := r.subs[sub]
	if present {
		delete(r.subs, sub)
		close(sub.ch)
	}
	r.mu.Unlock()
	if present {
		r.metrics.WSSubscriberGone()
	}
}

var oddsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is token-authenticated; browser origin is not the gate.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// handleOddsWS upgrades the connection, sends the full snapshot first,
// then streams updates until either side goes away.
func (c *Core) handleOddsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := oddsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		c.Log.Warn("odds ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := c.Relay.subscribe()
	defer c.Relay.unsubscribe(sub)

	snapshot, err := json.Marshal(map[string]any{
		"type": "snapshot",
		"odds": c.Relay.Snapshot(),
	})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, snapshot); err != nil {
		return
	}

	// Reader only services control frames; clients do not send data.
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case raw, ok := <-sub.ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// publishOdds pushes an update onto the pub/sub channel so every instance
// relays it. Publish failures are logged, not fatal: the mutation that
// changed the odds has already committed.
func (c *Core) publishOdds(ctx context.Context, update OddsUpdate) {
	if c.Redis == nil {
		return
	}
	raw, err := json.Marshal(update)
	if err != nil {
		c.Log.Error("marshal odds update", "error", err)
		return
	}
	if err := c.Redis.Publish(ctx, c.Cfg.OddsChannel, raw).Err(); err != nil {
		c.Log.Error("publish odds update", "error", err)
	}
}
