/*
Package ledger is the distributed state coordination layer for API-key
credit balances and rate-limit counters. Every gateway process runs one
Ledger; all of them share a remote key/value-and-pub/sub store as the
single source of truth.

Reads are served from a process-local mirror at zero network latency.
Writes go through the mirror and the remote store, and fan out to the
other processes over a shared notification channel. Credit deductions
and rate checks run as server-side scripts so two processes can never
double-spend a balance or double-count a window against stale reads.

When the store is unreachable the layer degrades instead of failing:
rate checks fail open, credit operations fall back to mirror-local
arithmetic, and the periodic refresh reconciles everything once
connectivity returns.
*/
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PylonLabs/pylon/models"
	"github.com/PylonLabs/pylon/redis"
	"github.com/PylonLabs/pylon/resp"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

const (
	DefaultChannel    = "pylon:sync"
	DefaultKeyPrefix  = "pylon:key:"
	DefaultRatePrefix = "pylon:rl:"

	defaultRefreshInterval = 30 * time.Second
	publishTimeout         = 3 * time.Second
)

type Config struct {
	// StoreURL is the remote store connection URL:
	// redis://[:password@]host[:port][/namespace]
	StoreURL string

	Channel    string // sync event channel
	KeyPrefix  string // key record hash prefix
	RatePrefix string // rate window set prefix

	RefreshInterval time.Duration
	DialTimeout     time.Duration
	CommandTimeout  time.Duration
}

func (cfg *Config) fill() {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.RatePrefix == "" {
		cfg.RatePrefix = DefaultRatePrefix
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
}

// Ledger owns the two store connections, the key mirror, and the
// background sync machinery. Safe for concurrent use.
type Ledger struct {
	cfg    Config
	logger *slog.Logger
	conn   *redis.Conn
	sub    *redis.SubConn

	// origin is this process's unique id, stamped on every published
	// sync event so the echo from the store can be recognized and
	// dropped.
	origin string

	mu      sync.RWMutex
	mirrors map[string]*models.KeyRecord

	// denyMemo caches over-limit rate decisions for the remainder of
	// their window so a saturated key stops costing a round trip per
	// call.
	denyMemo *ttlcache.Cache[string, models.RateDecision]

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds the ledger and brings it online. The store being
// unreachable is not fatal: connection, subscription, and the initial
// refresh are best-effort, and the layer starts in degraded mode until
// the store comes back.
func New(ctx context.Context, logger *slog.Logger, cfg Config) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.fill()

	opts, err := redis.ParseURL(cfg.StoreURL)
	if err != nil {
		return nil, err
	}
	connCfg := redis.Config{
		Options:        opts,
		Logger:         logger,
		DialTimeout:    cfg.DialTimeout,
		CommandTimeout: cfg.CommandTimeout,
	}

	l := &Ledger{
		cfg:     cfg,
		logger:  logger.WithGroup("ledger"),
		conn:    redis.NewConn(connCfg),
		sub:     redis.NewSubConn(connCfg),
		origin:  uuid.NewString(),
		mirrors: make(map[string]*models.KeyRecord),
		// Reads must not extend a denial's lifetime: the memo entry
		// expires exactly when the window's retry time is up, however
		// often a saturated caller polls.
		denyMemo: ttlcache.New[string, models.RateDecision](
			ttlcache.WithDisableTouchOnHit[string, models.RateDecision](),
		),
		done: make(chan struct{}),
	}

	if err := l.conn.Connect(ctx); err != nil {
		l.logger.Warn("store unreachable at startup, running degraded", "error", err)
	}
	if err := l.sub.Subscribe(ctx, cfg.Channel, l.handleSync); err != nil {
		l.logger.Warn("sync channel subscription failed, push updates disabled", "error", err)
	}
	if err := l.refresh(ctx); err != nil {
		l.logger.Warn("initial mirror refresh failed", "error", err)
	}

	l.wg.Add(1)
	go l.refreshLoop()
	go l.denyMemo.Start()

	l.logger.Info("ledger online",
		"origin", l.origin,
		"channel", cfg.Channel,
		"refresh_interval", cfg.RefreshInterval)
	return l, nil
}

// Origin returns this process's unique sync identity.
func (l *Ledger) Origin() string { return l.origin }

func (l *Ledger) keyName(id string) string { return l.cfg.KeyPrefix + id }

func (l *Ledger) rateName(id, tool string) string {
	return fmt.Sprintf("%s%s:%s", l.cfg.RatePrefix, id, tool)
}

// memoName scopes a cached denial to the exact policy that produced
// it; a different limit or window for the same key/tool must never be
// served another policy's denial.
func memoName(id, tool string, limit int64, window time.Duration) string {
	return fmt.Sprintf("%s|%s|%d|%d", id, tool, limit, window.Milliseconds())
}

// --- Key state: mirror reads and write-through mutation ---

// GetKey returns the mirrored record for keyID, fetching it from the
// store on first read. Mirror hits never touch the network.
func (l *Ledger) GetKey(ctx context.Context, keyID string) (*models.KeyRecord, error) {
	l.mu.RLock()
	rec, ok := l.mirrors[keyID]
	if ok {
		out := rec.Clone()
		l.mu.RUnlock()
		return out, nil
	}
	l.mu.RUnlock()

	rec, err := l.fetchKey(ctx, keyID)
	if err != nil {
		var nf *ErrKeyNotFound
		if errors.As(err, &nf) {
			return nil, err
		}
		// Store unreachable and no mirror: the key is unknown here.
		l.logger.Warn("key fetch failed with no mirror", "key", keyID, "error", err)
		return nil, &ErrKeyNotFound{Key: keyID}
	}

	l.mu.Lock()
	l.mirrors[keyID] = rec
	out := rec.Clone()
	l.mu.Unlock()
	return out, nil
}

// ListKeys returns a snapshot of every mirrored record, ordered by id.
func (l *Ledger) ListKeys() []*models.KeyRecord {
	l.mu.RLock()
	out := make([]*models.KeyRecord, 0, len(l.mirrors))
	for _, rec := range l.mirrors {
		out = append(out, rec.Clone())
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PutKey writes a record through: the mirror first (local reads are
// current immediately), then the store, then the sync channel. The
// local mutation has already succeeded by the time propagation runs,
// so propagation failures are logged, never surfaced.
func (l *Ledger) PutKey(ctx context.Context, record *models.KeyRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("ledger: record must have an id")
	}
	rec := record.Clone()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	l.mu.Lock()
	l.mirrors[rec.ID] = rec.Clone()
	l.mu.Unlock()

	l.writeThrough(ctx, rec)
	l.publish(ctx, &models.SyncEvent{
		Key:    rec.ID,
		Kind:   models.SyncPut,
		Record: rec,
	})
	return nil
}

// RevokeKey removes a key everywhere: mirror, store, and the other
// processes via the sync channel. Idempotent.
func (l *Ledger) RevokeKey(ctx context.Context, keyID string) error {
	if keyID == "" {
		return fmt.Errorf("ledger: key id cannot be empty")
	}
	l.mu.Lock()
	delete(l.mirrors, keyID)
	l.mu.Unlock()

	if _, err := l.conn.Do(ctx, "DEL", l.keyName(keyID)); err != nil {
		l.logger.Warn("revoke propagation failed", "key", keyID, "error", err)
	}
	l.publish(ctx, &models.SyncEvent{Key: keyID, Kind: models.SyncRevoke})
	return nil
}

func (l *Ledger) writeThrough(ctx context.Context, rec *models.KeyRecord) {
	fields, err := recordToFields(rec)
	if err != nil {
		l.logger.Error("record not representable as hash fields", "key", rec.ID, "error", err)
		return
	}
	args := append([]string{l.keyName(rec.ID)}, fields...)
	if _, err := l.conn.Do(ctx, "HSET", args...); err != nil {
		l.logger.Warn("write-through failed, refresh will reconcile", "key", rec.ID, "error", err)
	}
}

// fetchKey reads one record from the store.
func (l *Ledger) fetchKey(ctx context.Context, keyID string) (*models.KeyRecord, error) {
	reply, err := l.conn.Do(ctx, "HGETALL", l.keyName(keyID))
	if err != nil {
		return nil, err
	}
	fields, err := hashReplyToMap(reply)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, &ErrKeyNotFound{Key: keyID}
	}
	return recordFromHash(keyID, fields)
}

// --- Credit operations ---

// CheckAndDeduct atomically verifies the balance covers amount and
// deducts it, in one script round trip. Exactly one of two concurrent
// callers racing the last credits wins; the other gets
// ErrInsufficientCredit. With the store unreachable it falls back to
// mirror-local arithmetic, reconciled by the next refresh.
//
// The returned record reflects the post-deduction state.
func (l *Ledger) CheckAndDeduct(ctx context.Context, keyID string, amount int64) (*models.KeyRecord, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("ledger: deduct amount must be positive, got %d", amount)
	}
	if err := l.checkDisabled(keyID); err != nil {
		return nil, err
	}

	res, err := l.evalCreditAdjust(ctx, keyID, amount, 1)
	switch {
	case err == nil && res.applied:
		rec := l.applyCounters(keyID, res)
		l.publishAsync(&models.SyncEvent{
			Key:          keyID,
			Kind:         models.SyncDelta,
			BalanceDelta: -amount,
			SpentDelta:   amount,
			CallsDelta:   1,
		})
		return rec, nil
	case err == nil:
		l.setMirrorBalance(keyID, res.balance)
		return nil, &ErrInsufficientCredit{Key: keyID, Balance: res.balance, Requested: amount}
	}

	var nf *ErrKeyNotFound
	if errors.As(err, &nf) {
		return nil, err
	}
	if !redis.IsUnavailable(err) {
		// The store answered and refused; that is the caller's
		// problem, not a degraded-mode situation.
		return nil, err
	}

	// Store unreachable: the deduction proceeds against the mirror
	// alone. The periodic refresh reconciles once the store is back.
	l.logger.Warn("store unreachable, applying local-only deduction", "key", keyID, "amount", amount, "error", err)
	return l.localAdjust(keyID, amount, 1)
}

// Grant adds amount credits to a key, the negative direction of the
// same atomic script.
func (l *Ledger) Grant(ctx context.Context, keyID string, amount int64) (*models.KeyRecord, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("ledger: grant amount must be positive, got %d", amount)
	}

	res, err := l.evalCreditAdjust(ctx, keyID, -amount, 0)
	if err == nil {
		rec := l.applyCounters(keyID, res)
		l.publishAsync(&models.SyncEvent{
			Key:          keyID,
			Kind:         models.SyncDelta,
			BalanceDelta: amount,
		})
		return rec, nil
	}

	var nf *ErrKeyNotFound
	if errors.As(err, &nf) {
		return nil, err
	}
	if !redis.IsUnavailable(err) {
		return nil, err
	}

	l.logger.Warn("store unreachable, applying local-only grant", "key", keyID, "amount", amount, "error", err)
	return l.localAdjust(keyID, -amount, 0)
}

func (l *Ledger) checkDisabled(keyID string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if rec, ok := l.mirrors[keyID]; ok && rec.Disabled {
		return &ErrKeyDisabled{Key: keyID}
	}
	return nil
}

// applyCounters overwrites the mirror's counters with the script's
// post-operation values; they are fresher than anything local.
func (l *Ledger) applyCounters(keyID string, res creditResult) *models.KeyRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.mirrors[keyID]
	if !ok {
		// First contact with this key on this process; the refresh or
		// a put event will fill in name and metadata.
		rec = &models.KeyRecord{ID: keyID}
		l.mirrors[keyID] = rec
	}
	rec.Balance = res.balance
	rec.Spent = res.spent
	rec.Calls = res.calls
	return rec.Clone()
}

func (l *Ledger) setMirrorBalance(keyID string, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.mirrors[keyID]; ok {
		rec.Balance = balance
	}
}

// localAdjust is the degraded-mode credit path: mirror arithmetic with
// the same insufficient-balance contract as the script. amount follows
// script convention (positive deducts).
func (l *Ledger) localAdjust(keyID string, amount, callsDelta int64) (*models.KeyRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.mirrors[keyID]
	if !ok {
		return nil, &ErrKeyNotFound{Key: keyID}
	}
	if amount > 0 && rec.Balance < amount {
		return nil, &ErrInsufficientCredit{Key: keyID, Balance: rec.Balance, Requested: amount}
	}
	rec.Balance -= amount
	if amount > 0 {
		rec.Spent += amount
	}
	rec.Calls += callsDelta
	return rec.Clone(), nil
}

// --- Rate limiting ---

// RateCheck runs one sliding-window check for keyID/tool: at most
// limit calls per window, enforced across every process sharing the
// store. The store being unreachable fails open: a network blip must
// never block traffic.
func (l *Ledger) RateCheck(ctx context.Context, keyID, tool string, limit int64, window time.Duration) (models.RateDecision, error) {
	if limit <= 0 || window <= 0 {
		return models.RateDecision{}, fmt.Errorf("ledger: rate check needs positive limit and window")
	}

	memoKey := memoName(keyID, tool, limit, window)
	if item := l.denyMemo.Get(memoKey); item != nil {
		return item.Value(), nil
	}

	res, err := l.evalRateWindow(ctx, keyID, tool, limit, window)
	if err != nil {
		l.logger.Warn("rate check failed open", "key", keyID, "tool", tool, "error", err)
		return models.RateDecision{Allowed: true, Limit: limit, FailedOpen: true}, nil
	}

	decision := models.RateDecision{
		Allowed:    res.allowed,
		Count:      res.count,
		Limit:      limit,
		RetryAfter: res.retry,
	}
	if !res.allowed && res.retry > 0 {
		l.denyMemo.Set(memoKey, decision, res.retry)
	}
	return decision, nil
}

// --- Sync: push events and the periodic consistency floor ---

// handleSync applies one incremental update pushed by another process.
// Runs on the subscription connection's read loop.
func (l *Ledger) handleSync(channel string, payload []byte) {
	var ev models.SyncEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		l.logger.Warn("undecodable sync event", "channel", channel, "error", err)
		return
	}
	if ev.Origin == l.origin {
		// Our own write echoed back by the store.
		l.logger.Debug("suppressed self-echoed sync event", "event_id", ev.ID)
		return
	}

	switch ev.Kind {
	case models.SyncPut:
		if ev.Record == nil {
			l.logger.Warn("put event without inline record", "key", ev.Key)
			return
		}
		rec := ev.Record.Clone()
		if rec.ID == "" {
			rec.ID = ev.Key
		}
		l.mu.Lock()
		l.mirrors[rec.ID] = rec
		l.mu.Unlock()
	case models.SyncDelta:
		l.mu.Lock()
		rec, ok := l.mirrors[ev.Key]
		if ok {
			rec.Balance += ev.BalanceDelta
			rec.Spent += ev.SpentDelta
			rec.Calls += ev.CallsDelta
		}
		l.mu.Unlock()
		if !ok {
			// No base record to apply deltas against; pull the full
			// state instead of guessing.
			go l.fetchIntoMirror(ev.Key)
		}
	case models.SyncRevoke:
		l.mu.Lock()
		delete(l.mirrors, ev.Key)
		l.mu.Unlock()
	default:
		l.logger.Warn("sync event with unknown kind", "kind", ev.Kind, "key", ev.Key)
	}
}

func (l *Ledger) fetchIntoMirror(keyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	rec, err := l.fetchKey(ctx, keyID)
	if err != nil {
		l.logger.Debug("deferred key fetch failed", "key", keyID, "error", err)
		return
	}
	l.mu.Lock()
	l.mirrors[keyID] = rec
	l.mu.Unlock()
}

// publish stamps and emits one sync event. Non-fatal by contract: the
// local mutation it describes has already succeeded.
func (l *Ledger) publish(ctx context.Context, ev *models.SyncEvent) {
	ev.ID = uuid.NewString()
	ev.Origin = l.origin
	ev.EmittedAt = time.Now().UTC()

	payload, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error("unmarshalable sync event", "key", ev.Key, "kind", ev.Kind, "error", err)
		return
	}
	if _, err := l.conn.Do(ctx, "PUBLISH", l.cfg.Channel, string(payload)); err != nil {
		l.logger.Warn("sync event publish failed", "key", ev.Key, "kind", ev.Kind, "error", err)
	}
}

// publishAsync fires the event off the caller's latency path; the hot
// deduction path should not wait on fan-out.
func (l *Ledger) publishAsync(ev *models.SyncEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		l.publish(ctx, ev)
	}()
}

func (l *Ledger) refreshLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.RefreshInterval)
			l.ensureSubscribed(ctx)
			err := l.refresh(ctx)
			cancel()
			if err != nil {
				if errors.Is(err, redis.ErrClosed) {
					return
				}
				l.logger.Warn("mirror refresh failed", "error", err)
			}
		}
	}
}

// ensureSubscribed re-attaches the sync handler after a dropped
// notification socket. Without it a single socket failure would leave
// the process without push delivery for its whole remaining lifetime,
// with only the refresh floor for consistency.
func (l *Ledger) ensureSubscribed(ctx context.Context) {
	if l.sub.Connected() {
		return
	}
	if err := l.sub.Subscribe(ctx, l.cfg.Channel, l.handleSync); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return
		}
		l.logger.Warn("sync channel resubscribe failed", "error", err)
		return
	}
	l.logger.Info("sync channel resubscribed", "channel", l.cfg.Channel)
}

// refresh re-reads every key record from the store and overwrites the
// mirror map wholesale. This is the consistency floor: even if every
// push notification is lost, mirrors converge within one interval.
func (l *Ledger) refresh(ctx context.Context) error {
	names, err := l.scanKeys(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]*models.KeyRecord, len(names))
	for _, name := range names {
		id := strings.TrimPrefix(name, l.cfg.KeyPrefix)
		rec, err := l.fetchKey(ctx, id)
		if err != nil {
			var nf *ErrKeyNotFound
			if errors.As(err, &nf) {
				// Deleted between scan and fetch.
				continue
			}
			return err
		}
		fresh[id] = rec
	}

	l.mu.Lock()
	l.mirrors = fresh
	l.mu.Unlock()
	l.logger.Debug("mirror refreshed", "keys", len(fresh))
	return nil
}

func (l *Ledger) scanKeys(ctx context.Context) ([]string, error) {
	var out []string
	cursor := "0"
	for {
		reply, err := l.conn.Do(ctx, "SCAN", cursor, "MATCH", l.cfg.KeyPrefix+"*", "COUNT", "512")
		if err != nil {
			return nil, err
		}
		if reply.Kind != resp.KindArray || len(reply.Array) != 2 {
			return nil, fmt.Errorf("ledger: malformed scan reply: %#v", reply)
		}
		cursor = reply.Array[0].Text()
		for _, e := range reply.Array[1].Array {
			out = append(out, e.Text())
		}
		if cursor == "0" {
			return out, nil
		}
	}
}

// Close shuts the ledger down: pending commands are rejected and both
// sockets closed first so nothing can issue new remote work, then the
// background tasks are reaped.
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() {
		l.conn.Close()
		l.sub.Close()
		close(l.done)
		l.wg.Wait()
		l.denyMemo.Stop()
		l.logger.Info("ledger closed", "origin", l.origin)
	})
	return nil
}
