// Package credential implements the key rotator: selection, usage
// accounting, and reactive disablement across a pool of provider
// credentials, backed by the coordination store.
package credential

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devco/imgrelay/pkg/store"
)

// Limits bounds a credential's request and token throughput.
type Limits struct {
	RequestsPerMinute int64 `yaml:"requests_per_minute"`
	RequestsPerDay    int64 `yaml:"requests_per_day"`
	TokensPerMinute   int64 `yaml:"tokens_per_minute"`
}

// Credential is a single provider API key and its configured limits.
type Credential struct {
	ID     string `yaml:"-"`
	APIKey string `yaml:"api_key"`
	Limits Limits `yaml:"limits"`
}

// LoadFile reads a YAML mapping of id -> {api_key, limits} from path.
func LoadFile(path string) ([]Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var raw map[string]Credential
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}

	creds := make([]Credential, 0, len(raw))
	for id, c := range raw {
		c.ID = id
		creds = append(creds, c)
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].ID < creds[j].ID })
	return creds, nil
}

// disabledDimension names which of a credential's limits tripped.
type disabledDimension string

const (
	dimRPM disabledDimension = "RPM"
	dimRPD disabledDimension = "RPD"
	dimTPM disabledDimension = "TPM"
)

// Status summarizes a credential's current standing, for the stats
// endpoint and for ops visibility — last-used is display-only, never fed
// back into selectCredential's scoring.
type Status struct {
	ID         string
	Disabled   bool
	LastUsedAt time.Time
}

// Rotator selects, tracks usage for, and reactively disables credentials.
// The in-memory failed set is advisory and reconciled against the store
// on every SelectCredential call; the store's failed:{id} key is
// authoritative across instances.
type Rotator struct {
	store       store.Store
	credentials []Credential
	rng         *rand.Rand

	mu         sync.Mutex
	failedSet  map[string]struct{}
	lastUsedAt map[string]time.Time
}

// NewRotator creates a Rotator over the given credential pool.
func NewRotator(s store.Store, credentials []Credential) *Rotator {
	return &Rotator{
		store:       s,
		credentials: credentials,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		failedSet:   make(map[string]struct{}),
		lastUsedAt:  make(map[string]time.Time),
	}
}

func keyRPM(id string, minute int64) string { return fmt.Sprintf("rpm:%s:%d", id, minute) }
func keyRPD(id string, day int64) string    { return fmt.Sprintf("rpd:%s:%d", id, day) }
func keyTPM(id string, minute int64) string { return fmt.Sprintf("tpm:%s:%d", id, minute) }
func keySuccess(id string) string           { return fmt.Sprintf("success:%s", id) }
func keyErrors(id string) string            { return fmt.Sprintf("errors:%s", id) }
func keyFailed(id string) string            { return fmt.Sprintf("failed:%s", id) }
func keyFailures(id string) string          { return fmt.Sprintf("failures:%s", id) }
func keyDisabledUntil(id string, dim disabledDimension) string {
	return fmt.Sprintf("disabled_until:%s:%s", id, dim)
}

func minuteBucket(t time.Time) int64 { return t.Unix() / 60 }
func dayBucket(t time.Time) int64    { return t.Unix() / 86400 }

// Selected is the credential and scoring context a successful
// SelectCredential returns; it is threaded back through recordUsage and
// markFailed.
type Selected struct {
	Credential Credential
	Score      float64
}

// SelectCredential picks a credential for the next provider call. It
// returns (nil, nil) when every candidate is disabled or failed — the
// caller should surface that as "no available credential" rather than an
// error, since it's an expected steady-state condition.
func (r *Rotator) SelectCredential(ctx context.Context) (*Selected, error) {
	r.reconcileFailedSet(ctx)

	now := time.Now()
	minute := minuteBucket(now)
	day := dayBucket(now)

	type candidate struct {
		cred  Credential
		score float64
	}

	var candidates []candidate

	r.mu.Lock()
	failed := make(map[string]struct{}, len(r.failedSet))
	for k := range r.failedSet {
		failed[k] = struct{}{}
	}
	r.mu.Unlock()

	for _, cred := range r.credentials {
		if _, ok := failed[cred.ID]; ok {
			continue
		}

		disabled, err := r.isDisabled(ctx, cred.ID)
		if err != nil {
			// Fail open: treat the store as unreachable, not the
			// credential as disabled.
			disabled = false
		}
		if disabled {
			continue
		}

		score, err := r.score(ctx, cred, minute, day)
		if err != nil {
			// Fail open on capacity computation errors too.
			score = 0.5
		}

		candidates = append(candidates, candidate{cred: cred, score: score})
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}

	weights := make([]float64, len(candidates))
	total := 0.0
	for i, c := range candidates {
		w := c.score + 0.1 + r.rng.Float64()*0.2 // U(0.1, 0.3)
		weights[i] = w
		total += w
	}

	pick := r.rng.Float64() * total
	idx := len(candidates) - 1
	cum := 0.0
	for i, w := range weights {
		cum += w
		if pick <= cum {
			idx = i
			break
		}
	}

	chosen := candidates[idx]
	return &Selected{Credential: chosen.cred, Score: chosen.score}, nil
}

// isDisabled checks whether any disabled_until dimension for id is still
// in the future. A credential disabled for both RPM and RPD stays skipped
// until both clear, since each dimension has its own TTL'd key.
func (r *Rotator) isDisabled(ctx context.Context, id string) (bool, error) {
	keys := []string{
		keyDisabledUntil(id, dimRPM),
		keyDisabledUntil(id, dimRPD),
		keyDisabledUntil(id, dimTPM),
	}
	vals, err := r.store.MGet(ctx, keys...)
	if err != nil {
		return false, err
	}
	now := time.Now().Unix()
	for _, v := range vals {
		if v == "" {
			continue
		}
		var until int64
		if _, err := fmt.Sscanf(v, "%d", &until); err == nil && until > now {
			return true, nil
		}
	}
	return false, nil
}

// score computes capacity·0.6 + perf·0.4, per the weighting in the
// selection algorithm.
func (r *Rotator) score(ctx context.Context, cred Credential, minute, day int64) (float64, error) {
	vals, err := r.store.MGet(ctx,
		keyRPM(cred.ID, minute), keyRPD(cred.ID, day), keyTPM(cred.ID, minute),
		keySuccess(cred.ID), keyErrors(cred.ID),
	)
	if err != nil {
		return 0, err
	}

	rpmUsed := parseCounter(vals[0])
	rpdUsed := parseCounter(vals[1])
	tpmUsed := parseCounter(vals[2])
	successes := parseCounter(vals[3])
	errorsCount := parseCounter(vals[4])

	rpmCap := capacity(rpmUsed, cred.Limits.RequestsPerMinute)
	rpdCap := capacity(rpdUsed, cred.Limits.RequestsPerDay)
	tpmCap := capacity(tpmUsed, cred.Limits.TokensPerMinute)

	capacityScore := 0.4*rpmCap + 0.2*rpdCap + 0.4*tpmCap

	total := successes + errorsCount
	var successRate float64
	if total > 0 {
		successRate = float64(successes) / float64(total)
	} else {
		successRate = 1.0
	}
	errorPenalty := float64(errorsCount) / float64(total+10)
	perf := successRate*0.7 - errorPenalty*0.3

	score := 0.6*capacityScore + 0.4*perf
	return clamp(score, 0, 1), nil
}

func capacity(used, limit int64) float64 {
	if limit <= 0 {
		return 1
	}
	c := float64(limit-used) / float64(limit)
	if c < 0 {
		return 0
	}
	return c
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func parseCounter(s string) int64 {
	if s == "" {
		return 0
	}
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}

// RecordUsage atomically increments request and (if tokensUsed > 0) token
// counters for sel, then checks whether any counter now exceeds its
// limit. If so it writes the corresponding disabled_until key and returns
// false. It also increments the success counter regardless, since this is
// only called after a successful provider call.
func (r *Rotator) RecordUsage(ctx context.Context, sel Selected, tokensUsed int64) (stillAvailable bool, err error) {
	id := sel.Credential.ID
	now := time.Now()
	minute := minuteBucket(now)
	day := dayBucket(now)

	rpm, err := r.store.Incr(ctx, keyRPM(id, minute), 60*time.Second)
	if err != nil {
		return true, err
	}
	rpd, err := r.store.Incr(ctx, keyRPD(id, day), 24*time.Hour)
	if err != nil {
		return true, err
	}

	var tpm int64
	if tokensUsed > 0 {
		tpm, err = r.incrTPMBy(ctx, keyTPM(id, minute), tokensUsed)
		if err != nil {
			return true, err
		}
	}

	if _, err := r.store.Incr(ctx, keySuccess(id), 24*time.Hour); err != nil {
		return true, err
	}

	r.mu.Lock()
	r.lastUsedAt[id] = now
	r.mu.Unlock()

	available := true

	if sel.Credential.Limits.RequestsPerMinute > 0 && rpm > sel.Credential.Limits.RequestsPerMinute {
		until := nextMinuteBoundary(now)
		if err := r.disableUntil(ctx, id, dimRPM, until); err != nil {
			return true, err
		}
		available = false
	}
	if sel.Credential.Limits.RequestsPerDay > 0 && rpd > sel.Credential.Limits.RequestsPerDay {
		until := nextDayBoundary(now)
		if err := r.disableUntil(ctx, id, dimRPD, until); err != nil {
			return true, err
		}
		available = false
	}
	if tokensUsed > 0 && sel.Credential.Limits.TokensPerMinute > 0 && tpm > sel.Credential.Limits.TokensPerMinute {
		until := nextMinuteBoundary(now)
		if err := r.disableUntil(ctx, id, dimTPM, until); err != nil {
			return true, err
		}
		available = false
	}

	return available, nil
}

// incrTPMBy increments the token counter by n using IncrBy, since tokens
// are added in batches rather than one at a time, then refreshes its TTL
// the first time it's created in this window.
func (r *Rotator) incrTPMBy(ctx context.Context, key string, n int64) (int64, error) {
	v, err := r.store.IncrBy(ctx, key, n)
	if err != nil {
		return 0, err
	}
	if v == n {
		if err := r.store.Expire(ctx, key, 60*time.Second); err != nil {
			return v, err
		}
	}
	return v, nil
}

func (r *Rotator) disableUntil(ctx context.Context, id string, dim disabledDimension, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		ttl = time.Second
	}
	return r.store.Set(ctx, keyDisabledUntil(id, dim), fmt.Sprintf("%d", until.Unix()), ttl)
}

func nextMinuteBoundary(t time.Time) time.Time {
	return t.Truncate(time.Minute).Add(time.Minute)
}

func nextDayBoundary(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// MarkFailed records a failed provider call against sel's credential with
// an exponential backoff window: base_duration · 3^(n-1), capped at 2h.
func (r *Rotator) MarkFailed(ctx context.Context, sel Selected, baseDuration time.Duration) error {
	id := sel.Credential.ID

	n, err := r.store.Incr(ctx, keyFailures(id), 24*time.Hour)
	if err != nil {
		return err
	}

	backoff := baseDuration * time.Duration(pow3(n-1))
	if backoff > 2*time.Hour {
		backoff = 2 * time.Hour
	}

	if err := r.store.Set(ctx, keyFailed(id), "1", backoff); err != nil {
		return err
	}

	r.mu.Lock()
	r.failedSet[id] = struct{}{}
	r.mu.Unlock()

	_, err = r.store.Incr(ctx, keyErrors(id), 24*time.Hour)
	return err
}

func pow3(n int64) int64 {
	if n < 0 {
		return 1
	}
	result := int64(1)
	for i := int64(0); i < n; i++ {
		result *= 3
	}
	return result
}

// reconcileFailedSet drops in-memory failed entries whose store-side
// failed:{id} key has expired, since the store TTL is authoritative.
func (r *Rotator) reconcileFailedSet(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.failedSet))
	for id := range r.failedSet {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		exists, err := r.store.Exists(ctx, keyFailed(id))
		if err != nil {
			// Fail open: leave it in the set rather than guessing.
			continue
		}
		if !exists {
			r.mu.Lock()
			delete(r.failedSet, id)
			r.mu.Unlock()
		}
	}
}

// Statuses returns a Status per configured credential, for the stats
// endpoint.
func (r *Rotator) Statuses(ctx context.Context) []Status {
	r.mu.Lock()
	lastUsed := make(map[string]time.Time, len(r.lastUsedAt))
	for k, v := range r.lastUsedAt {
		lastUsed[k] = v
	}
	failed := make(map[string]struct{}, len(r.failedSet))
	for k := range r.failedSet {
		failed[k] = struct{}{}
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(r.credentials))
	for _, cred := range r.credentials {
		disabled, err := r.isDisabled(ctx, cred.ID)
		if err != nil {
			disabled = false
		}
		_, isFailed := failed[cred.ID]
		out = append(out, Status{
			ID:         cred.ID,
			Disabled:   disabled || isFailed,
			LastUsedAt: lastUsed[cred.ID],
		})
	}
	return out
}

// Count returns the number of configured credentials.
func (r *Rotator) Count() int { return len(r.credentials) }

// NotDisabledForRPM counts configured credentials that are not currently
// RPM-disabled, feeding the cluster scaler's capacity computation
// (capacity = not-RPM-disabled count × max_workers_per_credential).
func (r *Rotator) NotDisabledForRPM(ctx context.Context) int {
	now := time.Now().Unix()
	count := 0
	for _, cred := range r.credentials {
		until, err := r.store.Get(ctx, keyDisabledUntil(cred.ID, dimRPM))
		if err != nil {
			// Fail open: store errors never starve capacity.
			count++
			continue
		}
		var untilTS int64
		fmt.Sscanf(until, "%d", &untilTS)
		if untilTS <= now {
			count++
		}
	}
	return count
}
