// Package session owns the tab-lifetime session identifier and its metadata.
// The Registry mints an identifier lazily on first access, persists it in a
// tab-scoped key-value store, and degrades to memory-only when that store is
// unavailable. Exactly one live identifier exists per Registry at any time.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oaklinehq/content-telemetry/internal/telemetry"
)

const sessionKey = "telemetry_session_id"

// Env reports the client environment used for metadata snapshots and the
// identifier fingerprint. Implementations are expected to be cheap; every
// Metadata call re-reads them rather than caching.
type Env interface {
	Referrer() string
	URL() string
	Platform() string
	Viewport() telemetry.Viewport
}

// StaticEnv is an Env with fixed values, used by tests and the load driver.
type StaticEnv struct {
	Ref      string
	Location string
	OS       string
	Size     telemetry.Viewport
}

func (e StaticEnv) Referrer() string             { return e.Ref }
func (e StaticEnv) URL() string                  { return e.Location }
func (e StaticEnv) Platform() string             { return e.OS }
func (e StaticEnv) Viewport() telemetry.Viewport { return e.Size }

// Registry owns the session identifier for one tab lifetime. Construct it
// once at application start and pass it to consumers; it is not a global.
type Registry struct {
	mu         sync.Mutex
	kv         KV
	env        Env
	logger     *slog.Logger
	id         string
	minted     bool // true when this process created the identifier
	memoryOnly bool // set after the first storage failure
	now        func() time.Time
}

// NewRegistry creates a Registry backed by the given store and environment.
func NewRegistry(kv KV, env Env) *Registry {
	if kv == nil {
		kv = NewMemoryKV()
	}
	return &Registry{
		kv:     kv,
		env:    env,
		logger: slog.Default().With("component", "session-registry"),
		now:    time.Now,
	}
}

// ID returns the current session identifier, creating one if absent.
// Repeated calls without an intervening Reset always return the same value.
// Storage failures never surface to the caller.
func (r *Registry) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureID()
}

// Reset discards the stored identifier; the next ID call mints a new one.
// Callers must reset dependent per-item tracking state afterwards, since the
// (item, session) dedupe key changes.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.id = ""
	r.minted = false
	if r.memoryOnly {
		return
	}
	if err := r.kv.Delete(sessionKey); err != nil {
		r.logger.Debug("session storage delete failed", "error", err)
		r.memoryOnly = true
	}
}

// IsNew reports whether the current identifier was minted by this process
// rather than restored from storage.
func (r *Registry) IsNew() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureID()
	return r.minted
}

// Duration returns the age of the current session in whole seconds, derived
// from the timestamp embedded in the identifier.
func (r *Registry) Duration() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	created := createdAt(r.ensureID())
	if created.IsZero() {
		return 0
	}
	return int64(r.now().Sub(created) / time.Second)
}

// Metadata returns a snapshot of the session and client environment taken at
// call time. Nothing is cached; each call re-reads the environment.
func (r *Registry) Metadata() telemetry.Session {
	r.mu.Lock()
	id := r.ensureID()
	r.mu.Unlock()

	return telemetry.Session{
		ID:        id,
		CreatedAt: createdAt(id),
		Referrer:  r.env.Referrer(),
		URL:       r.env.URL(),
		Platform:  r.env.Platform(),
		Viewport:  r.env.Viewport(),
	}
}

// ensureID returns the live identifier, minting and persisting one when
// absent. Callers must hold r.mu.
func (r *Registry) ensureID() string {
	if r.id != "" {
		return r.id
	}

	if !r.memoryOnly {
		if stored, ok, err := r.kv.Get(sessionKey); err != nil {
			r.logger.Debug("session storage read failed, continuing in memory", "error", err)
			r.memoryOnly = true
		} else if ok && stored != "" {
			r.id = stored
			return r.id
		}
	}

	r.id = r.mint()
	r.minted = true
	if !r.memoryOnly {
		if err := r.kv.Set(sessionKey, r.id); err != nil {
			r.logger.Debug("session storage write failed, continuing in memory", "error", err)
			r.memoryOnly = true
		}
	}
	return r.id
}

// mint builds an identifier from the current timestamp, a random component,
// and a coarse client fingerprint. No network round-trip is needed and the
// collision probability across concurrent tabs is negligible.
func (r *Registry) mint() string {
	var randPart [4]byte
	if _, err := rand.Read(randPart[:]); err != nil {
		// Fall back to the clock; uniqueness then rests on the fingerprint.
		copy(randPart[:], strconv.FormatInt(r.now().UnixNano(), 36))
	}
	return fmt.Sprintf("s-%d-%s-%s",
		r.now().UnixMilli(),
		hex.EncodeToString(randPart[:]),
		r.fingerprint(),
	)
}

// fingerprint hashes coarse environment attributes into a short tag.
func (r *Registry) fingerprint() string {
	vp := r.env.Viewport()
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%dx%d", r.env.Platform(), vp.Width, vp.Height)
	return fmt.Sprintf("%06x", h.Sum32()&0xffffff)
}

// createdAt extracts the creation time embedded in an identifier. It returns
// the zero time for identifiers that do not carry one.
func createdAt(id string) time.Time {
	parts := strings.SplitN(id, "-", 3)
	if len(parts) < 2 {
		return time.Time{}
	}
	millis, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}
