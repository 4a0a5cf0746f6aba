// Package retrieval answers knowledge-base queries for a live call. Results are cached per
// knowledge base and normalized query, concurrent misses share one upstream fetch, and a
// slow index never holds a turn past the configured timeout.
package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/harunnryd/callorch/pkg/errorsx"
	"github.com/harunnryd/callorch/pkg/logging"
	"github.com/harunnryd/callorch/pkg/metadata"
	"github.com/harunnryd/callorch/pkg/metrics"
)

// SummaryQuery fetches the document summary that seeds the system prompt.
const SummaryQuery = "Summarize the entire document for knowledge base"

var ErrDegraded = errors.New("retrieval: no fresh context within timeout")

var pagePattern = regexp.MustCompile(`(?i)(?:page|pg)(?:\s+(?:no|number|num))?\s*(\d+)`)

// Chunk is one ranked passage from the index.
type Chunk struct {
	Text   string
	Page   int
	Source string
	Score  float64
}

// Source runs a ranked query against one knowledge base.
type Source interface {
	Query(ctx context.Context, ref metadata.KnowledgeRef, query string, k int) ([]Chunk, error)
}

type Config struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// FetchTimeout bounds the upstream call itself, which may outlive the caller's wait
	// so that the cache still fills.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	DefaultK     int           `mapstructure:"default_k"`
	PageK        int           `mapstructure:"page_k"`
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 800 * time.Millisecond
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.DefaultK <= 0 {
		c.DefaultK = 5
	}
	if c.PageK <= 0 {
		c.PageK = 20
	}
	return c
}

type entry struct {
	chunks  []Chunk
	expires time.Time
}

type Retriever struct {
	source   Source
	cfg      Config
	observer metrics.Observer
	logger   *slog.Logger
	now      func() time.Time

	cache    sync.Map // cacheKey -> *entry
	versions sync.Map // kb -> time.Time
	gens     sync.Map // kb -> *atomic.Uint64, bumped by Invalidate
	group    singleflight.Group
	inserts  atomic.Int64
}

func New(source Source, cfg Config, observer metrics.Observer, logger *slog.Logger) *Retriever {
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Retriever{
		source:   source,
		cfg:      cfg.withDefaults(),
		observer: observer,
		logger:   logging.NewComponentLogger(logger, "retrieval"),
		now:      time.Now,
	}
}

// Retrieve returns up to k chunks for query, ranked by the index. k <= 0 uses the default.
// When the index does not answer within the timeout it returns ErrDegraded, together with
// any expired cache entry for the same query.
func (r *Retriever) Retrieve(ctx context.Context, ref metadata.KnowledgeRef, query string, k int) ([]Chunk, error) {
	if ref.Empty() || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = r.cfg.DefaultK
	}
	want := k
	page, hasPage := pageOf(query)
	if hasPage && k < r.cfg.PageK {
		k = r.cfg.PageK
	}
	shape := func(chunks []Chunk) []Chunk {
		out := filterPage(clone(chunks), page, hasPage)
		if len(out) > want {
			out = out[:want]
		}
		return out
	}
	key := cacheKey(ref, query, k)
	tags := map[string]string{"kb": ref.String()}
	start := r.now()

	var stale []Chunk
	if v, ok := r.cache.Load(key); ok {
		e := v.(*entry)
		if r.now().Before(e.expires) {
			r.observer.RecordEvent(metrics.NewEvent(metrics.EventRetrievalCache, 1, withTag(tags, "result", "hit")))
			return shape(e.chunks), nil
		}
		stale = e.chunks
	}
	r.observer.RecordEvent(metrics.NewEvent(metrics.EventRetrievalCache, 1, withTag(tags, "result", "miss")))

	// a fetch that started before an invalidation neither fills the cache nor serves
	// callers that arrive after it
	gen := r.generation(ref)
	started := gen.Load()
	ch := r.group.DoChan(key+"\x00"+strconv.FormatUint(started, 10), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), r.cfg.FetchTimeout)
		defer cancel()
		chunks, err := r.source.Query(fetchCtx, ref, query, k)
		if err != nil {
			return nil, err
		}
		if gen.Load() == started {
			r.store(key, chunks)
			if gen.Load() != started {
				r.cache.Delete(key)
			}
		}
		return chunks, nil
	})

	wait, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	select {
	case res := <-ch:
		r.observer.RecordEvent(metrics.NewEvent(metrics.EventRetrieval, metrics.Since(start), withTag(tags, "outcome", outcome(res.Err))))
		if res.Err != nil {
			r.logger.Warn("retrieval_failed",
				slog.String("kb", ref.String()),
				slog.String("error", res.Err.Error()))
			return shape(stale), errorsx.Wrap(res.Err, errorsx.ReasonRetrievalDegraded)
		}
		return shape(res.Val.([]Chunk)), nil
	case <-wait.Done():
		r.observer.RecordEvent(metrics.NewEvent(metrics.EventRetrieval, metrics.Since(start), withTag(tags, "outcome", "timeout")))
		r.logger.Warn("retrieval_timeout",
			slog.String("kb", ref.String()),
			slog.Duration("timeout", r.cfg.Timeout))
		return shape(stale), errorsx.Wrap(ErrDegraded, errorsx.ReasonRetrievalDegraded)
	}
}

// Summary returns the knowledge base summary chunk text, or "" when unavailable.
func (r *Retriever) Summary(ctx context.Context, ref metadata.KnowledgeRef) (string, error) {
	chunks, err := r.Retrieve(ctx, ref, SummaryQuery, 1)
	if len(chunks) == 0 {
		return "", err
	}
	return chunks[0].Text, err
}

// Invalidate drops every cached query for the knowledge base, including results of
// fetches still in flight.
func (r *Retriever) Invalidate(ref metadata.KnowledgeRef) {
	r.generation(ref).Add(1)
	prefix := ref.String() + "\x00"
	n := 0
	r.cache.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			r.cache.Delete(k)
			n++
		}
		return true
	})
	if n > 0 {
		r.logger.Info("retrieval_cache_invalidated", slog.String("kb", ref.String()), slog.Int("entries", n))
	}
}

// ObserveConfig invalidates the knowledge base when its config was updated since the
// last session that used it.
func (r *Retriever) ObserveConfig(ref metadata.KnowledgeRef, updatedAt time.Time) {
	if ref.Empty() || updatedAt.IsZero() {
		return
	}
	prev, loaded := r.versions.Swap(ref.String(), updatedAt)
	if loaded && !prev.(time.Time).Equal(updatedAt) {
		r.Invalidate(ref)
	}
}

func (r *Retriever) generation(ref metadata.KnowledgeRef) *atomic.Uint64 {
	v, _ := r.gens.LoadOrStore(ref.String(), new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func (r *Retriever) store(key string, chunks []Chunk) {
	r.cache.Store(key, &entry{chunks: clone(chunks), expires: r.now().Add(r.cfg.CacheTTL)})
	if r.inserts.Add(1)%256 == 0 {
		r.sweep()
	}
}

// sweep drops entries that expired more than one TTL ago; younger ones still serve as
// the degraded answer.
func (r *Retriever) sweep() {
	cutoff := r.now().Add(-r.cfg.CacheTTL)
	r.cache.Range(func(k, v any) bool {
		if v.(*entry).expires.Before(cutoff) {
			r.cache.Delete(k)
		}
		return true
	})
}

func cacheKey(ref metadata.KnowledgeRef, query string, k int) string {
	return ref.String() + "\x00" + strconv.Itoa(k) + "\x00" + normalize(query)
}

// normalize lowercases and collapses whitespace so trivially different phrasings share
// a cache entry.
func normalize(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

func pageOf(query string) (int, bool) {
	m := pagePattern.FindStringSubmatch(query)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func filterPage(chunks []Chunk, page int, enabled bool) []Chunk {
	if !enabled {
		return chunks
	}
	out := chunks[:0]
	for _, c := range chunks {
		if c.Page == page {
			out = append(out, c)
		}
	}
	return out
}

func clone(in []Chunk) []Chunk {
	if len(in) == 0 {
		return nil
	}
	return append([]Chunk(nil), in...)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func withTag(tags map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for key, val := range tags {
		out[key] = val
	}
	out[k] = v
	return out
}
