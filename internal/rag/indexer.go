package rag

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/db"
	"github.com/agenthive/agenthive/internal/events"
	"github.com/agenthive/agenthive/internal/events/bus"
)

// source is one document the indexer considers for (re)indexing.
type source struct {
	baseRef    string
	sourceType SourceType
	content    string
}

const maxIndexableBytes = 1 << 20

// codeExtensions lists the file types indexed as code.
var codeExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true,
	".jsx": true, ".rs": true, ".java": true, ".rb": true, ".sh": true,
	".sql": true, ".yaml": true, ".yml": true, ".toml": true, ".json": true,
}

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true,
	"target": true, "__pycache__": true,
}

// Indexer keeps the knowledge store in sync with the project tree and the
// server's own entities. Cycles run on a timer and on filesystem changes;
// changes coalesce into at most one pending cycle.
type Indexer struct {
	store    *Store
	chunker  *Chunker
	embedder Embedder
	pool     *db.Pool
	eventBus bus.EventBus
	log      *logger.Logger

	root     string
	interval time.Duration

	trigger   chan struct{}
	lastCycle atomic.Int64 // unix nanos of last completed cycle
}

// NewIndexer wires an indexer. root is the project tree to walk.
func NewIndexer(store *Store, chunker *Chunker, embedder Embedder, pool *db.Pool, eventBus bus.EventBus, root string, interval time.Duration) *Indexer {
	return &Indexer{
		store:    store,
		chunker:  chunker,
		embedder: embedder,
		pool:     pool,
		eventBus: eventBus,
		log:      logger.New("rag-indexer"),
		root:     root,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a cycle. If one is already pending the request folds
// into it.
func (ix *Indexer) Trigger() {
	select {
	case ix.trigger <- struct{}{}:
	default:
	}
}

// LastCycle returns when the last cycle completed, zero if none has.
func (ix *Indexer) LastCycle() time.Time {
	n := ix.lastCycle.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Run drives cycles until ctx is cancelled. The first cycle starts
// immediately so a fresh server has a populated index.
func (ix *Indexer) Run(ctx context.Context) {
	watcher := ix.startWatcher(ctx)
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()

	ix.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ix.runCycle(ctx)
		case <-ix.trigger:
			// Let a burst of filesystem events settle first.
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
			ix.runCycle(ctx)
		}
	}
}

func (ix *Indexer) startWatcher(ctx context.Context) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		ix.log.Warn("Filesystem watcher unavailable, relying on timer", zap.Error(err))
		return nil
	}

	// Watch every directory under root; fsnotify is not recursive.
	err = filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			_ = watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		ix.log.Warn("Watcher setup failed", zap.Error(err))
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !skipDirs[filepath.Base(ev.Name)] {
						_ = watcher.Add(ev.Name)
					}
				}
				if indexablePath(ev.Name) {
					ix.Trigger()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				ix.log.Warn("Watcher error", zap.Error(err))
			}
		}
	}()
	return watcher
}

func indexablePath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".md" || codeExtensions[ext]
}

func (ix *Indexer) runCycle(ctx context.Context) {
	start := time.Now()
	indexed, removed, chunkCount, partial := ix.cycle(ctx)
	elapsed := time.Since(start)
	ix.lastCycle.Store(time.Now().UnixNano())

	ix.log.Info("Index cycle finished",
		zap.Int("indexed", indexed),
		zap.Int("removed", removed),
		zap.Int("chunks", chunkCount),
		zap.Bool("partial", partial),
		zap.Duration("elapsed", elapsed))

	if ix.eventBus != nil {
		event := bus.NewEvent(events.RAGCycleCompleted, "indexer", map[string]interface{}{
			"indexed":     indexed,
			"removed":     removed,
			"chunks":      chunkCount,
			"partial":     partial,
			"duration_ms": elapsed.Milliseconds(),
		})
		if err := ix.eventBus.Publish(context.WithoutCancel(ctx), "rag.cycle.completed", event); err != nil {
			ix.log.Warn("Cycle event publish failed", zap.Error(err))
		}
	}
}

// cycle diffs every known source against the stored document hashes and
// reindexes what changed. A provider failure ends the cycle early but keeps
// everything indexed so far; the next cycle picks up the remainder.
func (ix *Indexer) cycle(ctx context.Context) (indexed, removed, chunkCount int, partial bool) {
	sources, err := ix.collectSources(ctx)
	if err != nil {
		ix.log.Error("Source collection failed", zap.Error(err))
		return 0, 0, 0, true
	}

	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		seen[src.baseRef] = true
		if ctx.Err() != nil {
			return indexed, removed, chunkCount, true
		}

		docHash := HashContent(src.content)
		stored, err := ix.store.DocHash(ctx, src.baseRef)
		if err != nil {
			ix.log.Warn("Hash lookup failed", zap.String("ref", src.baseRef), zap.Error(err))
			partial = true
			continue
		}
		if stored == docHash {
			continue
		}

		n, err := ix.indexSource(ctx, src, docHash)
		if err != nil {
			ix.log.Warn("Indexing failed, ending cycle early", zap.String("ref", src.baseRef), zap.Error(err))
			return indexed, removed, chunkCount, true
		}
		indexed++
		chunkCount += n
	}

	// Drop sources that no longer exist.
	known, err := ix.store.BaseRefs(ctx)
	if err != nil {
		ix.log.Warn("Ref listing failed", zap.Error(err))
		return indexed, removed, chunkCount, true
	}
	for _, ref := range known {
		if seen[ref] {
			continue
		}
		if err := ix.store.DeleteSource(ctx, ref); err != nil {
			ix.log.Warn("Source removal failed", zap.String("ref", ref), zap.Error(err))
			partial = true
			continue
		}
		removed++
	}
	return indexed, removed, chunkCount, partial
}

func (ix *Indexer) indexSource(ctx context.Context, src source, docHash string) (int, error) {
	chunks := ix.chunker.Split(src.sourceType, src.baseRef, src.content)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed %s: %w", src.baseRef, err)
	}
	if err := ix.store.ReplaceSource(ctx, src.baseRef, docHash, chunks, vectors); err != nil {
		return 0, fmt.Errorf("store %s: %w", src.baseRef, err)
	}
	return len(chunks), nil
}

// collectSources gathers project files plus the server's own entities
// (context entries, tasks, agent messages).
func (ix *Indexer) collectSources(ctx context.Context) ([]source, error) {
	var sources []source

	err := filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !indexablePath(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxIndexableBytes {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(ix.root, path)
		if err != nil {
			rel = path
		}
		st := SourceCode
		if strings.EqualFold(filepath.Ext(path), ".md") {
			st = SourceMarkdown
		}
		sources = append(sources, source{
			baseRef:    "file:" + filepath.ToSlash(rel),
			sourceType: st,
			content:    string(data),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk project root: %w", err)
	}

	derived, err := ix.collectDerived(ctx)
	if err != nil {
		return nil, err
	}
	return append(sources, derived...), nil
}

func (ix *Indexer) collectDerived(ctx context.Context) ([]source, error) {
	var sources []source
	reader := ix.pool.Reader()

	var entries []struct {
		Key         string `db:"context_key"`
		Value       string `db:"value"`
		Description string `db:"description"`
	}
	err := reader.SelectContext(ctx, &entries,
		`SELECT context_key, value, description FROM context_entries`)
	if err != nil {
		return nil, fmt.Errorf("read context entries: %w", err)
	}
	for _, e := range entries {
		sources = append(sources, source{
			baseRef:    "context:" + e.Key,
			sourceType: SourceContext,
			content:    fmt.Sprintf("%s\n%s\n%s", e.Key, e.Description, e.Value),
		})
	}

	var tasks []struct {
		ID          string `db:"task_id"`
		Title       string `db:"title"`
		Description string `db:"description"`
	}
	err = reader.SelectContext(ctx, &tasks,
		`SELECT task_id, title, description FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	for _, t := range tasks {
		sources = append(sources, source{
			baseRef:    "task:" + t.ID,
			sourceType: SourceTask,
			content:    t.Title + "\n" + t.Description,
		})
	}

	var messages []struct {
		ID      string `db:"message_id"`
		From    string `db:"from_agent"`
		Content string `db:"content"`
	}
	err = reader.SelectContext(ctx, &messages,
		`SELECT message_id, from_agent, content FROM agent_messages`)
	if err != nil {
		return nil, fmt.Errorf("read agent messages: %w", err)
	}
	for _, m := range messages {
		sources = append(sources, source{
			baseRef:    "message:" + m.ID,
			sourceType: SourceMessage,
			content:    m.From + ": " + m.Content,
		})
	}
	return sources, nil
}
