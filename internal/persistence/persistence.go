// Package persistence implements the file-based record store of spec.md
// §4.5: one file per record_id under a kind-specific directory, atomic
// writes (write-temp-then-rename), a single serialized worker draining
// (op, reply) pairs, and a write-through cache keyed by record_id. The file
// layout is the only API external synchronisers see — the store tolerates
// files appearing, updating, or vanishing between operations.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pulsemesh/pulsemesh/internal/models"
	"github.com/pulsemesh/pulsemesh/internal/perr"
	"github.com/pulsemesh/pulsemesh/internal/ports"
	"github.com/pulsemesh/pulsemesh/internal/presence"
)

const defaultRetrieveLimit = 10

// Query selects records for Retrieve: any combination of record_id, kind,
// tags, and a result limit, per spec.md §4.5.
type Query struct {
	RecordID string
	Kind     models.RecordKind
	Tags     []string
	Limit    int
}

// Store is the persistence layer: all operations are serialised through a
// single worker goroutine, matching spec.md §5's "persistence operations
// submitted by a single caller ARE ordered: the worker drains its queue
// FIFO."
type Store struct {
	basePath string
	nodeID   string
	nodeName string
	signer   ports.Signer
	consent  ports.Consent
	cache    *presence.Cache[models.Record]
	mirror   *MinioMirror
	onMirrorError func(error)

	ops chan opRequest

	closeOnce chan struct{}
}

type opRequest struct {
	run   func() (any, error)
	reply chan opReply
}

type opReply struct {
	value any
	err   error
}

// Config configures a Store.
type Config struct {
	BasePath string
	NodeID   string
	NodeName string
}

// New creates a Store rooted at cfg.BasePath and starts its worker. signer
// and consent may be nil. cache backs the write-through record cache (see
// internal/presence); a nil cache disables caching and every retrieve reads
// from disk.
func New(cfg Config, signer ports.Signer, consent ports.Consent, cache *presence.Cache[models.Record]) (*Store, error) {
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating persistence base path %q: %w", cfg.BasePath, err)
	}
	s := &Store{
		basePath:  cfg.BasePath,
		nodeID:    cfg.NodeID,
		nodeName:  cfg.NodeName,
		signer:    signer,
		consent:   consent,
		cache:     cache,
		ops:       make(chan opRequest, 64),
		closeOnce: make(chan struct{}),
	}
	go s.worker()
	return s, nil
}

// Close drains the worker's queue and stops it. Safe to call once.
func (s *Store) Close() {
	select {
	case <-s.closeOnce:
		return
	default:
		close(s.closeOnce)
	}
}

func (s *Store) worker() {
	for {
		select {
		case <-s.closeOnce:
			for {
				select {
				case req := <-s.ops:
					v, err := req.run()
					req.reply <- opReply{value: v, err: err}
				default:
					return
				}
			}
		case req := <-s.ops:
			v, err := req.run()
			req.reply <- opReply{value: v, err: err}
		}
	}
}

func (s *Store) submit(ctx context.Context, run func() (any, error)) (any, error) {
	reply := make(chan opReply, 1)
	select {
	case s.ops <- opRequest{run: run, reply: reply}:
	case <-s.closeOnce:
		return nil, perr.New(perr.KindShutdown, "persistence.submit", "store is closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WithMirror attaches a best-effort off-box mirror: every successful Store
// or Update is also uploaded, and every Delete removes the mirrored copy.
// Mirror failures never fail the local operation; they are reported through
// onError if set.
func (s *Store) WithMirror(mirror *MinioMirror, onError func(error)) {
	s.mirror = mirror
	s.onMirrorError = onError
}

func (s *Store) mirrorPut(ctx context.Context, record models.Record) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Put(ctx, record); err != nil && s.onMirrorError != nil {
		s.onMirrorError(err)
	}
}

func (s *Store) mirrorDelete(ctx context.Context, kind models.RecordKind, recordID string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Delete(ctx, kind, recordID); err != nil && s.onMirrorError != nil {
		s.onMirrorError(err)
	}
}

func (s *Store) kindDir(kind models.RecordKind) string {
	return filepath.Join(s.basePath, string(kind))
}

func (s *Store) recordPath(kind models.RecordKind, recordID string) string {
	return filepath.Join(s.kindDir(kind), recordID+".json")
}

// atomicWrite writes data to path by writing a temp file in the same
// directory and renaming over the target, so readers never observe a
// partial write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %q: %w", dir, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file into place: %w", err)
	}
	return nil
}

// Store writes record atomically to base/<kind>/<record_id>.json. If
// record_id is empty, a new one is generated. author_* fields are filled
// from node identity if absent. signature and consent_level are computed
// via the ports when configured.
func (s *Store) Store(ctx context.Context, record models.Record) (models.Record, error) {
	v, err := s.submit(ctx, func() (any, error) {
		return s.storeLocked(ctx, record)
	})
	if err != nil {
		return models.Record{}, err
	}
	return v.(models.Record), nil
}

func (s *Store) storeLocked(ctx context.Context, record models.Record) (models.Record, error) {
	if record.Kind == "" {
		return models.Record{}, perr.New(perr.KindMalformed, "persistence.Store", "record kind must not be empty")
	}
	if record.RecordID == "" {
		record.RecordID = models.NewID()
	}
	if record.AuthorNodeID == "" {
		record.AuthorNodeID = s.nodeID
	}
	if record.AuthorName == "" {
		record.AuthorName = s.nodeName
	}

	now := time.Now()
	record.CreatedAt = now
	record.ModifiedAt = now

	if err := s.attachPorts(ctx, &record); err != nil {
		return models.Record{}, err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return models.Record{}, perr.Wrap(perr.KindMalformed, "persistence.Store", "marshaling record", err)
	}
	if err := atomicWrite(s.recordPath(record.Kind, record.RecordID), data); err != nil {
		return models.Record{}, perr.Wrap(perr.KindTransportUnavailable, "persistence.Store", "writing record file", err)
	}

	s.cacheSet(ctx, record)
	s.mirrorPut(ctx, record)
	return record, nil
}

func (s *Store) attachPorts(ctx context.Context, record *models.Record) error {
	if s.signer != nil && record.Signature == nil {
		emotion := models.EmotionalVector{}
		if record.EmotionalVector != nil {
			emotion = *record.EmotionalVector
		}
		sc := ports.SignContext{Scale: record.ScaleLevel, Fold: record.FoldPattern}
		sig, err := s.signer.Sign(ctx, record.AuthorNodeID, emotion, sc)
		if err != nil {
			return perr.Wrap(perr.KindAuthFailed, "persistence.attachPorts", "signing record", err)
		}
		record.Signature = &sig.Value
	}

	if s.consent != nil {
		var vec models.Vector
		if record.ContentVector != nil {
			vec = *record.ContentVector
		}
		cc := ports.ConsentContext{Scale: record.ScaleLevel, Fold: record.FoldPattern}
		outcome, err := s.consent.Verify(ctx, vec, cc)
		if err != nil {
			return perr.Wrap(perr.KindConsentDenied, "persistence.attachPorts", "consent verification", err)
		}
		record.ConsentLevel = models.ConsentLevelFor(outcome.Kind)
	}
	return nil
}

func (s *Store) cacheSet(ctx context.Context, record models.Record) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Set(ctx, record.RecordID, record)
}

// Retrieve implements spec.md §4.5's query contract: by-id returns a single
// record (or perr.KindNotFound); otherwise scans the named kind's directory
// (or all kinds if unset), filters by tag intersection, sorts by created_at
// descending, and truncates to limit (default 10).
func (s *Store) Retrieve(ctx context.Context, query Query) ([]models.Record, error) {
	v, err := s.submit(ctx, func() (any, error) {
		return s.retrieveLocked(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Record), nil
}

func (s *Store) retrieveLocked(ctx context.Context, query Query) ([]models.Record, error) {
	if query.RecordID != "" {
		rec, err := s.readOne(ctx, query.RecordID, query.Kind)
		if err != nil {
			return nil, err
		}
		return []models.Record{rec}, nil
	}

	kinds := []models.RecordKind{query.Kind}
	if query.Kind == "" {
		kinds = s.allKinds()
	}

	var matches []models.Record
	for _, kind := range kinds {
		records, err := s.scanKind(kind)
		if err != nil {
			continue
		}
		for _, rec := range records {
			if hasAllTags(rec, query.Tags) {
				matches = append(matches, rec)
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	limit := query.Limit
	if limit <= 0 {
		limit = defaultRetrieveLimit
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func hasAllTags(rec models.Record, tags []string) bool {
	for _, t := range tags {
		if !rec.HasTag(t) {
			return false
		}
	}
	return true
}

func (s *Store) allKinds() []models.RecordKind {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil
	}
	var kinds []models.RecordKind
	for _, e := range entries {
		if e.IsDir() {
			kinds = append(kinds, models.RecordKind(e.Name()))
		}
	}
	return kinds
}

// readOne returns a single record by id, consulting the cache first. The
// cache is advisory: a hit is returned only while the record's file still
// exists on disk, and is invalidated otherwise; a miss falls through to disk
// and refreshes the cache.
func (s *Store) readOne(ctx context.Context, recordID string, kind models.RecordKind) (models.Record, error) {
	if s.cache != nil {
		if rec, ok := s.cache.Get(ctx, recordID); ok {
			if _, err := os.Stat(s.recordPath(rec.Kind, recordID)); err == nil {
				return rec, nil
			}
			s.cache.Delete(ctx, recordID)
		}
	}

	kinds := []models.RecordKind{kind}
	if kind == "" {
		kinds = s.allKinds()
	}
	for _, k := range kinds {
		path := s.recordPath(k, recordID)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec models.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		s.cacheSet(ctx, rec)
		return rec, nil
	}
	return models.Record{}, perr.New(perr.KindNotFound, "persistence.Retrieve", "record "+recordID+" not found")
}

func (s *Store) scanKind(kind models.RecordKind) ([]models.Record, error) {
	dir := s.kindDir(kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []models.Record
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var rec models.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Update requires an existing record_id; it refuses if the file is missing,
// bumps modified_at, and rewrites atomically.
func (s *Store) Update(ctx context.Context, record models.Record) (models.Record, error) {
	v, err := s.submit(ctx, func() (any, error) {
		return s.updateLocked(ctx, record)
	})
	if err != nil {
		return models.Record{}, err
	}
	return v.(models.Record), nil
}

func (s *Store) updateLocked(ctx context.Context, record models.Record) (models.Record, error) {
	if record.RecordID == "" {
		return models.Record{}, perr.New(perr.KindMalformed, "persistence.Update", "record_id is required for update")
	}
	existing, err := s.readOne(ctx, record.RecordID, record.Kind)
	if err != nil {
		return models.Record{}, err
	}
	record.CreatedAt = existing.CreatedAt
	record.ModifiedAt = time.Now()
	if record.Kind == "" {
		record.Kind = existing.Kind
	}

	if err := s.attachPorts(ctx, &record); err != nil {
		return models.Record{}, err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return models.Record{}, perr.Wrap(perr.KindMalformed, "persistence.Update", "marshaling record", err)
	}
	if err := atomicWrite(s.recordPath(record.Kind, record.RecordID), data); err != nil {
		return models.Record{}, perr.Wrap(perr.KindTransportUnavailable, "persistence.Update", "writing record file", err)
	}
	s.cacheSet(ctx, record)
	s.mirrorPut(ctx, record)
	return record, nil
}

// Delete searches all kind directories and removes the record if found.
func (s *Store) Delete(ctx context.Context, recordID string) error {
	_, err := s.submit(ctx, func() (any, error) {
		return nil, s.deleteLocked(ctx, recordID)
	})
	return err
}

func (s *Store) deleteLocked(ctx context.Context, recordID string) error {
	for _, kind := range s.allKinds() {
		path := s.recordPath(kind, recordID)
		if err := os.Remove(path); err == nil {
			if s.cache != nil {
				_ = s.cache.Delete(ctx, recordID)
			}
			s.mirrorDelete(ctx, kind, recordID)
			return nil
		}
	}
	return perr.New(perr.KindNotFound, "persistence.Delete", "record "+recordID+" not found")
}

// StoreDream is a thin wrapper defaulting kind=dream, per spec.md §4.6's
// store_dream convenience constructor.
func (s *Store) StoreDream(ctx context.Context, content string, emotion *models.EmotionalVector, tags []string) (models.Record, error) {
	return s.Store(ctx, models.Record{
		Kind:            models.RecordKindDream,
		Content:         content,
		EmotionalVector: emotion,
		Tags:            tags,
	})
}

// StoreReflection is a thin wrapper defaulting kind=reflection.
func (s *Store) StoreReflection(ctx context.Context, content string, emotion *models.EmotionalVector, tags []string) (models.Record, error) {
	return s.Store(ctx, models.Record{
		Kind:            models.RecordKindReflection,
		Content:         content,
		EmotionalVector: emotion,
		Tags:            tags,
	})
}
