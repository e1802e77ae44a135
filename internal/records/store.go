package records

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"anchorkeep.ai/internal/anchor"
)

const formatVersion = 1

// ErrUnreadable marks a read that failed in the storage itself, as opposed to
// content that was read but could not be decoded. The stored set may still be
// intact.
var ErrUnreadable = errors.New("read failed")

var (
	//go:embed records.schema.json
	recordsSchemaJSON string
	//go:embed legacy.schema.json
	legacySchemaJSON string
)

// Storage is the host's byte store. ReadBytes reports a missing path with an
// error matching fs.ErrNotExist.
type Storage interface {
	ReadBytes(path string) ([]byte, error)
	WriteBytesAtomically(path string, data []byte) error
	EnsureDir(path string) error
}

type document struct {
	Version int             `json:"version"`
	Agents  []anchor.Record `json:"agents"`
}

type legacyEntry struct {
	Name  string  `json:"name"`
	World string  `json:"world"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
}

// Store is the durable set of anchor records, written as full snapshots.
type Store struct {
	storage       Storage
	path          string
	defaultRadius int
	log           *zap.Logger

	current *jsonschema.Schema
	legacy  *jsonschema.Schema

	mu sync.Mutex
}

func New(storage Storage, path string, defaultRadius int, logger *zap.Logger) (*Store, error) {
	if storage == nil {
		return nil, fmt.Errorf("nil storage")
	}
	if path == "" {
		return nil, fmt.Errorf("empty records path")
	}
	if defaultRadius < 0 {
		return nil, fmt.Errorf("%w: default radius %d", anchor.ErrInvalidRadius, defaultRadius)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	current, err := jsonschema.CompileString("records.schema.json", recordsSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile records schema: %w", err)
	}
	legacy, err := jsonschema.CompileString("legacy.schema.json", legacySchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile legacy schema: %w", err)
	}
	return &Store{
		storage:       storage,
		path:          path,
		defaultRadius: defaultRadius,
		log:           logger.With(zap.String("component", "records"), zap.String("path", path)),
		current:       current,
		legacy:        legacy,
	}, nil
}

func (s *Store) Path() string { return s.path }

// ReadAll returns the stored records. It never fails hard: the returned
// records are always usable and a non-nil error is a warning. Malformed
// content yields no records and is copied to <path>.corrupt before anything
// can overwrite it.
func (s *Store) ReadAll() ([]anchor.Record, error) {
	return s.read(true)
}

// List is ReadAll without side effects: malformed content is reported but
// not copied.
func (s *Store) List() ([]anchor.Record, error) {
	return s.read(false)
}

func (s *Store) read(preserve bool) ([]anchor.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.storage.ReadBytes(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		s.log.Warn("records unreadable; starting empty", zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %w: %v", anchor.ErrStorageCorrupt, s.path, ErrUnreadable, err)
	}

	recs, err := s.decode(b)
	if err != nil {
		if preserve {
			s.preserveLocked(b)
		}
		s.log.Warn("records malformed; starting empty", zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", anchor.ErrStorageCorrupt, s.path, err)
	}

	seen := map[string]bool{}
	out := make([]anchor.Record, 0, len(recs))
	var dups []error
	for _, r := range recs {
		k := r.Key()
		if seen[k] {
			dups = append(dups, fmt.Errorf("%w: duplicate record %q ignored", anchor.ErrStorageCorrupt, r.Name))
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	if len(dups) > 0 {
		s.log.Warn("duplicate records ignored", zap.Int("count", len(dups)))
	}
	return out, errors.Join(dups...)
}

// WriteAll replaces the stored set with records.
func (s *Store) WriteAll(records []anchor.Record) error {
	sorted := append([]anchor.Record(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key() < sorted[j].Key() })
	doc := document{Version: formatVersion, Agents: sorted}
	if doc.Agents == nil {
		doc.Agents = []anchor.Record{}
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.EnsureDir(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("records dir: %w", err)
	}
	if err := s.storage.WriteBytesAtomically(s.path, b); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	s.log.Debug("records written", zap.Int("count", len(sorted)))
	return nil
}

func (s *Store) decode(b []byte) ([]anchor.Record, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var raw any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, err
	}

	if trimmed[0] == '[' {
		if err := s.legacy.Validate(raw); err != nil {
			return nil, err
		}
		var entries []legacyEntry
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, err
		}
		out := make([]anchor.Record, 0, len(entries))
		for _, e := range entries {
			out = append(out, anchor.Record{
				Name:        e.Name,
				Identity:    anchor.StableID(e.Name),
				PartitionID: e.World,
				X:           e.X,
				Y:           e.Y,
				Z:           e.Z,
				Radius:      s.defaultRadius,
			})
		}
		s.log.Info("imported legacy records", zap.Int("count", len(out)))
		return out, nil
	}

	if err := s.current.Validate(raw); err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	return doc.Agents, nil
}

func (s *Store) preserveLocked(b []byte) {
	dst := s.path + ".corrupt"
	if err := s.storage.WriteBytesAtomically(dst, b); err != nil {
		s.log.Error("could not preserve corrupt records", zap.String("dst", dst), zap.Error(err))
		return
	}
	s.log.Warn("corrupt records preserved", zap.String("dst", dst))
}
