package stagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// Store persists stages under a .work/stages directory, one file per
// stage named NN-<stage_id>.md where NN is the ordinal assigned at init.
type Store struct {
	dir string
}

// New returns a Store rooted at the given .work/stages directory. The
// directory is created lazily on first Save, matching the teacher's
// os.MkdirAll(filepath.Dir(path), 0755)-before-write idiom.
func New(dir string) *Store {
	return &Store{dir: dir}
}

var stageFileRe = regexp.MustCompile(`^(\d+)-(.+)\.md$`)

func (s *Store) pathFor(ordinal int, id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%02d-%s.md", ordinal, id))
}

// findPath locates the on-disk file for a stage_id without already knowing
// its ordinal, by scanning the directory. Used by Load and Save-of-existing.
func (s *Store) findPath(id string) (string, bool, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading stage directory: %w", err)
	}
	for _, e := range entries {
		m := stageFileRe.FindStringSubmatch(e.Name())
		if m != nil && m[2] == id {
			return filepath.Join(s.dir, e.Name()), true, nil
		}
	}
	return "", false, nil
}

// Load reads and parses a single stage by id.
func (s *Store) Load(id string) (*Stage, error) {
	path, found, err := s.findPath(id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.loadPath(path)
}

func (s *Store) loadPath(path string) (*Stage, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is built from the stages directory listing, not user input
	if err != nil {
		return nil, fmt.Errorf("reading stage file: %w", err)
	}
	stage, err := parseFromMarkdown(path, data)
	if err != nil {
		return nil, err
	}
	base := filepath.Base(path)
	if m := stageFileRe.FindStringSubmatch(base); m != nil {
		n, _ := strconv.Atoi(m[1])
		stage.Ordinal = n
	}
	return stage, nil
}

// ListAll returns every stage, ordered by numeric filename prefix (the
// stable declaration order spec.md §2/§5 rely on for tie-breaking).
func (s *Store) ListAll() ([]*Stage, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading stage directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if stageFileRe.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // zero-padded NN- prefix sorts numerically as text

	stages := make([]*Stage, 0, len(names))
	for _, name := range names {
		stage, err := s.loadPath(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// NextOrdinal returns the ordinal to assign to a newly created stage: one
// past the highest ordinal currently on disk.
func (s *Store) NextOrdinal() (int, error) {
	stages, err := s.ListAll()
	if err != nil {
		return 0, err
	}
	max := 0
	for _, st := range stages {
		if st.Ordinal > max {
			max = st.Ordinal
		}
	}
	return max + 1, nil
}

// Save writes a stage atomically (temp file + rename, the teacher's
// moveDir/cross-filesystem-safe idiom adapted to a single file) and
// enforces optimistic concurrency: the on-disk version must equal
// stage.Version-1 (stage.Version is one past what was last loaded) or
// stage.Version itself (saved again without a bump); otherwise
// ErrVersionConflict is returned and the caller must reload and
// retry, per spec.md §4.1/§4.6.
func (s *Store) Save(stage *Stage) error {
	if err := stage.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating stage directory: %w", err)
	}

	path, found, err := s.findPath(stage.ID)
	if err != nil {
		return err
	}
	if found {
		onDisk, err := s.loadPath(path)
		if err != nil {
			return err
		}
		if onDisk.Version != stage.Version-1 && onDisk.Version != stage.Version {
			return fmt.Errorf("%w: stage %s on-disk version %d, expected %d", ErrVersionConflict, stage.ID, onDisk.Version, stage.Version-1)
		}
	} else {
		path = s.pathFor(stage.Ordinal, stage.ID)
	}

	data, err := serialize(stage)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-stage-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
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

// SaveNext bumps the version and saves, the common case for a single
// in-process writer that just mutated a Stage it loaded moments ago.
func (s *Store) SaveNext(stage *Stage) error {
	stage.Version++
	return s.Save(stage)
}

// IDFromPath extracts a stage_id from a stages-directory filename, used by
// callers that only have a path (e.g. a filesystem watch event).
func IDFromPath(path string) (string, bool) {
	m := stageFileRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return "", false
	}
	return m[2], true
}

var kebabIDRe = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// sanitizeID defends against path traversal in stage_ids sourced from a
// plan file: kebab-case only, per spec.md §3.
func sanitizeID(id string) error {
	if !kebabIDRe.MatchString(id) {
		return fmt.Errorf("invalid stage id %q", id)
	}
	return nil
}
