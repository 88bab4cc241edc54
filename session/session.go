// Package session persists conversations as jsonl files: a metadata line
// followed by one message per line. Files are replaced atomically so a
// crash never leaves a half-written session behind.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"agentd/errors"
	"agentd/message"
)

// Identifier names a session either by id or by an explicit file path.
type Identifier struct {
	Name string
	Path string
}

// ByName identifies a session by its id inside the store directory.
func ByName(name string) Identifier { return Identifier{Name: name} }

// ByPath identifies a session by an explicit file path.
func ByPath(path string) Identifier { return Identifier{Path: path} }

func (id Identifier) valid() bool { return id.Name != "" || id.Path != "" }

// Metadata is the first line of a session file.
type Metadata struct {
	ID           string `json:"id"`
	WorkingDir   string `json:"working_dir"`
	Description  string `json:"description,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
	MessageCount int    `json:"message_count"`
}

// Describer produces a short session description from its opening
// messages. Description generation is best effort.
type Describer interface {
	Describe(ctx context.Context, messages []message.Message) (string, error)
}

// Store reads and writes session files under a single directory.
type Store struct {
	dir string
}

// DefaultDir returns the platform session directory,
// ~/.local/share/agentd/sessions.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "could not resolve home directory")
	}
	return filepath.Join(home, ".local", "share", "agentd", "sessions"), nil
}

// NewStore opens a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		var err error
		dir, err = DefaultDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not create session directory")
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// GenerateID mints a session id from the current time. Ids sort
// chronologically.
func GenerateID() string {
	return time.Now().Format("20060102_150405")
}

// Path resolves an identifier to a file path inside the store.
func (s *Store) Path(id Identifier) (string, error) {
	if !id.valid() {
		return "", errors.New("session identifier is empty")
	}
	if id.Path != "" {
		return id.Path, nil
	}
	if strings.ContainsAny(id.Name, `/\`) {
		return "", errors.New("invalid session name %q", id.Name)
	}
	return filepath.Join(s.dir, id.Name+".jsonl"), nil
}

// MostRecent returns the identifier of the most recently updated session,
// or an error when the store is empty.
func (s *Store) MostRecent() (Identifier, error) {
	metas, err := s.List()
	if err != nil {
		return Identifier{}, err
	}
	if len(metas) == 0 {
		return Identifier{}, errors.New("no sessions found in %s", s.dir)
	}
	latest := metas[0]
	for _, m := range metas[1:] {
		if m.UpdatedAt > latest.UpdatedAt {
			latest = m
		}
	}
	return ByName(latest.ID), nil
}

// List returns the metadata of every session, newest first. Unreadable
// files are skipped.
func (s *Store) List() ([]Metadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not list sessions")
	}
	var out []Metadata
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".jsonl")
		if !ok || e.IsDir() {
			continue
		}
		meta, _, err := s.Read(ByName(name))
		if err != nil {
			slog.Warn("skipping unreadable session", "session", name, "error", err)
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// Read loads a session's metadata and messages.
func (s *Store) Read(id Identifier) (Metadata, []message.Message, error) {
	path, err := s.Path(id)
	if err != nil {
		return Metadata{}, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, nil, errors.Wrapf(err, "could not open session")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Metadata{}, nil, errors.Wrapf(err, "could not read session")
		}
		return Metadata{}, nil, errors.New("session file %s is empty", path)
	}
	var meta Metadata
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		return Metadata{}, nil, errors.Wrapf(err, "corrupt session metadata in %s", path)
	}

	var messages []message.Message
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg message.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Metadata{}, nil, errors.Wrapf(err, "corrupt message in %s", path)
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return Metadata{}, nil, errors.Wrapf(err, "could not read session")
	}
	return meta, messages, nil
}

// Persist writes the full session file atomically, preserving the created
// timestamp and description of an existing file. A describer, when given,
// fills in a missing description; a failing describer only logs.
func (s *Store) Persist(ctx context.Context, id Identifier, workingDir string, messages []message.Message, describer Describer) error {
	path, err := s.Path(id)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	meta := Metadata{
		ID:           strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		WorkingDir:   workingDir,
		CreatedAt:    now,
		UpdatedAt:    now,
		MessageCount: len(messages),
	}
	if existing, _, err := s.Read(id); err == nil {
		meta.CreatedAt = existing.CreatedAt
		meta.Description = existing.Description
	}
	if meta.Description == "" && describer != nil && len(messages) > 0 {
		desc, err := describer.Describe(ctx, messages)
		if err != nil {
			slog.Warn("could not generate session description", "session", meta.ID, "error", err)
		} else {
			meta.Description = desc
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "could not create session directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".session-*")
	if err != nil {
		return errors.Wrapf(err, "could not create temp session file")
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	if err := enc.Encode(meta); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "could not write session metadata")
	}
	for _, msg := range messages {
		if err := enc.Encode(msg); err != nil {
			tmp.Close()
			return errors.Wrapf(err, "could not write session message")
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "could not flush session file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "could not close session file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "could not replace session file")
	}
	return nil
}
