package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dhcgn/mailnorm/model"
	"github.com/dhcgn/mailnorm/sanitize"
)

// HTMLPolicy rewrites an HTML body before it is stored. *bluemonday.Policy
// satisfies it.
type HTMLPolicy interface {
	Sanitize(html string) string
}

// Assemble builds the record for one message. files are the persisted paths of
// accepted images in output order. policy may be nil.
func Assemble(meta model.Metadata, parts model.Parts, files []string, policy HTMLPolicy) *model.Record {
	htmls := parts.HTMLs()
	if policy != nil {
		for i, h := range htmls {
			htmls[i] = policy.Sanitize(h)
		}
	}

	attachments := make([]string, 0)
	for _, att := range parts.Attachments() {
		attachments = append(attachments, att.Filename)
	}

	processed := make([]string, 0, len(files))
	processed = append(processed, files...)

	return &model.Record{
		Sender:         meta.Sender,
		Recipient:      meta.Recipient,
		Date:           meta.Date,
		Subject:        meta.Subject,
		TextContents:   parts.Texts(),
		HTMLContents:   htmls,
		Attachments:    attachments,
		ProcessedFiles: processed,
	}
}

// Encode renders rec the way it is stored on disk.
func Encode(rec *model.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return buf.Bytes(), nil
}

// PersistenceError reports a failed write of an image or record. Images
// written before the failure have been removed.
type PersistenceError struct {
	ID   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("persist message %s: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("persist message %s: %s: %v", e.ID, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// File is an image ready to be written under Name inside the store directory.
type File struct {
	Name string
	Data []byte
}

// Store writes records and images into a single content directory.
type Store struct {
	dir    string
	stage  func(path string, data []byte) (string, error)
	rename func(oldpath, newpath string) error
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &Store{dir: dir, stage: stageFile, rename: os.Rename}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) ImagePath(name string) (string, error) {
	return sanitize.Join(s.dir, name)
}

func (s *Store) RecordPath(id string) (string, error) {
	return sanitize.Join(s.dir, sanitize.Name(id)+".json")
}

type staged struct {
	tmp, path string
}

// Save stages every image and the record as temp files before anything is
// moved into place, then renames the images and the record last. A failure
// while staging leaves the directory untouched. A failed rename removes only
// images this call created; files from an earlier run are never deleted.
func (s *Store) Save(id string, rec *model.Record, images []File) error {
	var pending []staged
	discard := func() {
		for _, st := range pending {
			_ = os.Remove(st.tmp)
		}
	}
	stage := func(path string, data []byte) error {
		tmp, err := s.stage(path, data)
		if err != nil {
			discard()
			return &PersistenceError{ID: id, Path: path, Err: err}
		}
		pending = append(pending, staged{tmp: tmp, path: path})
		return nil
	}

	for _, img := range images {
		path, err := s.ImagePath(img.Name)
		if err != nil {
			discard()
			return &PersistenceError{ID: id, Path: img.Name, Err: err}
		}
		if err := stage(path, img.Data); err != nil {
			return err
		}
	}

	path, err := s.RecordPath(id)
	if err != nil {
		discard()
		return &PersistenceError{ID: id, Path: id, Err: err}
	}
	data, err := Encode(rec)
	if err != nil {
		discard()
		return &PersistenceError{ID: id, Path: path, Err: err}
	}
	if err := stage(path, data); err != nil {
		return err
	}

	var created []string
	for i, st := range pending {
		_, statErr := os.Lstat(st.path)
		existed := statErr == nil
		if err := s.rename(st.tmp, st.path); err != nil {
			for _, rest := range pending[i:] {
				_ = os.Remove(rest.tmp)
			}
			for _, p := range created {
				_ = os.Remove(p)
			}
			return &PersistenceError{ID: id, Path: st.path, Err: fmt.Errorf("rename into place: %w", err)}
		}
		if !existed {
			created = append(created, st.path)
		}
	}
	return nil
}

// stageFile writes data to a synced temp file next to path and returns its
// name. Renaming it onto path completes an atomic write.
func stageFile(path string, data []byte) (string, error) {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return "", fmt.Errorf("chmod temp file: %w", err)
	}
	return tmpName, nil
}
