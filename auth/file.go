package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// tokenFile is the on-disk YAML layout:
//
//	tokens:
//	  - token: dev-token
//	    user_id: 1
//	    username: dev
//	    email: dev@example.com
//	    permissions: [tasks:read, tasks:write]
type tokenFile struct {
	Tokens []tokenEntry `yaml:"tokens"`
}

type tokenEntry struct {
	Token       string   `yaml:"token"`
	UserID      int64    `yaml:"user_id"`
	Username    string   `yaml:"username"`
	Email       string   `yaml:"email"`
	Permissions []string `yaml:"permissions"`
}

// FileValidator validates tokens against a YAML token table. The table is
// swapped atomically on reload; a file that fails to parse leaves the
// previous table in place.
type FileValidator struct {
	path string
	log  *slog.Logger
	now  func() time.Time

	mu     sync.RWMutex
	tokens map[string]tokenEntry
}

// FileOption configures a FileValidator.
type FileOption func(*FileValidator)

// WithFileLogger sets the logger used for reload events.
func WithFileLogger(l *slog.Logger) FileOption {
	return func(v *FileValidator) { v.log = l }
}

// NewFileValidator loads path and returns a validator serving its tokens.
func NewFileValidator(path string, opts ...FileOption) (*FileValidator, error) {
	v := &FileValidator{
		path: path,
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if err := v.Reload(); err != nil {
		return nil, err
	}
	return v, nil
}

// Reload re-reads the token file.
func (v *FileValidator) Reload() error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("auth: read token file: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("auth: token file is empty")
	}
	var f tokenFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("auth: parse token file: %w", err)
	}

	next := make(map[string]tokenEntry, len(f.Tokens))
	for i, e := range f.Tokens {
		if e.Token == "" || e.UserID <= 0 {
			return fmt.Errorf("auth: token file entry %d needs token and positive user_id", i)
		}
		if _, dup := next[e.Token]; dup {
			return fmt.Errorf("auth: token file entry %d duplicates an earlier token", i)
		}
		next[e.Token] = e
	}

	v.mu.Lock()
	v.tokens = next
	v.mu.Unlock()
	return nil
}

// Len reports the number of tokens currently loaded.
func (v *FileValidator) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.tokens)
}

// ValidateToken implements TokenValidator.
func (v *FileValidator) ValidateToken(ctx context.Context, token string) (*UserContext, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}
	v.mu.RLock()
	e, ok := v.tokens[token]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", ErrUnauthorized)
	}
	return NewUserContext(e.UserID, e.Username, e.Email, token, e.Permissions, v.now()), nil
}

// Watch reloads the token file whenever it changes until ctx is done. The
// parent directory is watched so editors that replace the file are seen.
func (v *FileValidator) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("auth: create watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	if err := w.Add(filepath.Dir(v.path)); err != nil {
		return fmt.Errorf("auth: watch token file: %w", err)
	}
	target := filepath.Clean(v.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := v.Reload(); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				v.log.WarnContext(ctx, "auth.tokenfile.reload.fail", slog.String("err", err.Error()))
				continue
			}
			v.log.InfoContext(ctx, "auth.tokenfile.reload.ok", slog.Int("tokens", v.Len()))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			v.log.WarnContext(ctx, "auth.tokenfile.watch.err", slog.String("err", err.Error()))
		}
	}
}

var _ TokenValidator = (*FileValidator)(nil)
