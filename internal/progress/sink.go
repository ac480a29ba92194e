package progress

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/stagehand/internal/artifact"
	"github.com/Iron-Ham/stagehand/internal/errors"
)

// StoreSink persists progress into the job's artifact root.
func StoreSink(store artifact.Store, root string) Sink {
	return SinkFunc(func(ctx context.Context, content string) error {
		return artifact.Put(ctx, store, root, artifact.ProgressPath, content, "Update pipeline progress")
	})
}

// FileSink writes progress to a local file, replacing it atomically.
func FileSink(path string) Sink {
	return SinkFunc(func(_ context.Context, content string) error {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		tmp, err := os.CreateTemp(filepath.Dir(path), ".progress-*")
		if err != nil {
			return err
		}
		if _, err := tmp.WriteString(content); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return err
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmp.Name())
			return err
		}
		return os.Rename(tmp.Name(), path)
	})
}

// MultiSink saves to every sink and joins their errors.
func MultiSink(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, content string) error {
		var errs []error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Save(ctx, content); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Load reads and parses the progress document of a job root.
func Load(ctx context.Context, store artifact.Store, root string) (*Document, error) {
	content, err := store.ReadArtifact(ctx, root, artifact.ProgressPath)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// LoadFile reads and parses a local progress file.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("progress file", path)
		}
		return nil, err
	}
	return Parse(string(data))
}

// Watch calls fn with the parsed document at path now and after every change,
// coalescing bursts of writes within debounce. It returns when ctx is done.
// Unparseable intermediate states are skipped.
func Watch(ctx context.Context, path string, debounce time.Duration, fn func(*Document)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	// The directory is watched since FileSink replaces the file by rename.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	emit := func() {
		if doc, err := LoadFile(path); err == nil {
			fn(doc)
		}
	}
	emit()

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			fire = time.After(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return err
		case <-fire:
			fire = nil
			emit()
		}
	}
}
