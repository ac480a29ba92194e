// Package testutil provides fakes shared by stagehand tests: a scripted
// worker runner and an in-memory artifact store.
package testutil

import (
	"context"
	"path"
	"sync"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/stagehand/internal/artifact"
	"github.com/Iron-Ham/stagehand/internal/worker"
)

// Reply is a canned worker answer.
type Reply struct {
	Result *worker.Result
	Err    error
	// Files are written under the request's WorkDir before replying.
	Files map[string]string
}

// Runner is a worker.Runner answering by request label. Unknown labels get
// Default, or a plain success when Default is nil.
type Runner struct {
	mu       sync.Mutex
	Replies  map[string]Reply
	Default  *Reply
	Fs       afero.Fs
	requests []worker.Request
}

// NewRunner creates a Runner writing files through fs.
func NewRunner(fs afero.Fs) *Runner {
	return &Runner{Replies: map[string]Reply{}, Fs: fs}
}

// Run records req and returns the scripted reply.
func (r *Runner) Run(ctx context.Context, req worker.Request) (*worker.Result, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	reply, ok := r.Replies[req.Label]
	if !ok && r.Default != nil {
		reply, ok = *r.Default, true
	}
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return &worker.Result{Summary: req.Label + " done", FullOutput: req.Label + " done", TurnsUsed: 1}, nil
	}
	for p, content := range reply.Files {
		full := path.Join(req.WorkDir, p)
		if err := r.Fs.MkdirAll(path.Dir(full), 0755); err != nil {
			return nil, err
		}
		if err := afero.WriteFile(r.Fs, full, []byte(content), 0644); err != nil {
			return nil, err
		}
	}
	return reply.Result, reply.Err
}

// Requests returns the requests seen so far.
func (r *Runner) Requests() []worker.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]worker.Request(nil), r.requests...)
}

// Labels returns the labels of the requests seen so far.
func (r *Runner) Labels() []string {
	var out []string
	for _, req := range r.Requests() {
		out = append(out, req.Label)
	}
	return out
}

// NewMemStore returns an FSStore over a fresh in-memory filesystem.
func NewMemStore() (*artifact.FSStore, afero.Fs) {
	fs := afero.NewMemMapFs()
	return artifact.NewFSStore(fs, "/jobs"), fs
}
