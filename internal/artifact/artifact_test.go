package artifact

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/stagehand/internal/errors"
)

func sampleTree() []Node {
	return []Node{
		{Name: "README.md", Kind: KindFile, Position: 0},
		{Name: "chapters", Kind: KindFolder, Position: 2, Children: []Node{
			{Name: "ch-02.md", Kind: KindFile, Position: 1},
			{Name: "ch-01.md", Kind: KindFile, Position: 0},
		}},
		{Name: "agent-log", Kind: KindFolder, Position: 1, Children: []Node{
			{Name: "progress.md", Kind: KindFile},
		}},
	}
}

func TestFormatTree(t *testing.T) {
	want := strings.Join([]string{
		"├── agent-log/",
		"│   └── progress.md",
		"├── chapters/",
		"│   ├── ch-01.md",
		"│   └── ch-02.md",
		"└── README.md",
	}, "\n")
	if got := FormatTree(sampleTree()); got != want {
		t.Errorf("FormatTree() =\n%s\nwant\n%s", got, want)
	}
	if FormatTree(nil) != "" {
		t.Error("empty tree should render empty")
	}
}

func TestFlattenPaths(t *testing.T) {
	got := strings.Join(FlattenPaths(sampleTree()), ",")
	want := "README.md,chapters/ch-02.md,chapters/ch-01.md,agent-log/progress.md"
	if got != want {
		t.Errorf("FlattenPaths() = %s", got)
	}
}

func TestFSStore(t *testing.T) {
	ctx := context.Background()
	s := NewFSStore(afero.NewMemMapFs(), "/jobs")

	root, err := s.CreateRoot(ctx, "Title", "desc")
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	if meta, err := s.Meta(root); err != nil || meta.Title != "Title" {
		t.Fatalf("Meta = %+v, %v", meta, err)
	}

	if err := s.CreateArtifact(ctx, root, "chapters/ch-01.md", "one", "add"); err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}
	if err := s.CreateArtifact(ctx, root, "chapters/ch-01.md", "dup", "add"); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate create = %v", err)
	}
	if err := s.WriteArtifact(ctx, root, "missing.md", "x", ""); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("write missing = %v", err)
	}
	if _, err := s.ReadArtifact(ctx, root, "missing.md"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("read missing = %v", err)
	}

	if err := Put(ctx, s, root, ProgressPath, "v1", ""); err != nil {
		t.Fatalf("Put create: %v", err)
	}
	if err := Put(ctx, s, root, ProgressPath, "v2", ""); err != nil {
		t.Fatalf("Put update: %v", err)
	}
	if got, _ := s.ReadArtifact(ctx, root, "/"+ProgressPath); got != "v2" {
		t.Errorf("ReadArtifact = %q", got)
	}

	nodes, err := s.GetStructure(ctx, root)
	if err != nil {
		t.Fatalf("GetStructure: %v", err)
	}
	paths := strings.Join(FlattenPaths(nodes), ",")
	if paths != "agent-log/progress.md,chapters/ch-01.md" {
		t.Errorf("paths = %s", paths)
	}

	if _, err := s.GetStructure(ctx, "nope"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("unknown root = %v", err)
	}
	if err := s.CreateArtifact(ctx, root, "  ", "x", ""); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("empty path = %v", err)
	}

	roots, err := s.Roots()
	if err != nil || len(roots) != 1 || roots[0].ID != root {
		t.Errorf("Roots() = %+v, %v", roots, err)
	}
}

func TestFSStore_PathsStayInsideRoot(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	s := NewFSStore(fs, "/jobs")
	root, _ := s.CreateRoot(ctx, "t", "")

	if err := s.CreateArtifact(ctx, root, "../../escape.md", "x", ""); err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}
	if ok, _ := afero.Exists(fs, "/jobs/"+root+"/escape.md"); !ok {
		t.Error("path was not confined to the root")
	}
}

func newRemote(t *testing.T) (*HTTPClient, map[string]string) {
	t.Helper()
	files := map[string]string{}
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer secret" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"bad token"}}`))
				return
			}
			h(w, r)
		}
	}
	decode := func(r *http.Request) fileRequest {
		var req fileRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		return req
	}
	mux.HandleFunc("POST /api/v1/books", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"token":"bk_1","title":"T"}}`))
	}))
	mux.HandleFunc("GET /api/v1/books/bk_1/commits", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"commits":[{"token":"c1","filesSnapshot":[
			{"token":"f1","name":"chapters","kind":"folder","position":0,"children":[
				{"token":"f2","name":"ch-01.md","kind":"file","position":0}]}]}]}}`))
	}))
	mux.HandleFunc("POST /api/v1/books/bk_1/mcp/files/create", auth(func(w http.ResponseWriter, r *http.Request) {
		req := decode(r)
		if _, ok := files[req.Path]; ok {
			w.WriteHeader(http.StatusConflict)
			return
		}
		files[req.Path] = req.Content
		_, _ = w.Write([]byte(`{"data":{"fileToken":"f9"}}`))
	}))
	mux.HandleFunc("POST /api/v1/books/bk_1/mcp/files/update", auth(func(w http.ResponseWriter, r *http.Request) {
		req := decode(r)
		if _, ok := files[req.Path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		files[req.Path] = req.Content
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	mux.HandleFunc("POST /api/v1/books/bk_1/mcp/files/read", auth(func(w http.ResponseWriter, r *http.Request) {
		req := decode(r)
		content, ok := files[req.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"no such file"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"content": content}})
	}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL+"/", "secret", 0), files
}

func TestHTTPClient(t *testing.T) {
	ctx := context.Background()
	c, files := newRemote(t)

	root, err := c.CreateRoot(ctx, "T", "d")
	if err != nil || root != "bk_1" {
		t.Fatalf("CreateRoot = %q, %v", root, err)
	}

	nodes, err := c.GetStructure(ctx, root)
	if err != nil {
		t.Fatalf("GetStructure: %v", err)
	}
	if got := FlattenPaths(nodes); len(got) != 1 || got[0] != "chapters/ch-01.md" {
		t.Errorf("paths = %v", got)
	}

	if err := Put(ctx, c, root, SnapshotPath, "{}", "snapshot"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if files[SnapshotPath] != "{}" {
		t.Errorf("files = %v", files)
	}
	if err := c.CreateArtifact(ctx, root, SnapshotPath, "again", ""); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate create = %v", err)
	}
	got, err := c.ReadArtifact(ctx, root, SnapshotPath)
	if err != nil || got != "{}" {
		t.Errorf("ReadArtifact = %q, %v", got, err)
	}

	_, err = c.ReadArtifact(ctx, root, "missing.md")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("missing read = %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "not_found" {
		t.Errorf("api error = %+v", apiErr)
	}
}

func TestHTTPClient_Unauthorized(t *testing.T) {
	c, _ := newRemote(t)
	c.token = "wrong"
	_, err := c.CreateRoot(context.Background(), "T", "")
	if !errors.Is(err, errors.ErrUnauthorized) {
		t.Fatalf("CreateRoot = %v, want unauthorized", err)
	}
	if !strings.Contains(err.Error(), "bad token") {
		t.Errorf("message lost: %v", err)
	}
}
