// Package mount serves the content of a local archive (a zip file or a plain
// directory) under a path of the gateway instead of fetching it live.
package mount

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/gemini-gateway/pkg/convert"
	"github.com/jnovack/gemini-gateway/pkg/gemini"
	"github.com/jnovack/gemini-gateway/pkg/gemtext"
)

const (
	DefaultSearchPath = "/search"
	DefaultSearchMax  = 4096

	// searchScanLimit bounds the bytes read from each entry while searching.
	searchScanLimit = 1 << 20
)

// ErrNoMainEntry is returned when an archive has no recognizable entry page.
var ErrNoMainEntry = errors.New("mount: no main entry")

var mainEntries = []string{"index.html", "index.htm", "index.gmi", "index.md", "A/index.html", "A/Main_Page"}

// Config describes one mount point.
type Config struct {
	Path             string `mapstructure:"path"`
	Source           string `mapstructure:"source"`
	SearchPath       string `mapstructure:"search_path"`
	SearchResultsMax int    `mapstructure:"search_results_max"`
}

// RenderOptions carries the conversion settings of the matched rule.
type RenderOptions struct {
	LinksMode  convert.LinksMode
	Feathers   int
	Images     bool
	BannedTags []string
	Filters    []gemtext.Filter
	MaxDocSize int
}

// Mount is an opened archive bound to a gateway path.
type Mount struct {
	point      string
	source     string
	searchPath string
	searchMax  int

	fsys   fs.FS
	closer io.Closer
	main   string
}

// Open opens cfg.Source: directories are served as is, any other file is
// read as a zip archive.
func Open(cfg Config) (*Mount, error) {
	point := "/" + strings.Trim(cfg.Path, "/")
	if point == "/" {
		return nil, fmt.Errorf("mount %q: invalid mount path", cfg.Path)
	}
	m := &Mount{
		point:      point,
		source:     cfg.Source,
		searchPath: cfg.SearchPath,
		searchMax:  cfg.SearchResultsMax,
	}
	if m.searchPath == "" {
		m.searchPath = DefaultSearchPath
	}
	if m.searchMax <= 0 {
		m.searchMax = DefaultSearchMax
	}

	fi, err := os.Stat(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", point, err)
	}
	if fi.IsDir() {
		m.fsys = os.DirFS(cfg.Source)
	} else {
		zr, err := zip.OpenReader(cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("mount %s: open archive: %w", point, err)
		}
		m.fsys = zr
		m.closer = zr
	}
	m.main, err = findMainEntry(m.fsys)
	if err != nil {
		log.Warn().Str("mount", point).Str("source", cfg.Source).Msg("archive has no main entry")
	}
	log.Debug().Str("mount", point).Str("source", cfg.Source).Str("main", m.main).Msg("archive mounted")
	return m, nil
}

// Point returns the gateway path the archive is mounted at.
func (m *Mount) Point() string { return m.point }

// Close releases the archive.
func (m *Mount) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

// Owns reports whether reqPath falls under the mount point.
func (m *Mount) Owns(reqPath string) bool {
	return reqPath == m.point || strings.HasPrefix(reqPath, m.point+"/")
}

func findMainEntry(fsys fs.FS) (string, error) {
	for _, name := range mainEntries {
		if fi, err := fs.Stat(fsys, name); err == nil && !fi.IsDir() {
			return name, nil
		}
	}
	var found string
	_ = fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if convert.IsHTML(mediaType(p)) {
			found = p
			return fs.SkipAll
		}
		return nil
	})
	if found == "" {
		return "", ErrNoMainEntry
	}
	return found, nil
}

func mediaType(name string) string {
	switch path.Ext(name) {
	case ".gmi", ".gemini":
		return gemini.MediaType
	case ".md", ".markdown":
		return "text/markdown"
	case "":
		return "text/html"
	}
	mt, _, err := mime.ParseMediaType(mime.TypeByExtension(path.Ext(name)))
	if err != nil || mt == "" {
		return "application/octet-stream"
	}
	return mt
}

// Serve answers a request whose path is under the mount point.
func (m *Mount) Serve(ctx context.Context, u *url.URL, opts RenderOptions) *gemini.Response {
	rel := strings.TrimPrefix(u.Path, m.point)
	if rel == m.searchPath {
		q := u.RawQuery
		if q == "" {
			return gemini.Input("Enter a search query")
		}
		if uq, err := url.QueryUnescape(q); err == nil {
			q = uq
		}
		return m.search(ctx, q)
	}

	name := strings.TrimPrefix(path.Clean("/"+rel), "/")
	if name == "" || name == "." {
		if m.main == "" {
			return gemini.Failure(gemini.StatusNotFound, "No main entry found in the archive")
		}
		return gemini.Redirect(path.Join(m.point, m.main))
	}

	data, err := fs.ReadFile(m.fsys, name)
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("mount", m.point).Str("entry", name).Msg("entry lookup failed")
		return gemini.Failure(gemini.StatusNotFound, name+": Not found")
	}

	ctype := mediaType(name)
	in := convert.Input{
		ContentType: ctype,
		Body:        data,
		LinksMode:   opts.LinksMode,
		Filters:     opts.Filters,
		MaxDocSize:  opts.MaxDocSize,
		Page: convert.PageOptions{
			Rewriter:   convert.Rewriter{ReqPath: "/" + name, MountPoint: m.point},
			Feathers:   opts.Feathers,
			Images:     opts.Images,
			BannedTags: opts.BannedTags,
		},
	}
	if convert.IsHTML(ctype) {
		in.Text = string(data)
		in.Body = nil
	}
	out, err := convert.Render(ctx, in)
	if err != nil {
		return gemini.Failure(gemini.StatusTemporaryFailure, "Geminification resulted in an empty document")
	}
	return gemini.Success(out.ContentType, out.Body)
}

func (m *Mount) search(ctx context.Context, q string) *gemini.Response {
	needle := []byte(strings.ToLower(q))
	var hits []string
	err := fs.WalkDir(m.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if bytes.Contains([]byte(strings.ToLower(p)), needle) || m.contains(p, needle) {
			hits = append(hits, p)
		}
		return nil
	})
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("mount", m.point).Msg("search failed")
		return gemini.Failure(gemini.StatusTemporaryFailure, "Failed to perform search for: "+q)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Found %d results for: %s\n\n", len(hits), q)
	for i, h := range hits {
		if i >= m.searchMax {
			break
		}
		fmt.Fprintf(&b, "=> %s %s\n", path.Join(m.point, h), h)
	}
	return gemini.Gemtext(b.String())
}

func (m *Mount) contains(name string, needle []byte) bool {
	mt := mediaType(name)
	if !strings.HasPrefix(mt, "text/") && !convert.IsHTML(mt) {
		return false
	}
	f, err := m.fsys.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, searchScanLimit))
	if err != nil {
		return false
	}
	return bytes.Contains(bytes.ToLower(data), needle)
}

// Set holds every configured mount.
type Set []*Mount

// OpenAll opens every mount. A mount that fails to open is logged and skipped.
func OpenAll(cfgs []Config) Set {
	var out Set
	for _, c := range cfgs {
		m, err := Open(c)
		if err != nil {
			log.Error().Err(err).Str("mount", c.Path).Msg("mount skipped")
			continue
		}
		out = append(out, m)
	}
	return out
}

// Lookup returns the mount owning reqPath.
func (s Set) Lookup(reqPath string) (*Mount, bool) {
	for _, m := range s {
		if m.Owns(reqPath) {
			return m, true
		}
	}
	return nil, false
}

// Close closes every mount.
func (s Set) Close() error {
	var errs []error
	for _, m := range s {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
