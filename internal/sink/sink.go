// Package sink implements the output collaborators:
// the Sink contract every pipeline stage reports its results to, plus a
// line-delimited JSON implementation (also used as internal/replay's input
// format) and a human-readable text implementation.
package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ivoronin/dupedog/internal/treemerge"
	"github.com/ivoronin/dupedog/internal/types"
)

// Record is one other-lint entry (its lint_kind records that
// aren't duplicate candidates): empty files/dirs, bad links, bad
// uid/gid, non-stripped binaries.
type Record struct {
	Path string
	Kind types.LintKind
	Size int64
}

// Group is one confirmed duplicate set, named to avoid colliding with
// types.DuplicateGroup while still mapping onto it directly.
type Group struct {
	Original  string
	Duplicates []string
	Size      int64
}

// Sink receives the pipeline's output. Calls come from a single goroutine
// (shredder and treemerge each drive their own concurrency internally but
// report results through one collector), so implementations do no locking
// of their own.
type Sink interface {
	Lint(Record) error
	Duplicates(Group) error
	DuplicateDirectory(treemerge.Dir, bool) error
	Close() error
}

// GroupFromTypes converts a confirmed types.DuplicateGroup into the sink's
// flat Group shape, picking orig as the chain-selected original.
func GroupFromTypes(dg types.DuplicateGroup, orig *types.FileInfo) Group {
	g := Group{Original: orig.Path, Size: orig.EffectiveSize()}
	for _, sg := range dg.Items() {
		for _, f := range sg.Items() {
			if f == orig {
				continue
			}
			g.Duplicates = append(g.Duplicates, f.Path)
		}
	}
	return g
}

// jsonRecord is the wire shape for the line-delimited JSON sink, tagged with
// a discriminator so internal/replay can tell record kinds apart.
type jsonRecord struct {
	Type       string          `json:"type"`
	Path       string          `json:"path,omitempty"`
	Lint       string          `json:"lint,omitempty"`
	Size       int64           `json:"size,omitempty"`
	Original   string          `json:"original,omitempty"`
	Duplicates []string        `json:"duplicates,omitempty"`
	Dir        *jsonDirRecord  `json:"directory,omitempty"`
}

type jsonDirRecord struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mtime"`
	IsOriginal bool      `json:"is_original"`
}

// JSONSink writes one JSON object per line, the format internal/replay
// consumes to resume a previous run's results under a new configuration.
type JSONSink struct {
	w   io.Writer
	enc *json.Encoder
}

// NewJSONSink wraps w as a line-delimited JSON sink.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{w: w, enc: json.NewEncoder(w)}
}

func (s *JSONSink) Lint(r Record) error {
	return s.enc.Encode(jsonRecord{Type: "lint", Path: r.Path, Lint: r.Kind.String(), Size: r.Size})
}

func (s *JSONSink) Duplicates(g Group) error {
	return s.enc.Encode(jsonRecord{Type: "duplicate", Original: g.Original, Duplicates: g.Duplicates, Size: g.Size})
}

func (s *JSONSink) DuplicateDirectory(d treemerge.Dir, isOriginal bool) error {
	return s.enc.Encode(jsonRecord{Type: "duplicate_dir", Dir: &jsonDirRecord{
		Path: d.Path, Size: d.Size, ModTime: d.ModTime, IsOriginal: isOriginal,
	}})
}

func (s *JSONSink) Close() error { return nil }

// TextSink writes a human-readable report in a
// DedupeResult.String() summary-plus-detail style.
type TextSink struct {
	w io.Writer
}

// NewTextSink wraps w as a human-readable text sink.
func NewTextSink(w io.Writer) *TextSink { return &TextSink{w: w} }

func (s *TextSink) Lint(r Record) error {
	_, err := fmt.Fprintf(s.w, "%-20s %s (%s)\n", r.Kind.String(), r.Path, humanize.IBytes(uint64(r.Size)))
	return err
}

func (s *TextSink) Duplicates(g Group) error {
	if _, err := fmt.Fprintf(s.w, "%s (%s)\n", g.Original, humanize.IBytes(uint64(g.Size))); err != nil {
		return err
	}
	for _, d := range g.Duplicates {
		if _, err := fmt.Fprintf(s.w, "  == %s\n", d); err != nil {
			return err
		}
	}
	return nil
}

func (s *TextSink) DuplicateDirectory(d treemerge.Dir, isOriginal bool) error {
	marker := "=="
	if isOriginal {
		marker = "<>"
	}
	_, err := fmt.Fprintf(s.w, "  %s %s/ (%s)\n", marker, d.Path, humanize.IBytes(uint64(d.Size)))
	return err
}

func (s *TextSink) Close() error { return nil }

// MultiSink fans out to multiple sinks, useful for simultaneously writing a
// human-readable report and a replay-capable JSON log.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink returns a Sink that forwards every call to each of sinks.
func NewMultiSink(sinks ...Sink) *MultiSink { return &MultiSink{sinks: sinks} }

func (m *MultiSink) Lint(r Record) error {
	for _, s := range m.sinks {
		if err := s.Lint(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiSink) Duplicates(g Group) error {
	for _, s := range m.sinks {
		if err := s.Duplicates(g); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiSink) DuplicateDirectory(d treemerge.Dir, isOriginal bool) error {
	for _, s := range m.sinks {
		if err := s.DuplicateDirectory(d, isOriginal); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiSink) Close() error {
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}
