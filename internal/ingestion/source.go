package ingestion

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultMaxRecordBytes = 64 << 20

// Fragment is one record-sized chunk of a source file after mapping.
// Err is set when the chunk could not be decoded; Records is then empty.
type Fragment struct {
	Source  string
	Records []*Record
	Err     error
}

// Source streams fragments out of a set of XML files.
type Source struct {
	Files          []string
	Mapper         *Mapper
	MaxRecordBytes int
	Logger         *logrus.Logger
}

// FileError reports a file that could not be read to the end. Records
// before the failure point have already been delivered.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// Each calls fn for every fragment of every file, in file order. A file
// that fails mid-way is reported through onFileError and skipped; only an
// error from fn or ctx cancellation stops the walk.
func (s *Source) Each(ctx context.Context, fn func(*Fragment) error, onFileError func(*FileError)) error {
	for _, path := range s.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.eachInFile(ctx, path, fn)
		if fe, ok := err.(*FileError); ok {
			if s.Logger != nil {
				s.Logger.WithError(fe.Err).WithField("file", path).Warn("Skipping rest of unreadable source file")
			}
			if onFileError != nil {
				onFileError(fe)
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) eachInFile(ctx context.Context, path string, fn func(*Fragment) error) error {
	f, err := os.Open(path)
	if err != nil {
		return &FileError{Path: path, Err: err}
	}
	defer f.Close()
	return s.EachInReader(ctx, f, filepath.Base(path), fn)
}

// EachInReader splits r into record fragments and maps each one.
func (s *Source) EachInReader(ctx context.Context, r io.Reader, name string, fn func(*Fragment) error) error {
	limit := s.MaxRecordBytes
	if limit <= 0 {
		limit = defaultMaxRecordBytes
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), limit)
	scanner.Split(scanRecords(s.Mapper.RootTags()))

	ordinal := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		ordinal++
		frag := &Fragment{Source: fmt.Sprintf("%s:%d", name, ordinal)}
		el, err := parseElement(scanner.Bytes())
		if err != nil {
			frag.Err = err
		} else {
			frag.Records = s.Mapper.Map(el, frag.Source)
		}
		if err := fn(frag); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &FileError{Path: name, Err: err}
	}
	return nil
}

// Dispatch runs handle over every fragment with a bounded worker pool.
// The first error returned by handle cancels the rest.
func Dispatch(ctx context.Context, src *Source, workers int, handle func(context.Context, *Fragment) error, onFileError func(*FileError)) error {
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	frags := make(chan *Fragment, workers*2)

	g.Go(func() error {
		defer close(frags)
		return src.Each(gctx, func(f *Fragment) error {
			select {
			case frags <- f:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}, onFileError)
	})

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for f := range frags {
				if err := handle(gctx, f); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
