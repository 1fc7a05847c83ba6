package source

import (
	"context"
	"fmt"

	"github.com/abramin/annoscan/internal/classfile"
	"github.com/abramin/annoscan/internal/classindex"
)

// IndexResult is what BuildIndex collected.
type IndexResult struct {
	Index   *classindex.Index
	Corrupt []string
	Failed  []string
}

// indexStreamer decodes streamed class files into an index.
type indexStreamer struct {
	res *IndexResult
}

func (s *indexStreamer) Want(string) bool { return true }

func (s *indexStreamer) Stream(className string, data []byte) {
	c, err := classfile.Decode(data)
	if err != nil || c.Name != className {
		s.res.Corrupt = append(s.res.Corrupt, className)
		return
	}
	s.res.Index.Add(c)
}

func (s *indexStreamer) StreamIndexed(c *classfile.Class) {
	s.res.Index.Add(c)
}

func (s *indexStreamer) Failed(className string, _ error) {
	s.res.Failed = append(s.res.Failed, className)
}

// BuildIndex reads every class of src into an index of the given format.
// Classes that cannot be read or decoded are listed, not indexed. src is
// opened and closed.
func BuildIndex(ctx context.Context, src ClassSource, format classindex.Format) (res *IndexResult, err error) {
	if err := src.Open(); err != nil {
		return nil, err
	}
	defer func() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing %s: %w", src.Name(), cerr)
		}
	}()

	res = &IndexResult{Index: classindex.New(format)}
	if err := src.ScanClasses(ctx, &indexStreamer{res: res}); err != nil {
		return nil, err
	}
	return res, nil
}
