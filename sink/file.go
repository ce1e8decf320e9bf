// Package sink delivers polling rounds to their consumers.
package sink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/chzchzchz/emgrx/flex"
)

// ControlFile rewrites a one-line CSV of flexed states every round. The file
// is replaced atomically so a reader never sees a partial line.
type ControlFile struct {
	Path  string
	Order []string
}

func NewControlFile(path string, order []string) *ControlFile {
	if len(order) == 0 {
		order = flex.DefaultOrder
	}
	return &ControlFile{Path: path, Order: order}
}

func (c *ControlFile) Emit(_ context.Context, r flex.Round) error {
	return writeAtomic(c.Path, []byte(flex.CSVLine(r, c.Order)+"\n"))
}

// BitmaskFile rewrites the decimal bitmask of flexed arms every round.
type BitmaskFile struct {
	Path string
	Bits map[string]uint8
}

func (b *BitmaskFile) Emit(_ context.Context, r flex.Round) error {
	mask := flex.Bitmask(r, b.Bits)
	return writeAtomic(b.Path, []byte(strconv.Itoa(int(mask))+"\n"))
}

func writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	return os.Rename(f.Name(), path)
}

// Multi emits to every sink, even after one fails.
type Multi []flex.Sink

func (m Multi) Emit(ctx context.Context, r flex.Round) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
