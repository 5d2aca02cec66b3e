package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oda/memline/internal/block"
	"github.com/oda/memline/internal/memfile"
	"github.com/oda/memline/internal/swapfile"
)

// dumpSwap prints block 0 and the tree of pointer and data blocks of the
// swap file name, one block per line, indented by depth.
func dumpSwap(w io.Writer, name string, log *zap.Logger) error {
	h, err := swapfile.ReadHeader(name)
	if err != nil {
		return err
	}
	if err := swapfile.CheckHeader(h); err != nil && !errors.Is(err, swapfile.ErrGarbled) {
		return errors.Wrap(err, name)
	}

	mf, err := memfile.Open(name, memfile.Options{
		PageSize: block.MinPageSize,
		ReadOnly: true,
		Logger:   log,
	})
	if err != nil {
		return errors.Wrapf(swapfile.ErrCannotOpen, "%s: %v", name, err)
	}
	defer mf.Close(false)
	if err := mf.SetPageSize(h.PageSize()); err != nil {
		return errors.Wrapf(err, "%s has been damaged", name)
	}

	fmt.Fprintf(w, "block 0: version %q, page size %d, %d blocks, file %q\n",
		h.Version(), h.PageSize(), mf.MaxBlock(), h.Fname())
	d := &dumper{w: w, mf: mf, seen: make(map[block.ID]bool)}
	d.walk(block.RootBlock, 1, 0, -1)
	fmt.Fprintf(w, "%d lines in %d data blocks, %d pointer blocks\n", d.lines, d.data, d.pointers)
	return nil
}

type dumper struct {
	w    io.Writer
	mf   *memfile.Memfile
	seen map[block.ID]bool

	lines, data, pointers int64
}

// walk prints block id; want is the line count the parent expects, -1 for
// the root.
func (d *dumper) walk(id block.ID, pages, depth int, want int64) {
	indent := strings.Repeat("  ", depth)
	if !id.Assigned() {
		fmt.Fprintf(d.w, "%sblock %s: not in the swap file, %d lines\n", indent, id, want)
		return
	}
	if d.seen[id] {
		fmt.Fprintf(d.w, "%sblock %s: already visited\n", indent, id)
		return
	}
	d.seen[id] = true
	if pages < 1 || int64(pages) > d.mf.MaxBlock()-id.Num() {
		fmt.Fprintf(d.w, "%sblock %s: %d pages beyond the end of the file\n", indent, id, pages)
		return
	}

	b, err := d.mf.Get(id, pages)
	if err != nil {
		fmt.Fprintf(d.w, "%sblock %s: %v\n", indent, id, err)
		return
	}
	defer d.mf.Put(b, false, false)

	data := b.Data()
	switch block.Kind(data) {
	case block.PointerID:
		pp := block.NewPointerBlock(data, false)
		d.pointers++
		fmt.Fprintf(d.w, "%spointer %s: %d entries, %d lines%s\n",
			indent, id, pp.Count(), pp.LineTotal(), mismatch(pp.LineTotal(), want))
		n := min(pp.Count(), block.CountMaxFor(len(data)))
		for i := 0; i < n; i++ {
			e, err := pp.Entry(i)
			if err != nil {
				fmt.Fprintf(d.w, "%s  entry %d: %v\n", indent, i, err)
				continue
			}
			d.walk(e.Block, e.PageCount, depth+1, e.LineCount)
		}
	case block.DataID:
		dp := block.NewDataBlock(data, false)
		d.data++
		d.lines += int64(dp.LineCount())
		fmt.Fprintf(d.w, "%sdata %s: %d pages, %d lines, %d bytes free%s\n",
			indent, id, pages, dp.LineCount(), dp.Free(), mismatch(int64(dp.LineCount()), want))
	default:
		fmt.Fprintf(d.w, "%sblock %s: unknown id %#04x\n", indent, id, block.Kind(data))
	}
}

func mismatch(got, want int64) string {
	if want < 0 || got == want {
		return ""
	}
	return fmt.Sprintf(" (parent says %d)", want)
}
