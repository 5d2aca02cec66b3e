package main

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"

	"github.com/oda/memline/pkg/memline"
)

// openOutput opens path for writing, "-" meaning stdout, optionally through
// an xz compressor. The returned function flushes and closes everything.
func openOutput(path string, compress bool) (io.Writer, func() error, error) {
	var f *os.File
	if path == "" || path == "-" {
		f = os.Stdout
	} else {
		var err error
		if f, err = os.Create(path); err != nil {
			return nil, nil, err
		}
	}
	closeFile := func() error {
		if f == os.Stdout {
			return nil
		}
		return f.Close()
	}

	bw := bufio.NewWriter(f)
	if !compress {
		return bw, func() error {
			err := bw.Flush()
			if cerr := closeFile(); err == nil {
				err = cerr
			}
			return err
		}, nil
	}

	zw, err := xz.NewWriter(bw)
	if err != nil {
		closeFile()
		return nil, nil, errors.Wrap(err, "failed to create xz writer")
	}
	return zw, func() error {
		err := zw.Close()
		if ferr := bw.Flush(); err == nil {
			err = ferr
		}
		if cerr := closeFile(); err == nil {
			err = cerr
		}
		return err
	}, nil
}

// writeOutput writes the lines of ml to path.
func writeOutput(path string, compress bool, ml *memline.Memline) error {
	w, closeOut, err := openOutput(path, compress)
	if err != nil {
		return err
	}
	if _, err := ml.WriteTo(w); err != nil {
		closeOut()
		return err
	}
	return closeOut()
}
