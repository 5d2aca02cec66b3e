package memline

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// loadCheckEvery is the number of lines read between context checks.
const loadCheckEvery = 1024

// Load reads the file at path and appends its lines after the last line.
// When the buffer was empty the fileformat is detected from the file and the
// empty line is dropped. Reading does not count as a change. It returns the
// number of lines read.
func (m *Memline) Load(ctx context.Context, path string) (int, error) {
	if err := m.usable(); err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", path)
	}
	if err := m.flushLine(); err != nil {
		return 0, err
	}

	wasEmpty := m.IsEmpty()
	ff := m.ff
	if wasEmpty {
		ff = detectFormat(data, m.ff)
	}
	lines, noEOL := splitLines(data, ff)

	lnum := m.lineCount
	if wasEmpty {
		lnum = 0
	}
	for i, text := range lines {
		if i%loadCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return i, errors.Wrapf(err, "read %s", path)
			}
		}
		if len(text) > maxLineLen {
			return i, errors.Wrapf(ErrLineTooLong, "%s line %d", path, i+1)
		}
		if err := m.appendInt(lnum, text, true, false); err != nil {
			return i, err
		}
		lnum++
	}
	if wasEmpty && len(lines) > 0 {
		if err := m.deleteInt(m.lineCount); err != nil {
			return len(lines), err
		}
		m.ff = ff
		m.noEOL = noEOL
		m.setFlags()
	}
	if path == m.fname {
		m.updBlock0(ubFname)
	}
	m.log.Debug("file read", zap.String("file", path), zap.Int("lines", len(lines)),
		zap.Stringer("fileformat", ff), zap.Bool("noeol", noEOL))
	return len(lines), nil
}

// WriteTo writes the lines with the line ending of the fileformat. A NL in a
// line stands for a NUL in the file.
func (m *Memline) WriteTo(w io.Writer) (int64, error) {
	if err := m.usable(); err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(w)
	var n int64
	if !m.IsEmpty() {
		eol := m.ff.EOL()
		for lnum := 1; lnum <= m.lineCount; lnum++ {
			text, err := m.get(lnum)
			if err != nil {
				return n, err
			}
			k, err := bw.Write(bytes.ReplaceAll(text, []byte{'\n'}, []byte{0}))
			n += int64(k)
			if err != nil {
				return n, err
			}
			if lnum == m.lineCount && m.noEOL {
				break
			}
			k, err = bw.WriteString(eol)
			n += int64(k)
			if err != nil {
				return n, err
			}
		}
	}
	return n, bw.Flush()
}

// detectFormat guesses the fileformat of data: dos when every NL follows a
// CR, unix when there is another NL, mac when there are only CRs.
func detectFormat(data []byte, def FileFormat) FileFormat {
	nl := bytes.Count(data, []byte{'\n'})
	if nl > 0 {
		if bytes.Count(data, []byte("\r\n")) == nl {
			return FormatDos
		}
		return FormatUnix
	}
	if bytes.IndexByte(data, '\r') >= 0 {
		return FormatMac
	}
	return def
}

// splitLines splits data into lines for ff and converts NUL to NL. noEOL is
// set when the last line has no line ending.
func splitLines(data []byte, ff FileFormat) (lines [][]byte, noEOL bool) {
	sep := byte('\n')
	if ff == FormatMac {
		sep = '\r'
	}
	for len(data) > 0 {
		i := bytes.IndexByte(data, sep)
		var line []byte
		if i < 0 {
			line, data = data, nil
			noEOL = true
		} else {
			line, data = data[:i], data[i+1:]
			if ff == FormatDos && len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
		}
		lines = append(lines, bytes.ReplaceAll(line, []byte{0}, []byte{'\n'}))
	}
	return lines, noEOL
}
