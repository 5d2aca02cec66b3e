package memline

import "github.com/pkg/errors"

// Marks flag lines in their data block so that a command can visit every
// marked line once, even while lines are inserted and deleted.

// SetMarked marks line lnum.
func (m *Memline) SetMarked(lnum int) error {
	if err := m.usable(); err != nil {
		return err
	}
	if lnum < 1 || lnum > m.lineCount {
		return errors.Wrapf(ErrLineNotFound, "mark line %d of %d", lnum, m.lineCount)
	}
	if m.lowestMarked == 0 || m.lowestMarked > lnum {
		m.lowestMarked = lnum
	}
	dp, err := m.findLine(lnum, findFind)
	if err != nil {
		return err
	}
	dp.SetMarked(lnum-m.lockedLow, true)
	m.flags |= flagLockedDirty
	return nil
}

// FirstMarked clears the mark of the first marked line and returns its
// number, or 0 when no line is marked.
func (m *Memline) FirstMarked() (int, error) {
	if err := m.usable(); err != nil {
		return 0, err
	}
	if m.lowestMarked == 0 {
		return 0, nil
	}
	for lnum := m.lowestMarked; lnum <= m.lineCount; {
		dp, err := m.findLine(lnum, findFind)
		if err != nil {
			return 0, err
		}
		for i := lnum - m.lockedLow; lnum <= m.lockedHigh; i, lnum = i+1, lnum+1 {
			if dp.IsMarked(i) {
				dp.SetMarked(i, false)
				m.flags |= flagLockedDirty
				m.lowestMarked = lnum + 1
				return lnum, nil
			}
		}
	}
	return 0, nil
}

// ClearMarked removes every mark.
func (m *Memline) ClearMarked() error {
	if err := m.usable(); err != nil {
		return err
	}
	if m.lowestMarked == 0 {
		return nil
	}
	for lnum := m.lowestMarked; lnum <= m.lineCount; {
		dp, err := m.findLine(lnum, findFind)
		if err != nil {
			return err
		}
		for i := lnum - m.lockedLow; lnum <= m.lockedHigh; i, lnum = i+1, lnum+1 {
			if dp.IsMarked(i) {
				dp.SetMarked(i, false)
				m.flags |= flagLockedDirty
			}
		}
	}
	m.lowestMarked = 0
	return nil
}
