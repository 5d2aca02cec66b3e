// Package swapfile names, finds and inspects swap files on disk.
//
// A swap file name is derived from the edited file and one entry of the
// directory list:
//
//	"."       the file's own directory, with a dot prepended to the name
//	"./sub"   the directory sub below the file's directory
//	"dir//"   dir, with the file's full path encoded as "%home%user%f.txt"
//	"dir"     dir, with the tail of the file name
//
// The extension starts as ".swp" and is counted down (".swo", ".swn", ...)
// when the name is taken.
package swapfile

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

const (
	// Ext is the extension of the first swap file tried.
	Ext = ".swp"

	// baseNameLen is the longest file name tail kept before the extension.
	baseNameLen = 251
)

// MakeName returns the first swap file name for fname in dir. fname "" is a
// buffer without a name.
func MakeName(fname, dir string) string {
	if IsFullPathDir(dir) {
		return modName(percentName(dir, fname), Ext, false)
	}

	res := fname
	if fname != "" {
		if resolved, err := filepath.EvalSymlinks(fname); err == nil {
			res = resolved
		}
	}
	r := modName(res, Ext, dir == ".")
	return FileInDir(r, dir)
}

// IsFullPathDir reports whether dir ends in two path separators, which asks
// for the full path to be encoded in the swap file name.
func IsFullPathDir(dir string) bool {
	return len(dir) > 2 && strings.HasSuffix(dir, "//")
}

// FileInDir places fname in dir following the rules of the directory list:
// "." keeps fname, "./sub" puts it in sub below fname's directory, anything
// else puts the tail of fname in dir.
func FileInDir(fname, dir string) string {
	tail := filepath.Base(fname)
	switch {
	case dir == ".":
		return fname
	case strings.HasPrefix(dir, "./"):
		sub := dir[2:]
		if !strings.ContainsRune(fname, filepath.Separator) {
			return filepath.Join(sub, tail)
		}
		return filepath.Join(filepath.Dir(fname), sub, tail)
	default:
		return filepath.Join(dir, tail)
	}
}

// percentName encodes the full path of fname into a name below dir.
func percentName(dir, fname string) string {
	full := fname
	if fname != "" {
		if abs, err := filepath.Abs(fname); err == nil {
			full = abs
		}
	}
	return filepath.Join(dir, strings.ReplaceAll(full, string(filepath.Separator), "%"))
}

// modName appends ext to fname, truncating a long tail. With prependDot a
// dot is put in front of the tail unless it already starts with one. An
// empty fname gives ext in the current directory.
func modName(fname, ext string, prependDot bool) string {
	dir, tail := "", fname
	if fname == "" {
		prependDot = false
		tail = ""
	} else if i := strings.LastIndexByte(fname, filepath.Separator); i >= 0 {
		dir, tail = fname[:i+1], fname[i+1:]
	}
	if len(tail) > baseNameLen {
		tail = tail[:baseNameLen]
	}
	name := tail + ext
	if prependDot && !strings.HasPrefix(name, ".") {
		name = "." + name
	}
	if dir+name == fname {
		b := []byte(name)
		i := len(tail) - 1
		for i >= 0 && b[i] == '_' {
			i--
		}
		if i >= 0 {
			b[i] = '_'
		} else if len(b) > 0 {
			b[0] = 'v'
		}
		name = string(b)
	}
	return dir + name
}

// HomeReplace shortens a path below the current user's home directory to
// "~user/...", which stays valid when the same file is edited from another
// machine. It returns path unchanged when no user name is known or the
// result would not fit in max bytes.
func HomeReplace(path string, max int) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	rest, ok := strings.CutPrefix(path, home)
	if !ok || (rest != "" && rest[0] != filepath.Separator) {
		return path
	}
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return path
	}
	short := "~" + u.Username + rest
	if len(short) > max-1 {
		return path
	}
	return short
}

// ExpandHome expands a leading "~" or "~user" in path. Unknown users leave
// path unchanged.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	name, rest, _ := strings.Cut(path[1:], string(filepath.Separator))
	var home string
	if name == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		home = h
	} else {
		u, err := user.Lookup(name)
		if err != nil {
			return path
		}
		home = u.HomeDir
	}
	if rest == "" {
		return home
	}
	return filepath.Join(home, rest)
}

// SameDirectory reports whether a and b are in the same directory.
func SameDirectory(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	da, err := filepath.Abs(filepath.Dir(a))
	if err != nil {
		return false
	}
	db, err := filepath.Abs(filepath.Dir(b))
	if err != nil {
		return false
	}
	return da == db
}
