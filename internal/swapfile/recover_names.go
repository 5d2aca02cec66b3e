package swapfile

import (
	"os"
	"path/filepath"
	"sort"
)

// RecoverNames lists the swap files that may belong to fname, searching each
// directory of dirs. With fname "" every swap file in the directories is
// listed. The swap file named current, in use by the caller, is left out.
func RecoverNames(fname string, dirs []string, current string) ([]string, error) {
	res := fname
	if fname != "" {
		if resolved, err := filepath.EvalSymlinks(fname); err == nil {
			res = resolved
		}
	}

	seen := make(map[string]bool)
	var found []string
	for i, dir := range dirs {
		if dir == "" {
			continue
		}
		dir = ExpandHome(dir)
		patterns := recoverPatterns(res, dir)

		var files []string
		for _, p := range patterns {
			matches, err := filepath.Glob(p)
			if err != nil {
				return nil, err
			}
			files = append(files, matches...)
		}

		// Globbing may fail on odd names; try the plain name in the last
		// directory.
		if i == len(dirs)-1 && len(found)+len(files) == 0 && fname != "" {
			name := modName(res, Ext, true)
			if _, err := os.Stat(name); err == nil {
				files = append(files, name)
			}
		}

		sort.Strings(files)
		for _, f := range files {
			if seen[f] || (current != "" && sameFile(f, current)) {
				continue
			}
			if st, err := os.Stat(f); err != nil || st.IsDir() {
				continue
			}
			seen[f] = true
			found = append(found, f)
		}
	}
	return found, nil
}

func recoverPatterns(fname, dir string) []string {
	if fname == "" {
		if dir == "." {
			return []string{"*.sw?", ".*.sw?", ".sw?"}
		}
		return []string{
			filepath.Join(dir, "*.sw?"),
			filepath.Join(dir, ".*.sw?"),
			filepath.Join(dir, ".sw?"),
		}
	}
	if dir == "." {
		return fileNamePatterns(fname, true)
	}
	var base string
	if IsFullPathDir(dir) {
		base = percentName(dir, fname)
	} else {
		base = filepath.Join(dir, filepath.Base(fname))
	}
	return fileNamePatterns(base, false)
}

// fileNamePatterns returns the glob patterns for the swap files of path,
// optionally including the dotted form used in the file's own directory.
func fileNamePatterns(path string, prependDot bool) []string {
	plain := path + ".sw?"
	if !prependDot {
		return []string{plain}
	}
	dotted := modName(path, ".sw?", true)
	if dotted == plain {
		return []string{plain}
	}
	return []string{dotted, plain}
}

func sameFile(a, b string) bool {
	sa, err := os.Stat(a)
	if err != nil {
		return false
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(sa, sb)
}
