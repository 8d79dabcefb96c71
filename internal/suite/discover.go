package suite

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/Laisky/errors/v2"
	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPattern is applied beneath directory arguments.
const DefaultPattern = "**/*.{yaml,yml,json}"

// Discover expands files, directories and doublestar globs into a sorted, de-duplicated
// list of suite files. A glob or directory that matches nothing is an error.
func Discover(args ...string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, arg := range args {
		pattern := arg
		if st, err := os.Stat(arg); err == nil {
			if !st.IsDir() {
				if !seen[arg] {
					seen[arg] = true
					out = append(out, arg)
				}
				continue
			}
			pattern = filepath.ToSlash(filepath.Join(arg, DefaultPattern))
		}
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, errors.Wrapf(err, "expand %s", arg)
		}
		if len(matches) == 0 {
			return nil, errors.Errorf("no test files match %s", arg)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out, nil
}
