package credential

import (
	"bufio"
	"os"
	"strings"
)

// FileSource reads one token per line from a file, skipping blanks and
// #-comments, then appends configured backup tokens not already present.
// A missing file is not an error: the backup tokens alone are returned.
type FileSource struct {
	Path   string
	Backup []string
}

// Load implements Source.
func (s *FileSource) Load() ([]string, error) {
	var tokens []string
	seen := make(map[string]struct{})

	add := func(tok string) {
		tok = strings.TrimSpace(tok)
		if tok == "" || strings.HasPrefix(tok, "#") {
			return
		}
		if _, dup := seen[tok]; dup {
			return
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}

	if s.Path != "" {
		f, err := os.Open(s.Path)
		switch {
		case err == nil:
			sc := bufio.NewScanner(f)
			for sc.Scan() {
				add(sc.Text())
			}
			scanErr := sc.Err()
			f.Close()
			if scanErr != nil {
				return nil, scanErr
			}
		case os.IsNotExist(err):
			// fall through to backups
		default:
			return nil, err
		}
	}

	for _, tok := range s.Backup {
		add(tok)
	}
	return tokens, nil
}
