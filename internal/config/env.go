package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// expandEnv replaces ${VAR} and ${VAR:-default} in raw config bytes.
// A bare $ not followed by a brace is left alone so values like bcrypt
// hashes survive.
func expandEnv(b []byte) []byte {
	s := string(b)
	var out strings.Builder
	out.Grow(len(s))
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			out.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			out.WriteString(s)
			break
		}
		out.WriteString(s[:i])
		expr := s[i+2 : i+j]
		name, def, hasDef := strings.Cut(expr, ":-")
		v, ok := os.LookupEnv(strings.TrimSpace(name))
		if (!ok || v == "") && hasDef {
			v = def
		}
		out.WriteString(v)
		s = s[i+j+1:]
	}
	return []byte(out.String())
}
