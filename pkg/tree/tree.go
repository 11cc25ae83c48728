// Package tree parses the indentation-based directory listings produced by the
// remote store's bulk "export tree" feature.
//
// An export looks like:
//
//	|——root
//	| |-Movies
//	| | |-Alien (1979)
//	| | | |-Alien.mkv
//
// Every meaningful line starts with one or more "| " groups followed by "|-".
// Anything else (headers, blank lines, footers) is noise and is skipped.
package tree

import (
	"iter"
	"path"
	"regexp"
	"strings"
)

var linePrefix = regexp.MustCompile(`^(?:\| )+\|-`)

var driveRoot = regexp.MustCompile(`^[A-Za-z]:/?$`)

// Parse returns the absolute path of every matched line in content, in
// document order. Directories and files are not distinguished; see Files.
//
// The path stack is seeded with the parent of basePath, so the first matched
// line of an export (depth 1) is the exported directory itself.
func Parse(content, basePath string) iter.Seq[string] {
	return func(yield func(string) bool) {
		stack := []string{seed(basePath)}
		for line := range lines(content) {
			prefix := linePrefix.FindString(line)
			if prefix == "" {
				continue
			}
			depth := len(prefix)/2 - 1
			name := strings.TrimSpace(strings.TrimSpace(line)[len(prefix):])
			if depth < len(stack) {
				stack[depth] = name
				stack = stack[:depth+1]
			} else {
				stack = append(stack, name)
			}
			if !yield(strings.ReplaceAll(join(stack), `\`, "/")) {
				return
			}
		}
	}
}

// Files is Parse restricted to file-like leaves: paths whose final element
// carries a non-empty suffix.
func Files(content, basePath string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for p := range Parse(content, basePath) {
			if Suffix(p) == "" {
				continue
			}
			if !yield(p) {
				return
			}
		}
	}
}

// Suffix returns the extension of the final path element, including the dot.
// Names that start with a dot or end with one have no suffix.
func Suffix(p string) string {
	name := path.Base(strings.ReplaceAll(p, `\`, "/"))
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return ""
	}
	return name[i:]
}

func seed(basePath string) string {
	base := strings.ReplaceAll(strings.TrimSpace(basePath), `\`, "/")
	if base == "" || base == "/" || driveRoot.MatchString(base) {
		return "/"
	}
	if len(base) > 1 {
		base = strings.TrimRight(base, "/")
	}
	parent := path.Dir(base)
	if parent == "." {
		return "/"
	}
	return parent
}

// join concatenates segments the way a POSIX path join does: a segment that
// starts with "/" restarts the path.
func join(segments []string) string {
	var out string
	for _, s := range segments {
		switch {
		case strings.HasPrefix(s, "/"):
			out = s
		case out == "" || strings.HasSuffix(out, "/"):
			out += s
		default:
			out += "/" + s
		}
	}
	return out
}

// lines splits on \n, \r\n and \r without any line-length limit.
func lines(content string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for len(content) > 0 {
			i := strings.IndexAny(content, "\r\n")
			if i < 0 {
				yield(content)
				return
			}
			line := content[:i]
			next := i + 1
			if content[i] == '\r' && next < len(content) && content[next] == '\n' {
				next++
			}
			content = content[next:]
			if !yield(line) {
				return
			}
		}
	}
}
