package mount

import (
	"strings"

	"github.com/jacktea/strmsync/pkg/tree"
)

// DefaultMediaExtensions are turned into pointer files.
const DefaultMediaExtensions = ".mp4, .mkv, .ts, .iso,.rmvb, .avi, .mov, .mpeg,.mpg, .wmv, .3gp, .asf, .m4v, .flv, .m2ts, .strm,.tp, .f4v"

// SubtitleExtensions are copied when subtitle copying is enabled.
const SubtitleExtensions = ".srt, .ass, .ssa, .sub"

// Class tells the engine what to do with a remote file.
type Class int

const (
	ClassIgnored Class = iota
	ClassMedia
	ClassOther
	ClassSubtitle
)

func (c Class) String() string {
	switch c {
	case ClassMedia:
		return "media"
	case ClassOther:
		return "other"
	case ClassSubtitle:
		return "subtitle"
	default:
		return "ignored"
	}
}

// Classifier sorts paths by suffix.
type Classifier struct {
	media         map[string]struct{}
	other         map[string]struct{}
	subtitles     map[string]struct{}
	copyOther     bool
	copySubtitles bool
}

// ClassifierOptions configure a Classifier. Extension lists are comma
// separated; an empty MediaExtensions selects DefaultMediaExtensions.
type ClassifierOptions struct {
	MediaExtensions string
	OtherExtensions string
	CopyOther       bool
	CopySubtitles   bool
}

// NewClassifier builds a Classifier from opts.
func NewClassifier(opts ClassifierOptions) Classifier {
	media := opts.MediaExtensions
	if strings.TrimSpace(media) == "" {
		media = DefaultMediaExtensions
	}
	return Classifier{
		media:         ParseExtensions(media),
		other:         ParseExtensions(opts.OtherExtensions),
		subtitles:     ParseExtensions(SubtitleExtensions),
		copyOther:     opts.CopyOther,
		copySubtitles: opts.CopySubtitles,
	}
}

// Classify returns the class of p. Media wins over other, other over
// subtitle; copy classes are only returned when their copying is enabled.
func (c Classifier) Classify(p string) Class {
	ext := strings.ToLower(tree.Suffix(p))
	if ext == "" {
		return ClassIgnored
	}
	if _, ok := c.media[ext]; ok {
		return ClassMedia
	}
	if _, ok := c.other[ext]; ok && c.copyOther {
		return ClassOther
	}
	if _, ok := c.subtitles[ext]; ok && c.copySubtitles {
		return ClassSubtitle
	}
	return ClassIgnored
}

// ParseExtensions splits a comma separated list into a lower-cased set.
// Entries without a leading dot get one.
func ParseExtensions(list string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, ext := range strings.Split(list, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}
