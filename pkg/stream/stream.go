// Package stream merges a provider's fragment sequence into a single reply.
package stream

import (
	"context"
	"iter"
	"regexp"
	"strings"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// Fragment is one incremental piece of a streamed model response.
type Fragment struct {
	// Content is the primary text delta. It may contain inline <think> markup.
	Content string
	// Reasoning is the delta on the separate reasoning channel, if any.
	Reasoning string
}

// Seq is the shape every provider stream takes. A non-nil error ends the
// sequence.
type Seq = iter.Seq2[Fragment, error]

// FromSlice returns a Seq that yields frags in order, then err if non-nil.
func FromSlice(frags []Fragment, err error) Seq {
	return func(yield func(Fragment, error) bool) {
		for _, f := range frags {
			if !yield(f, nil) {
				return
			}
		}
		if err != nil {
			yield(Fragment{}, err)
		}
	}
}

// Result is what Merge accumulated.
type Result struct {
	Content   string
	Reasoning string
}

// Merge drains seq. For every fragment, onFragment receives the visible part
// of the content delta exactly once, possibly as an empty string. onReasoning,
// when set, receives the cumulative reasoning text each time it grows. Text
// inside <think> markers counts as reasoning; markers may span fragments.
// Text held back as a possible marker when the stream ends is forwarded in
// one extra onFragment call, so the deltas always concatenate to
// Result.Content.
//
// On error the partial result is discarded.
func Merge(ctx context.Context, seq Seq, onFragment func(string), onReasoning func(string)) (Result, error) {
	var (
		content   strings.Builder
		reasoning strings.Builder
		filter    thinkFilter
	)

	for frag, err := range seq {
		if err != nil {
			return Result{}, err
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		before := reasoning.Len()
		reasoning.WriteString(frag.Reasoning)

		visible, hidden := filter.feed(frag.Content)
		reasoning.WriteString(hidden)
		content.WriteString(visible)

		if onReasoning != nil && reasoning.Len() > before {
			onReasoning(reasoning.String())
		}
		if onFragment != nil {
			onFragment(visible)
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	visible, hidden := filter.flush()
	content.WriteString(visible)
	if visible != "" && onFragment != nil {
		onFragment(visible)
	}
	if hidden != "" {
		reasoning.WriteString(hidden)
		if onReasoning != nil {
			onReasoning(reasoning.String())
		}
	}

	return Result{Content: content.String(), Reasoning: reasoning.String()}, nil
}

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinking removes every paired <think> block from a complete response
// and trims surrounding whitespace.
func StripThinking(text string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(text, ""))
}

// ExtractThinking returns the concatenated bodies of every paired <think> block.
func ExtractThinking(text string) string {
	var b strings.Builder
	for _, m := range thinkBlock.FindAllString(text, -1) {
		b.WriteString(m[len(thinkOpen) : len(m)-len(thinkClose)])
	}
	return b.String()
}

// thinkFilter splits a content stream into visible and <think> text. A marker
// split across two fragments is held back until it can be resolved.
type thinkFilter struct {
	inside  bool
	pending string
}

func (f *thinkFilter) feed(delta string) (visible, hidden string) {
	buf := f.pending + delta
	f.pending = ""

	var vis, hid strings.Builder
	for buf != "" {
		marker := thinkOpen
		if f.inside {
			marker = thinkClose
		}
		out := &vis
		if f.inside {
			out = &hid
		}

		if i := strings.Index(buf, marker); i >= 0 {
			out.WriteString(buf[:i])
			buf = buf[i+len(marker):]
			f.inside = !f.inside
			continue
		}

		keep := partialSuffix(buf, marker)
		out.WriteString(buf[:len(buf)-keep])
		f.pending = buf[len(buf)-keep:]
		break
	}
	return vis.String(), hid.String()
}

// flush releases anything held back once the stream has ended. An unclosed
// <think> block is treated as reasoning.
func (f *thinkFilter) flush() (visible, hidden string) {
	p := f.pending
	f.pending = ""
	if f.inside {
		return "", p
	}
	return p, ""
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of marker.
func partialSuffix(s, marker string) int {
	n := len(marker) - 1
	if n > len(s) {
		n = len(s)
	}
	for ; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}
