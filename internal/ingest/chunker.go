package ingest

import (
	"strings"

	"github.com/lorekeep/lorekeep/pkg/knowledge"
	"github.com/lorekeep/lorekeep/pkg/types"
)

// Default chunk budgets, in estimated tokens.
const (
	defaultTargetTokens = 400
	defaultMinTokens    = 120
	defaultMaxTokens    = 600

	charsPerToken = 4
)

// estimateTokens approximates the token cost of one utterance or paragraph.
// The +4 absorbs the speaker label and line framing, mirroring how the chat
// history budget estimates messages.
func estimateTokens(s string) int {
	return len(s)/charsPerToken + 4
}

// Chunker packs session content into retrieval-sized chunks. The zero value
// uses the default budgets.
//
// Transcript chunking is greedy utterance packing: segments accumulate until
// the target is reached, cuts happen only at segment boundaries, and a
// segment that would push past the hard maximum starts a new chunk. A
// trailing fragment below the minimum is folded into its predecessor when
// the pair still fits. Narrative chunking splits on markdown headings first,
// then packs paragraphs within each section under the same budgets.
type Chunker struct {
	// TargetTokens is the packing goal per chunk. Default 400.
	TargetTokens int

	// MinTokens is the smallest chunk worth keeping on its own. Default 120.
	MinTokens int

	// MaxTokens is the hard ceiling. Only a single oversized segment or
	// paragraph may exceed it, since neither is ever split. Default 600.
	MaxTokens int
}

func (c Chunker) budgets() (target, minTok, maxTok int) {
	target, minTok, maxTok = c.TargetTokens, c.MinTokens, c.MaxTokens
	if target <= 0 {
		target = defaultTargetTokens
	}
	if minTok <= 0 {
		minTok = defaultMinTokens
	}
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return target, minTok, maxTok
}

// ChunkTranscript packs segments into chunks carrying dominant speaker,
// dominant character, kind, and the time span they cover. Segments with no
// text are dropped. ID, campaign, session, sequence and content hash are
// left for the ingester to assign.
func (c Chunker) ChunkTranscript(segments []types.Segment) []knowledge.Chunk {
	target, minTok, maxTok := c.budgets()

	kept := make([]types.Segment, 0, len(segments))
	for _, seg := range segments {
		if strings.TrimSpace(seg.Text) != "" {
			kept = append(kept, seg)
		}
	}
	if len(kept) == 0 {
		return nil
	}

	costs := make([]int, len(kept))
	for i, seg := range kept {
		costs[i] = estimateTokens(formatUtterance(seg))
	}
	groups := mergeTrailing(pack(costs, target, maxTok), costs, minTok, maxTok)

	chunks := make([]knowledge.Chunk, 0, len(groups))
	for _, g := range groups {
		chunks = append(chunks, buildTranscriptChunk(kept[g[0]:g[len(g)-1]+1]))
	}
	return chunks
}

// ChunkNarrative splits a narrative body on markdown headings, then packs
// each section's paragraphs. Continuation pieces of a split section are
// prefixed with the section heading so every chunk stands alone.
func (c Chunker) ChunkNarrative(body string) []knowledge.Chunk {
	target, minTok, maxTok := c.budgets()

	var chunks []knowledge.Chunk
	for _, sec := range splitSections(body) {
		costs := make([]int, len(sec.paras))
		for i, p := range sec.paras {
			costs[i] = estimateTokens(p)
		}
		groups := mergeTrailing(pack(costs, target, maxTok), costs, minTok, maxTok)

		for gi, g := range groups {
			content := strings.Join(sec.paras[g[0]:g[len(g)-1]+1], "\n\n")
			if gi > 0 && sec.heading != "" {
				content = sec.heading + "\n\n" + content
			}
			chunks = append(chunks, knowledge.Chunk{
				Content: content,
				Kind:    "narrative",
			})
		}
	}
	return chunks
}

// pack greedily groups item indices: a group is cut once it reaches target,
// or earlier when the next item would push it past max. Groups hold
// consecutive indices.
func pack(costs []int, target, maxTok int) [][]int {
	var groups [][]int
	var cur []int
	curTokens := 0

	for i, cost := range costs {
		if len(cur) > 0 && curTokens+cost > maxTok {
			groups = append(groups, cur)
			cur, curTokens = nil, 0
		}
		cur = append(cur, i)
		curTokens += cost
		if curTokens >= target {
			groups = append(groups, cur)
			cur, curTokens = nil, 0
		}
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// mergeTrailing folds a final group smaller than min into its predecessor
// when the combined size stays within max.
func mergeTrailing(groups [][]int, costs []int, minTok, maxTok int) [][]int {
	n := len(groups)
	if n < 2 {
		return groups
	}
	last := groupCost(groups[n-1], costs)
	if last >= minTok || groupCost(groups[n-2], costs)+last > maxTok {
		return groups
	}
	groups[n-2] = append(groups[n-2], groups[n-1]...)
	return groups[:n-1]
}

func groupCost(group []int, costs []int) int {
	total := 0
	for _, i := range group {
		total += costs[i]
	}
	return total
}

func formatUtterance(seg types.Segment) string {
	label := seg.Character
	if label == "" {
		label = seg.Speaker
	}
	if label == "" {
		label = "unknown"
	}
	return "[" + label + "]: " + seg.Text
}

func buildTranscriptChunk(segs []types.Segment) knowledge.Chunk {
	var sb strings.Builder
	speakers := make(map[string]int)
	characters := make(map[string]int)
	var ic, ooc int

	for i, seg := range segs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(formatUtterance(seg))

		if seg.Speaker != "" {
			speakers[seg.Speaker]++
		}
		if seg.Character != "" {
			characters[seg.Character]++
		}
		switch seg.Kind {
		case types.KindIC:
			ic++
		case types.KindOOC:
			ooc++
		}
	}

	return knowledge.Chunk{
		Content:   sb.String(),
		Speaker:   dominant(speakers),
		Character: dominant(characters),
		Kind:      chunkKind(ic, ooc),
		StartTime: segs[0].Start,
		EndTime:   segs[len(segs)-1].End,
	}
}

// chunkKind maps segment tallies to a chunk kind. A chunk with no
// classified segments counts as mixed.
func chunkKind(ic, ooc int) string {
	switch {
	case ic > 0 && ooc == 0:
		return string(types.KindIC)
	case ooc > 0 && ic == 0:
		return string(types.KindOOC)
	default:
		return "mixed"
	}
}

func dominant(counts map[string]int) string {
	best, bestN := "", 0
	for name, n := range counts {
		if n > bestN || (n == bestN && name < best) {
			best, bestN = name, n
		}
	}
	return best
}

// section is a heading-delimited slice of a narrative body.
type section struct {
	heading string
	paras   []string
}

// splitSections groups the body's paragraphs by markdown heading. Text
// before the first heading forms a heading-less section.
func splitSections(body string) []section {
	var sections []section
	for _, para := range splitParagraphs(body) {
		if strings.HasPrefix(para, "#") {
			heading, _, _ := strings.Cut(para, "\n")
			sections = append(sections, section{heading: heading, paras: []string{para}})
			continue
		}
		if len(sections) == 0 {
			sections = append(sections, section{})
		}
		s := &sections[len(sections)-1]
		s.paras = append(s.paras, para)
	}
	return sections
}

// splitParagraphs splits on blank lines, trimming and dropping empty runs.
func splitParagraphs(body string) []string {
	var paras []string
	for _, p := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}
