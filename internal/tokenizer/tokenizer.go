package tokenizer

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Default special token strings. Llama-family checkpoints use a dedicated
// pad token and reuse the sequence terminator for bos/eos/unk; other
// checkpoints fall back to pad = eos via EnsurePadToken.
const (
	LlamaPadToken = "[PAD]"
	LlamaEndToken = "</s>"
)

// SpecialTokens names the special tokens of a vocabulary. Empty strings mean
// the token is not configured.
type SpecialTokens struct {
	PAD string `json:"pad_token"`
	BOS string `json:"bos_token"`
	EOS string `json:"eos_token"`
	UNK string `json:"unk_token"`
}

// MergePair is one learned BPE merge rule: adjacent tokens A and B combine
// into a single token. Rule order defines merge priority.
type MergePair struct {
	A string
	B string
}

// Encoding is the tokenized form of one text.
type Encoding struct {
	InputIDs      []int `json:"input_ids"`
	AttentionMask []int `json:"attention_mask"`
}

// Tokenizer is a byte-level BPE tokenizer. The base vocabulary covers all
// 256 byte values, so any text encodes without an unknown-token path; merge
// rules loaded from an artifact compress common byte runs into single ids.
type Tokenizer struct {
	Tokens []string
	Stoi   map[string]int

	Specials SpecialTokens

	Merges []MergePair
	merged map[MergePair]string
	rank   map[MergePair]int

	// MaxLength bounds Encode output when truncation is requested.
	MaxLength int
	// PaddingSide is "right" or "left".
	PaddingSide string
}

// New returns a byte-level tokenizer with the 256 base byte tokens and no
// merge rules or special tokens.
func New(maxLength int) *Tokenizer {
	t := &Tokenizer{
		Stoi:        make(map[string]int),
		merged:      make(map[MergePair]string),
		rank:        make(map[MergePair]int),
		MaxLength:   maxLength,
		PaddingSide: "right",
	}
	tokens := make([]string, 256)
	for i := 0; i < 256; i++ {
		tokens[i] = byteTokenName(byte(i))
	}
	t.Tokens = tokens
	for i, name := range tokens {
		t.Stoi[name] = i
	}
	return t
}

func byteTokenName(b byte) string {
	return fmt.Sprintf("0x%02x", b)
}

// AddSpecialToken appends a special token to the vocabulary if it is not
// already present and returns its id.
func (t *Tokenizer) AddSpecialToken(name string) int {
	if id, ok := t.Stoi[name]; ok {
		return id
	}
	id := len(t.Tokens)
	t.Tokens = append(t.Tokens, name)
	t.Stoi[name] = id
	return id
}

// ApplyLlamaSpecials configures the llama-family special tokens: a dedicated
// pad token and the sequence terminator shared by bos, eos and unk.
func (t *Tokenizer) ApplyLlamaSpecials() {
	t.AddSpecialToken(LlamaPadToken)
	t.AddSpecialToken(LlamaEndToken)
	t.Specials = SpecialTokens{
		PAD: LlamaPadToken,
		BOS: LlamaEndToken,
		EOS: LlamaEndToken,
		UNK: LlamaEndToken,
	}
}

// ApplyOverrides points special tokens at explicitly configured strings,
// adding them to the vocabulary when new. Empty fields keep the current
// token.
func (t *Tokenizer) ApplyOverrides(over SpecialTokens) {
	if over.PAD != "" {
		t.AddSpecialToken(over.PAD)
		t.Specials.PAD = over.PAD
	}
	if over.BOS != "" {
		t.AddSpecialToken(over.BOS)
		t.Specials.BOS = over.BOS
	}
	if over.EOS != "" {
		t.AddSpecialToken(over.EOS)
		t.Specials.EOS = over.EOS
	}
	if over.UNK != "" {
		t.AddSpecialToken(over.UNK)
		t.Specials.UNK = over.UNK
	}
}

// EnsurePadToken guarantees a usable pad token, falling back to the eos
// token when no pad token is configured.
func (t *Tokenizer) EnsurePadToken() error {
	if t.Specials.PAD != "" {
		if _, ok := t.Stoi[t.Specials.PAD]; !ok {
			t.AddSpecialToken(t.Specials.PAD)
		}
		return nil
	}
	if t.Specials.EOS == "" {
		return fmt.Errorf("tokenizer has neither pad nor eos token")
	}
	t.Specials.PAD = t.Specials.EOS
	return nil
}

// PadID returns the id of the pad token, or -1 when none is configured.
func (t *Tokenizer) PadID() int {
	if t.Specials.PAD == "" {
		return -1
	}
	id, ok := t.Stoi[t.Specials.PAD]
	if !ok {
		return -1
	}
	return id
}

// VocabSize returns the number of tokens in the vocabulary.
func (t *Tokenizer) VocabSize() int {
	return len(t.Tokens)
}

// SetMerges installs merge rules in priority order.
func (t *Tokenizer) SetMerges(merges []MergePair) {
	t.Merges = merges
	t.merged = make(map[MergePair]string, len(merges))
	t.rank = make(map[MergePair]int, len(merges))
	for i, p := range merges {
		t.rank[p] = i
		name := p.A + "+" + p.B
		t.merged[p] = name
		if _, ok := t.Stoi[name]; !ok {
			t.Stoi[name] = len(t.Tokens)
			t.Tokens = append(t.Tokens, name)
		}
	}
}

// Encode tokenizes text. A configured bos token is prepended. When truncate
// is true the result is capped at MaxLength ids; when false the caller sees
// the full length, which is what the dataset length filter needs.
func (t *Tokenizer) Encode(text string, truncate bool) Encoding {
	var ids []int
	if t.Specials.BOS != "" {
		ids = append(ids, t.Stoi[t.Specials.BOS])
	}
	for _, seg := range segment(text) {
		names := make([]string, len(seg))
		for i, b := range seg {
			names[i] = byteTokenName(b)
		}
		if len(t.Merges) > 0 {
			names = t.applyMerges(names)
		}
		for _, name := range names {
			ids = append(ids, t.Stoi[name])
		}
	}
	if truncate && t.MaxLength > 0 && len(ids) > t.MaxLength {
		ids = ids[:t.MaxLength]
	}
	mask := make([]int, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return Encoding{InputIDs: ids, AttentionMask: mask}
}

// applyMerges repeatedly merges the adjacent pair with the lowest rank.
func (t *Tokenizer) applyMerges(symbols []string) []string {
	for len(symbols) >= 2 {
		bestRank := 1 << 30
		bestIdx := -1
		for i := 0; i < len(symbols)-1; i++ {
			key := MergePair{symbols[i], symbols[i+1]}
			if r, ok := t.rank[key]; ok && r < bestRank {
				bestRank = r
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break
		}
		pair := MergePair{symbols[bestIdx], symbols[bestIdx+1]}
		next := make([]string, 0, len(symbols)-1)
		next = append(next, symbols[:bestIdx]...)
		next = append(next, t.merged[pair])
		next = append(next, symbols[bestIdx+2:]...)
		symbols = next
	}
	return symbols
}

// Decode reconstructs text from ids, skipping special tokens.
func (t *Tokenizer) Decode(ids []int) string {
	special := map[string]bool{}
	for _, s := range []string{t.Specials.PAD, t.Specials.BOS, t.Specials.EOS, t.Specials.UNK} {
		if s != "" {
			special[s] = true
		}
	}
	var raw []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) {
			continue
		}
		name := t.Tokens[id]
		if special[name] {
			continue
		}
		raw = append(raw, tokenBytes(name)...)
	}
	return string(raw)
}

// tokenBytes converts a byte-level token name back to its raw bytes.
// "0x48" is one byte, "0x48+0x65" two, and so on.
func tokenBytes(name string) []byte {
	parts := strings.Split(name, "+")
	out := make([]byte, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p, "0x") && len(p) == 4 {
			b, err := strconv.ParseUint(p[2:], 16, 8)
			if err == nil {
				out = append(out, byte(b))
			}
		}
	}
	return out
}

// Pad right- or left-pads every encoding with the pad token to toLength.
// Padding positions get attention mask 0. Encodings already at or above
// toLength are returned unchanged.
func (t *Tokenizer) Pad(encs []Encoding, toLength int) []Encoding {
	padID := t.PadID()
	out := make([]Encoding, len(encs))
	for i, enc := range encs {
		n := len(enc.InputIDs)
		if n >= toLength {
			out[i] = enc
			continue
		}
		ids := make([]int, toLength)
		mask := make([]int, toLength)
		offset := 0
		if t.PaddingSide == "left" {
			offset = toLength - n
		}
		for j := 0; j < toLength; j++ {
			ids[j] = padID
		}
		copy(ids[offset:], enc.InputIDs)
		copy(mask[offset:], enc.AttentionMask)
		out[i] = Encoding{InputIDs: ids, AttentionMask: mask}
	}
	return out
}

// segment splits text into byte runs by Unicode category so merges never
// cross letter/digit/space/punctuation boundaries.
func segment(text string) [][]byte {
	if len(text) == 0 {
		return nil
	}
	category := func(r rune) byte {
		switch {
		case unicode.IsLetter(r) || unicode.IsMark(r):
			return 'L'
		case unicode.IsDigit(r):
			return 'N'
		case unicode.IsSpace(r):
			return 'Z'
		default:
			return 'P'
		}
	}
	var segments [][]byte
	var cur []byte
	var curCat byte
	for i, r := range text {
		cat := category(r)
		if i == 0 {
			curCat = cat
		}
		if cat != curCat {
			segments = append(segments, cur)
			cur = nil
			curCat = cat
		}
		cur = append(cur, []byte(string(r))...)
	}
	if len(cur) > 0 {
		segments = append(segments, cur)
	}
	return segments
}
