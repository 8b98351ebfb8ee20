package tokenizer

import (
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tok := New(0)
	texts := []string{
		"Question: how do I sort a slice?",
		"answer with unicode: héllo wörld",
		"tabs\tand\nnewlines",
	}
	for _, text := range texts {
		enc := tok.Encode(text, false)
		got := tok.Decode(enc.InputIDs)
		if got != text {
			t.Errorf("Expected round trip %q, got %q", text, got)
		}
		if len(enc.AttentionMask) != len(enc.InputIDs) {
			t.Errorf("Expected mask length %d, got %d", len(enc.InputIDs), len(enc.AttentionMask))
		}
		for i, m := range enc.AttentionMask {
			if m != 1 {
				t.Errorf("Expected mask 1 at %d, got %d", i, m)
			}
		}
	}
}

func TestEncodeTruncation(t *testing.T) {
	tok := New(8)
	text := "this text is much longer than eight bytes"

	full := tok.Encode(text, false)
	if len(full.InputIDs) <= 8 {
		t.Fatalf("Expected untruncated encoding longer than 8, got %d", len(full.InputIDs))
	}

	capped := tok.Encode(text, true)
	if len(capped.InputIDs) != 8 {
		t.Errorf("Expected truncated length 8, got %d", len(capped.InputIDs))
	}
	if !reflect.DeepEqual(capped.InputIDs, full.InputIDs[:8]) {
		t.Errorf("Expected truncation to keep the prefix")
	}
}

func TestApplyLlamaSpecials(t *testing.T) {
	tok := New(0)
	tok.ApplyLlamaSpecials()

	if tok.Specials.PAD != LlamaPadToken {
		t.Errorf("Expected pad token %q, got %q", LlamaPadToken, tok.Specials.PAD)
	}
	for _, s := range []string{tok.Specials.BOS, tok.Specials.EOS, tok.Specials.UNK} {
		if s != LlamaEndToken {
			t.Errorf("Expected %q, got %q", LlamaEndToken, s)
		}
	}
	if tok.PadID() < 256 {
		t.Errorf("Expected pad id beyond byte range, got %d", tok.PadID())
	}

	enc := tok.Encode("hi", false)
	if enc.InputIDs[0] != tok.Stoi[LlamaEndToken] {
		t.Errorf("Expected leading bos id %d, got %d", tok.Stoi[LlamaEndToken], enc.InputIDs[0])
	}
	if got := tok.Decode(enc.InputIDs); got != "hi" {
		t.Errorf("Expected decode to skip specials, got %q", got)
	}
}

func TestEnsurePadTokenFallback(t *testing.T) {
	tok := New(0)
	tok.Specials.EOS = "<|endoftext|>"
	tok.AddSpecialToken("<|endoftext|>")

	if err := tok.EnsurePadToken(); err != nil {
		t.Fatalf("EnsurePadToken failed: %v", err)
	}
	if tok.Specials.PAD != "<|endoftext|>" {
		t.Errorf("Expected pad to fall back to eos, got %q", tok.Specials.PAD)
	}

	bare := New(0)
	if err := bare.EnsurePadToken(); err == nil {
		t.Error("Expected error when neither pad nor eos is configured")
	}
}

func TestPad(t *testing.T) {
	tok := New(0)
	tok.ApplyLlamaSpecials()
	padID := tok.PadID()

	encs := []Encoding{
		tok.Encode("ab", false),
		tok.Encode("abcdef", false),
	}
	padded := tok.Pad(encs, 10)

	for i, enc := range padded {
		if len(enc.InputIDs) != 10 {
			t.Fatalf("Expected length 10 for encoding %d, got %d", i, len(enc.InputIDs))
		}
		n := len(encs[i].InputIDs)
		if !reflect.DeepEqual(enc.InputIDs[:n], encs[i].InputIDs) {
			t.Errorf("Expected original prefix preserved for encoding %d", i)
		}
		for j := n; j < 10; j++ {
			if enc.InputIDs[j] != padID {
				t.Errorf("Expected pad id at position %d, got %d", j, enc.InputIDs[j])
			}
			if enc.AttentionMask[j] != 0 {
				t.Errorf("Expected mask 0 at position %d, got %d", j, enc.AttentionMask[j])
			}
		}
	}

	// Already at the target length: unchanged.
	same := tok.Pad([]Encoding{padded[0]}, 10)
	if !reflect.DeepEqual(same[0], padded[0]) {
		t.Error("Expected encoding at target length to pass through unchanged")
	}
}

func TestPadLeft(t *testing.T) {
	tok := New(0)
	tok.ApplyLlamaSpecials()
	tok.PaddingSide = "left"

	enc := tok.Encode("xy", false)
	padded := tok.Pad([]Encoding{enc}, 6)[0]

	n := len(enc.InputIDs)
	if !reflect.DeepEqual(padded.InputIDs[6-n:], enc.InputIDs) {
		t.Error("Expected original ids at the tail for left padding")
	}
	for j := 0; j < 6-n; j++ {
		if padded.AttentionMask[j] != 0 {
			t.Errorf("Expected mask 0 at position %d, got %d", j, padded.AttentionMask[j])
		}
	}
}

func TestMergesCompress(t *testing.T) {
	tok := New(0)
	plain := tok.Encode("aaab", false)

	tok.SetMerges([]MergePair{{A: "0x61", B: "0x61"}})
	merged := tok.Encode("aaab", false)

	if len(merged.InputIDs) >= len(plain.InputIDs) {
		t.Errorf("Expected merges to shorten encoding, got %d vs %d", len(merged.InputIDs), len(plain.InputIDs))
	}
	if got := tok.Decode(merged.InputIDs); got != "aaab" {
		t.Errorf("Expected decode %q, got %q", "aaab", got)
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	dir := t.TempDir()

	tok := New(512)
	tok.ApplyLlamaSpecials()
	tok.SetMerges([]MergePair{
		{A: "0x74", B: "0x68"},
		{A: "0x74+0x68", B: "0x65"},
	})
	if err := tok.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.MaxLength != 512 {
		t.Errorf("Expected max length 512, got %d", loaded.MaxLength)
	}
	if loaded.VocabSize() != tok.VocabSize() {
		t.Errorf("Expected vocab size %d, got %d", tok.VocabSize(), loaded.VocabSize())
	}

	text := "the theme"
	want := tok.Encode(text, false)
	got := loaded.Encode(text, false)
	if !reflect.DeepEqual(want.InputIDs, got.InputIDs) {
		t.Errorf("Expected identical ids after reload, got %v vs %v", got.InputIDs, want.InputIDs)
	}
}
