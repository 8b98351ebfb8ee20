package model

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func tinyConfig() Config {
	return Config{
		VocabSize:  32,
		BlockSize:  16,
		EmbedDim:   8,
		NumLayers:  2,
		NumHeads:   2,
		FFHidden:   16,
		Dropout:    0,
		PadTokenID: 0,
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }},
		{"zero block", func(c *Config) { c.BlockSize = 0 }},
		{"heads do not divide dim", func(c *Config) { c.NumHeads = 3 }},
		{"dropout out of range", func(c *Config) { c.Dropout = 1 }},
		{"pad id outside vocab", func(c *Config) { c.PadTokenID = 99 }},
	}
	for _, tc := range cases {
		cfg := tinyConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
	cfg := tinyConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestForwardShapeAndDeterminism(t *testing.T) {
	m, err := New(tinyConfig(), 42)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ids := [][]int{{3, 4, 5, 6}, {7, 8, 9, 10}}
	mask := [][]int{{1, 1, 1, 1}, {1, 1, 1, 1}}

	r1, err := m.Forward(ids, mask, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if r1.Rows != 2 || r1.Cols != 1 {
		t.Fatalf("Expected 2x1 rewards, got %dx%d", r1.Rows, r1.Cols)
	}

	r2, err := m.Forward(ids, mask, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for i := range r1.Data {
		if r1.Data[i] != r2.Data[i] {
			t.Errorf("Expected deterministic rewards, got %g vs %g", r1.Data[i], r2.Data[i])
		}
	}
}

func TestRewardIgnoresPadding(t *testing.T) {
	m, err := New(tinyConfig(), 7)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	pad := m.Cfg.PadTokenID

	plain, err := m.Forward([][]int{{5, 6, 7}}, [][]int{{1, 1, 1}}, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	padded, err := m.Forward(
		[][]int{{5, 6, 7, pad, pad}},
		[][]int{{1, 1, 1, 0, 0}},
		false,
	)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if math.Abs(plain.Data[0]-padded.Data[0]) > 1e-9 {
		t.Errorf("Expected padding not to change the reward, got %g vs %g", plain.Data[0], padded.Data[0])
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	m, err := New(tinyConfig(), 1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := m.Forward(nil, nil, false); err == nil {
		t.Error("Expected error for empty batch")
	}
	if _, err := m.Forward([][]int{{1, 2}}, [][]int{{1}}, false); err == nil {
		t.Error("Expected error for mask length mismatch")
	}

	long := make([]int, m.Cfg.BlockSize+1)
	longMask := make([]int, len(long))
	for i := range long {
		long[i] = 1
		longMask[i] = 1
	}
	if _, err := m.Forward([][]int{long}, [][]int{longMask}, false); err == nil {
		t.Error("Expected error for sequence beyond block size")
	}
}

func TestSaveLoadBaseRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m, err := New(tinyConfig(), 99)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.SaveBase(dir); err != nil {
		t.Fatalf("SaveBase failed: %v", err)
	}

	loaded, err := LoadBase(dir, 0)
	if err != nil {
		t.Fatalf("LoadBase failed: %v", err)
	}
	if loaded.Cfg != m.Cfg {
		t.Errorf("Expected config %+v, got %+v", m.Cfg, loaded.Cfg)
	}

	ids := [][]int{{11, 12, 13, 14, 15}}
	mask := [][]int{{1, 1, 1, 1, 1}}
	want, err := m.Forward(ids, mask, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	got, err := loaded.Forward(ids, mask, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if want.Data[0] != got.Data[0] {
		t.Errorf("Expected identical reward after reload, got %g vs %g", got.Data[0], want.Data[0])
	}
}

func TestLoadBaseRejectsForeignFile(t *testing.T) {
	dir := t.TempDir()
	m, err := New(tinyConfig(), 3)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.SaveBase(dir); err != nil {
		t.Fatalf("SaveBase failed: %v", err)
	}

	// Corrupt the magic.
	path := filepath.Join(dir, WeightsFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	data[0] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := LoadBase(dir, 0); err == nil {
		t.Error("Expected error for corrupted magic")
	}
}
