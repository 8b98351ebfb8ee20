package model

import (
	"strings"
	"testing"

	"github.com/lamim/rewardforge/internal/engine"
)

func defaultLoRA() LoRAConfig {
	return LoRAConfig{R: 2, Alpha: 4, Dropout: 0, TargetModules: []string{"q_proj", "v_proj"}}
}

func TestAttachIsForwardNoOp(t *testing.T) {
	m, err := New(tinyConfig(), 21)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ids := [][]int{{4, 5, 6, 7}}
	mask := [][]int{{1, 1, 1, 1}}

	before, err := m.Forward(ids, mask, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := m.Attach(defaultLoRA()); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	after, err := m.Forward(ids, mask, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// The up-projection starts at zero, so the delta is exactly zero.
	if before.Data[0] != after.Data[0] {
		t.Errorf("Expected unchanged reward after attach, got %g vs %g", after.Data[0], before.Data[0])
	}
}

func TestAttachFreezesBackbone(t *testing.T) {
	cfg := tinyConfig()
	m, err := New(cfg, 22)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Attach(defaultLoRA()); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	names := m.TrainableParams().Names()
	want := cfg.NumLayers*2*2 + 1 // two targets per block, A and B each, plus the head
	if len(names) != want {
		t.Fatalf("Expected %d trainable tensors, got %d: %v", want, len(names), names)
	}
	for _, name := range names {
		if name == "score.weight" {
			continue
		}
		if !strings.Contains(name, ".lora_") {
			t.Errorf("Expected only adapter tensors and the head, got %q", name)
		}
	}
}

func TestAttachValidation(t *testing.T) {
	m, err := New(tinyConfig(), 23)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	bad := defaultLoRA()
	bad.TargetModules = []string{"nonexistent_proj"}
	if err := m.Attach(bad); err == nil {
		t.Error("Expected error for unknown target module")
	}

	if err := m.Attach(defaultLoRA()); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := m.Attach(defaultLoRA()); err == nil {
		t.Error("Expected error for double attach")
	}
}

func TestTrainingUpdatesOnlyAdapters(t *testing.T) {
	m, err := New(tinyConfig(), 24)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Attach(defaultLoRA()); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	frozen := m.baseParams()
	snapshot := frozen.Export()
	// Drop the head from the frozen snapshot; it trains.
	delete(snapshot, "score.weight")

	ids := [][]int{{1, 2, 3}, {4, 5, 6}}
	mask := [][]int{{1, 1, 1}, {1, 1, 1}}

	engine.ZeroGrads(m.AllParams().Tensors())
	rewards, err := m.Forward(ids, mask, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	loss := engine.Scale(engine.Mean(engine.LogSigmoid(rewards)), -1)
	loss.Backward()

	opt := engine.NewAdamW(m.TrainableParams(), 0.001)
	opt.Step(0.01)

	for name, state := range snapshot {
		now := frozen.Get(name)
		for i := range state.Data {
			if state.Data[i] != now.Data[i] {
				t.Fatalf("Expected frozen weight %q unchanged, element %d moved", name, i)
			}
		}
	}

	head := m.TrainableParams().Get("score.weight")
	moved := false
	for _, v := range head.Grad {
		if v != 0 {
			moved = true
			break
		}
	}
	if !moved {
		t.Error("Expected gradient to reach the scoring head")
	}
}

func TestAdapterSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m1, err := New(tinyConfig(), 31)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m1.Attach(defaultLoRA()); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	// Give the adapter a real delta.
	for _, name := range m1.TrainableParams().Names() {
		tensor := m1.TrainableParams().Get(name)
		for i := range tensor.Data {
			tensor.Data[i] += 0.01 * float64(i%7)
		}
	}
	if err := m1.SaveAdapter(dir, "base-test"); err != nil {
		t.Fatalf("SaveAdapter failed: %v", err)
	}

	m2, err := New(tinyConfig(), 31)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m2.Attach(defaultLoRA()); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := m2.LoadAdapterWeights(dir); err != nil {
		t.Fatalf("LoadAdapterWeights failed: %v", err)
	}

	ids := [][]int{{9, 10, 11, 12}}
	mask := [][]int{{1, 1, 1, 1}}
	want, err := m1.Forward(ids, mask, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	got, err := m2.Forward(ids, mask, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if want.Data[0] != got.Data[0] {
		t.Errorf("Expected identical reward after adapter reload, got %g vs %g", got.Data[0], want.Data[0])
	}

	art, err := LoadAdapterArtifact(dir)
	if err != nil {
		t.Fatalf("LoadAdapterArtifact failed: %v", err)
	}
	if art.Config.TaskType != "SEQ_CLS" {
		t.Errorf("Expected task type SEQ_CLS, got %q", art.Config.TaskType)
	}
	if art.Config.BaseModel != "base-test" {
		t.Errorf("Expected base model name recorded, got %q", art.Config.BaseModel)
	}
}

func TestStackAdapter(t *testing.T) {
	dir := t.TempDir()

	m1, err := New(tinyConfig(), 55)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m1.Attach(defaultLoRA()); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	for _, name := range m1.TrainableParams().Names() {
		tensor := m1.TrainableParams().Get(name)
		for i := range tensor.Data {
			tensor.Data[i] += 0.02 * float64(1+i%5)
		}
	}
	if err := m1.SaveAdapter(dir, ""); err != nil {
		t.Fatalf("SaveAdapter failed: %v", err)
	}

	m2, err := New(tinyConfig(), 55)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m2.StackAdapter(dir); err == nil {
		t.Fatal("Expected stacking to require attached adapters")
	}
	if err := m2.Attach(defaultLoRA()); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := m2.StackAdapter(dir); err != nil {
		t.Fatalf("StackAdapter failed: %v", err)
	}

	// Fresh delta is zero, stacked delta plus copied head reproduce m1.
	ids := [][]int{{2, 3, 4, 5, 6}}
	mask := [][]int{{1, 1, 1, 1, 1}}
	want, err := m1.Forward(ids, mask, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	got, err := m2.Forward(ids, mask, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if want.Data[0] != got.Data[0] {
		t.Errorf("Expected stacked model to reproduce the source, got %g vs %g", got.Data[0], want.Data[0])
	}

	// Stacked tensors stay frozen.
	for _, name := range m2.TrainableParams().Names() {
		if strings.Contains(name, "stacked") {
			t.Errorf("Expected stacked tensors to be frozen, found %q", name)
		}
	}
}
