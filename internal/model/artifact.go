package model

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lamim/rewardforge/internal/engine"
	"github.com/lamim/rewardforge/pkg/models"
)

const (
	// WeightsFilename is the binary base-model file inside a model directory.
	WeightsFilename = "model.bin"
	// AdapterConfigFilename describes a saved adapter.
	AdapterConfigFilename = "adapter_config.json"
	// AdapterWeightsFilename holds a saved adapter's tensors.
	AdapterWeightsFilename = "adapter_model.json"

	weightsMagic   uint32 = 0x52574d31 // "RWM1"
	weightsVersion uint32 = 1
)

// baseParams lists the backbone weights in a stable order, independent of
// any attached adapters.
func (m *RewardModel) baseParams() *engine.Params {
	p := engine.NewParams()
	p.Add("embed.tokens", m.tokEmb)
	p.Add("embed.positions", m.posEmb)
	for i, b := range m.blocks {
		prefix := fmt.Sprintf("blocks.%d", i)
		p.Add(prefix+".attn_norm.gain", b.attnNorm)
		p.Add(prefix+".mlp_norm.gain", b.mlpNorm)
		for _, pr := range []proj{b.qProj, b.kProj, b.vProj, b.oProj, b.upProj, b.downProj} {
			base := pr.weights()
			p.Add(base.Name+".weight", base.W)
		}
	}
	p.Add("final_norm.gain", m.norm)
	p.Add("score.weight", m.score.W)
	return p
}

// SaveBase writes the backbone weights and architecture into dir as a
// little-endian binary artifact. Adapters are saved separately.
func (m *RewardModel) SaveBase(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	path := filepath.Join(dir, WeightsFilename)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create weights file: %w", err)
	}
	w := bufio.NewWriter(f)

	write := func(values ...any) error {
		for _, v := range values {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		return nil
	}
	useCache := uint8(0)
	if m.Cfg.UseCache {
		useCache = 1
	}
	params := m.baseParams()
	err = write(
		weightsMagic, weightsVersion,
		int32(m.Cfg.VocabSize), int32(m.Cfg.BlockSize), int32(m.Cfg.EmbedDim),
		int32(m.Cfg.NumLayers), int32(m.Cfg.NumHeads), int32(m.Cfg.FFHidden),
		m.Cfg.Dropout, int32(m.Cfg.PadTokenID), useCache,
		uint32(params.Len()),
	)
	if err == nil {
		for _, name := range params.Names() {
			t := params.Get(name)
			if err = write(uint16(len(name)), []byte(name), int32(t.Rows), int32(t.Cols), t.Data); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write weights: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize weights file: %w", err)
	}
	return nil
}

// LoadBase reads a binary base-model artifact from dir. The seed feeds the
// model's dropout randomness, not the loaded weights.
func LoadBase(dir string, seed int64) (*RewardModel, error) {
	f, err := os.Open(filepath.Join(dir, WeightsFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to open weights file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	read := func(targets ...any) error {
		for _, v := range targets {
			if err := binary.Read(r, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		return nil
	}

	var magic, version uint32
	if err := read(&magic, &version); err != nil {
		return nil, fmt.Errorf("failed to read weights header: %w", err)
	}
	if magic != weightsMagic {
		return nil, fmt.Errorf("not a reward model weights file (magic %#x)", magic)
	}
	if version != weightsVersion {
		return nil, fmt.Errorf("unsupported weights version %d", version)
	}

	var vocab, block, embed, layers, heads, ff, padID int32
	var dropout float64
	var useCache uint8
	if err := read(&vocab, &block, &embed, &layers, &heads, &ff, &dropout, &padID, &useCache); err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	cfg := Config{
		VocabSize:  int(vocab),
		BlockSize:  int(block),
		EmbedDim:   int(embed),
		NumLayers:  int(layers),
		NumHeads:   int(heads),
		FFHidden:   int(ff),
		Dropout:    dropout,
		PadTokenID: int(padID),
		UseCache:   useCache == 1,
	}
	m, err := New(cfg, seed)
	if err != nil {
		return nil, err
	}

	var count uint32
	if err := read(&count); err != nil {
		return nil, fmt.Errorf("failed to read parameter count: %w", err)
	}
	params := m.baseParams()
	if int(count) != params.Len() {
		return nil, fmt.Errorf("weights file has %d parameters, model needs %d", count, params.Len())
	}
	for i := 0; i < int(count); i++ {
		var nameLen uint16
		if err := read(&nameLen); err != nil {
			return nil, fmt.Errorf("failed to read parameter %d: %w", i, err)
		}
		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBytes); err != nil {
			return nil, fmt.Errorf("failed to read parameter %d name: %w", i, err)
		}
		name := string(nameBytes)
		t := params.Get(name)
		if t == nil {
			return nil, fmt.Errorf("weights file has unknown parameter %q", name)
		}
		var rows, cols int32
		if err := read(&rows, &cols); err != nil {
			return nil, fmt.Errorf("failed to read shape of %q: %w", name, err)
		}
		if int(rows) != t.Rows || int(cols) != t.Cols {
			return nil, fmt.Errorf("parameter %q has shape %dx%d, want %dx%d", name, rows, cols, t.Rows, t.Cols)
		}
		if err := read(t.Data); err != nil {
			return nil, fmt.Errorf("failed to read values of %q: %w", name, err)
		}
	}
	return m, nil
}

// AdapterConfig is the JSON description saved next to adapter weights.
type AdapterConfig struct {
	TaskType      string   `json:"task_type"`
	R             int      `json:"r"`
	Alpha         float64  `json:"lora_alpha"`
	Dropout       float64  `json:"lora_dropout"`
	TargetModules []string `json:"target_modules"`
	BaseModel     string   `json:"base_model_name_or_path,omitempty"`
	ModulesToSave []string `json:"modules_to_save,omitempty"`
}

// LoRA converts the saved form back into an attachable config.
func (c AdapterConfig) LoRA() LoRAConfig {
	return LoRAConfig{R: c.R, Alpha: c.Alpha, Dropout: c.Dropout, TargetModules: c.TargetModules}
}

// AdapterArtifact is a loaded adapter: its config plus named tensors.
type AdapterArtifact struct {
	Config  AdapterConfig
	Weights map[string]models.TensorState
}

type adapterWeightsFile struct {
	Weights map[string]models.TensorState `json:"weights"`
}

// SaveAdapter writes the trainable state (adapter matrices and scoring
// head) into dir as adapter_config.json plus adapter_model.json.
func (m *RewardModel) SaveAdapter(dir, baseModelName string) error {
	if m.lora == nil {
		return fmt.Errorf("no adapters attached")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create adapter directory: %w", err)
	}
	cfg := AdapterConfig{
		TaskType:      "SEQ_CLS",
		R:             m.lora.R,
		Alpha:         m.lora.Alpha,
		Dropout:       m.lora.Dropout,
		TargetModules: m.lora.TargetModules,
		BaseModel:     baseModelName,
		ModulesToSave: []string{"score"},
	}
	cfgData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal adapter config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, AdapterConfigFilename), cfgData, 0o644); err != nil {
		return fmt.Errorf("failed to write adapter config: %w", err)
	}
	weights := adapterWeightsFile{Weights: m.trainable.Export()}
	wData, err := json.Marshal(&weights)
	if err != nil {
		return fmt.Errorf("failed to marshal adapter weights: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, AdapterWeightsFilename), wData, 0o644); err != nil {
		return fmt.Errorf("failed to write adapter weights: %w", err)
	}
	return nil
}

// LoadAdapterArtifact reads a saved adapter from dir.
func LoadAdapterArtifact(dir string) (*AdapterArtifact, error) {
	cfgData, err := os.ReadFile(filepath.Join(dir, AdapterConfigFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read adapter config: %w", err)
	}
	var cfg AdapterConfig
	if err := json.Unmarshal(cfgData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse adapter config: %w", err)
	}
	wData, err := os.ReadFile(filepath.Join(dir, AdapterWeightsFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read adapter weights: %w", err)
	}
	var weights adapterWeightsFile
	if err := json.Unmarshal(wData, &weights); err != nil {
		return nil, fmt.Errorf("failed to parse adapter weights: %w", err)
	}
	return &AdapterArtifact{Config: cfg, Weights: weights.Weights}, nil
}

// LoadAdapterWeights restores trainable tensors from a saved adapter, for
// continuing a run from its last saved adapter state.
func (m *RewardModel) LoadAdapterWeights(dir string) error {
	if m.lora == nil {
		return fmt.Errorf("no adapters attached")
	}
	art, err := LoadAdapterArtifact(dir)
	if err != nil {
		return err
	}
	if err := m.trainable.Import(art.Weights); err != nil {
		return fmt.Errorf("adapter weights do not fit this model: %w", err)
	}
	return nil
}

func tensorFromState(s models.TensorState) (*engine.Tensor, error) {
	if len(s.Shape) != 2 {
		return nil, fmt.Errorf("tensor state has %d dims, want 2", len(s.Shape))
	}
	rows, cols := s.Shape[0], s.Shape[1]
	if rows <= 0 || cols <= 0 || rows*cols != len(s.Data) {
		return nil, fmt.Errorf("tensor state shape %v does not match %d values", s.Shape, len(s.Data))
	}
	return engine.FromSlice(rows, cols, s.Data), nil
}
