package models

import "time"

// PairSchema identifies the on-disk JSONL schema of a preference dataset
type PairSchema string

const (
	// SchemaStackExchange uses question/response_j/response_k keys (paired answers)
	SchemaStackExchange PairSchema = "stack-exchange"
	// SchemaDPO uses prompt/chosen/rejected keys
	SchemaDPO PairSchema = "dpo"
)

// PreferencePair is the canonical in-memory form of one preference example:
// a question with a preferred and a dispreferred answer
type PreferencePair struct {
	Question string
	Chosen   string
	Rejected string
}

// PairRecord is the stack-exchange wire form of a preference example
type PairRecord struct {
	Question  string `json:"question"`
	ResponseJ string `json:"response_j"`
	ResponseK string `json:"response_k"`
}

// DPORecord is the standard DPO wire form of a preference example
type DPORecord struct {
	Prompt   string `json:"prompt"`
	Chosen   string `json:"chosen"`
	Rejected string `json:"rejected"`
}

// TokenizedPair holds both tokenized sides of a preference example.
// The j side is the preferred answer, the k side the dispreferred one.
type TokenizedPair struct {
	InputIDsJ      []int `json:"input_ids_j"`
	AttentionMaskJ []int `json:"attention_mask_j"`
	InputIDsK      []int `json:"input_ids_k"`
	AttentionMaskK []int `json:"attention_mask_k"`
}

// RewardBatch is a collated batch where each side is padded independently
// to its own longest sequence
type RewardBatch struct {
	InputIDsJ      [][]int `json:"input_ids_j"`
	AttentionMaskJ [][]int `json:"attention_mask_j"`
	InputIDsK      [][]int `json:"input_ids_k"`
	AttentionMaskK [][]int `json:"attention_mask_k"`
	ReturnLoss     bool    `json:"return_loss"`
}

// Size returns the number of pairs in the batch
func (b *RewardBatch) Size() int {
	return len(b.InputIDsJ)
}

// PreprocessJob represents a task to tokenize one preference pair
type PreprocessJob struct {
	ID   int
	Pair PreferencePair
}

// PreprocessResult represents the outcome of tokenizing one preference pair
type PreprocessResult struct {
	Job       PreprocessJob
	Tokenized *TokenizedPair // nil when the pair was dropped by the length filter
	Dropped   bool
	Err       error
	Duration  time.Duration
}

// StepStats captures one optimizer step for logging and history
type StepStats struct {
	Step         int           `json:"step"`
	Epoch        int           `json:"epoch"`
	Loss         float64       `json:"loss"`
	LearningRate float64       `json:"learning_rate"`
	GradNorm     float64       `json:"grad_norm"`
	Duration     time.Duration `json:"duration"`
}

// EvalReport summarizes one evaluation pass over the held-out pairs
type EvalReport struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
	Pairs    int     `json:"pairs"`
}

// SessionStats tracks statistics for a training session
type SessionStats struct {
	StartTime        time.Time
	EndTime          time.Time
	TrainPairs       int
	EvalPairs        int
	FilteredCount    int // Number of pairs dropped by the length filter
	StepsCompleted   int
	BestEvalLoss     float64
	BestEvalAccuracy float64
	TotalDuration    time.Duration
}
