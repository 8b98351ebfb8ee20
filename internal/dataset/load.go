package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/lamim/rewardforge/pkg/models"
)

// LoadJSONL reads a preference dataset from a JSONL file. Two schemas are
// recognized: stack-exchange records (question/response_j/response_k) and
// DPO records (prompt/chosen/rejected). The schema is detected from the
// first record and every line must follow it.
func LoadJSONL(path string) ([]models.PreferencePair, models.PairSchema, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open dataset: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	var pairs []models.PreferencePair
	var schema models.PairSchema
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if schema == "" {
			schema, err = detectSchema([]byte(line))
			if err != nil {
				return nil, "", fmt.Errorf("line %d: %w", lineNum, err)
			}
		}

		pair, err := parsePair([]byte(line), schema)
		if err != nil {
			return nil, "", fmt.Errorf("line %d: %w", lineNum, err)
		}
		pairs = append(pairs, pair)
	}

	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("failed while reading dataset: %w", err)
	}

	if schema == "" {
		// Empty file: no records, no schema
		return nil, models.SchemaStackExchange, nil
	}
	return pairs, schema, nil
}

// detectSchema inspects the keys of the first record
func detectSchema(line []byte) (models.PairSchema, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(line, &probe); err != nil {
		return "", fmt.Errorf("failed to parse record: %w", err)
	}

	_, hasJ := probe["response_j"]
	_, hasK := probe["response_k"]
	if hasJ && hasK {
		return models.SchemaStackExchange, nil
	}

	_, hasChosen := probe["chosen"]
	_, hasRejected := probe["rejected"]
	if hasChosen && hasRejected {
		return models.SchemaDPO, nil
	}

	keys := make([]string, 0, len(probe))
	for k := range probe {
		keys = append(keys, k)
	}
	return "", fmt.Errorf("unrecognized record schema (keys: %s)", strings.Join(keys, ", "))
}

func parsePair(line []byte, schema models.PairSchema) (models.PreferencePair, error) {
	switch schema {
	case models.SchemaStackExchange:
		var rec models.PairRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return models.PreferencePair{}, fmt.Errorf("failed to parse record: %w", err)
		}
		if strings.TrimSpace(rec.Question) == "" {
			return models.PreferencePair{}, fmt.Errorf("record is missing question field")
		}
		if strings.TrimSpace(rec.ResponseJ) == "" || strings.TrimSpace(rec.ResponseK) == "" {
			return models.PreferencePair{}, fmt.Errorf("record is missing response_j or response_k field")
		}
		return models.PreferencePair{
			Question: rec.Question,
			Chosen:   rec.ResponseJ,
			Rejected: rec.ResponseK,
		}, nil

	case models.SchemaDPO:
		var rec models.DPORecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return models.PreferencePair{}, fmt.Errorf("failed to parse record: %w", err)
		}
		if strings.TrimSpace(rec.Prompt) == "" {
			return models.PreferencePair{}, fmt.Errorf("record is missing prompt field")
		}
		if strings.TrimSpace(rec.Chosen) == "" || strings.TrimSpace(rec.Rejected) == "" {
			return models.PreferencePair{}, fmt.Errorf("record is missing chosen or rejected field")
		}
		return models.PreferencePair{
			Question: rec.Prompt,
			Chosen:   rec.Chosen,
			Rejected: rec.Rejected,
		}, nil

	default:
		return models.PreferencePair{}, fmt.Errorf("unsupported schema: %s", schema)
	}
}
