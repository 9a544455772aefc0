package events

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/event_batch.json
var batchSchemaJSON []byte

const batchSchemaURL = "https://sessiond.dev/schemas/event-batch.json"

var (
	batchSchemaOnce sync.Once
	batchSchema     *jsonschema.Schema
	batchSchemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	batchSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(batchSchemaJSON))
		if err != nil {
			batchSchemaErr = fmt.Errorf("parsing event batch schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		if err := c.AddResource(batchSchemaURL, doc); err != nil {
			batchSchemaErr = fmt.Errorf("adding event batch schema: %w", err)
			return
		}
		batchSchema, batchSchemaErr = c.Compile(batchSchemaURL)
	})
	return batchSchema, batchSchemaErr
}

// DecodeBatch validates raw JSON against the event batch schema and decodes
// it. Validation failures wrap ErrInvalidBatch.
func DecodeBatch(raw []byte) (Batch, error) {
	sch, err := compiledSchema()
	if err != nil {
		return Batch{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	if err := sch.Validate(inst); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	var b Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	return b, nil
}
