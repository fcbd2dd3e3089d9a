package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/outbox/internal/record"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Operation string
	Data      string
	Version   int64
	File      string
}

// BatchFile is the YAML layout accepted by enqueue --file.
type BatchFile struct {
	Mutations []BatchMutation `yaml:"mutations"`
}

// BatchMutation is one entry of a batch file.
type BatchMutation struct {
	EntityType      string         `yaml:"entityType"`
	EntityID        string         `yaml:"entityId"`
	Operation       string         `yaml:"operation"`
	ExpectedVersion int64          `yaml:"expectedVersion"`
	Payload         map[string]any `yaml:"payload"`
}

// EnqueueResult reports the queued mutation IDs, in order.
type EnqueueResult struct {
	IDs []string `json:"ids"`
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue [<entity-type> [<entity-id>]]",
		Short: "Queue a mutation for sync",
		Long: `Queue a create, update or delete of a match, team or player.

The mutation is validated and stored durably; it reaches the backend on the
next sync. A batch of mutations can be queued from a YAML file.

Example:
  outbox enqueue team --op create --data '{"name":"Rovers","shortName":"ROV"}'
  outbox enqueue match m1 --op update --version 3 --data '{"homeScore":2}'
  outbox enqueue player p9 --op delete
  outbox enqueue --file edits.yaml`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Operation, "op", "update", "operation (create|update|delete)")
	cmd.Flags().StringVar(&opts.Data, "data", "", "payload as a JSON object")
	cmd.Flags().Int64Var(&opts.Version, "version", 0, "entity version the edit is based on (required for update)")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "YAML batch file of mutations")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	var (
		mutations []record.Mutation
		err       error
	)
	if opts.File != "" {
		if len(args) > 0 {
			return NewExitError(ExitCommandError, "--file cannot be combined with positional arguments")
		}
		mutations, err = readBatch(opts.File)
	} else {
		var m record.Mutation
		m, err = mutationFromFlags(opts, args)
		mutations = []record.Mutation{m}
	}
	if err != nil {
		_ = f.Error(CodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid mutation", err)
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	res := EnqueueResult{IDs: make([]string, 0, len(mutations))}
	for i, m := range mutations {
		id, err := a.engine.Enqueue(ctx, m)
		if err != nil {
			_ = f.Error(CodeInput, err.Error(), map[string]any{"index": i, "queued": res.IDs})
			code := ExitFailure
			if errors.Is(err, record.ErrInvalidPayload) {
				code = ExitCommandError
			}
			return WrapExitError(code, fmt.Sprintf("mutation %d not queued", i), err)
		}
		f.VerboseLog("queued %s %s", m.Operation, id)
		res.IDs = append(res.IDs, id)
	}

	return f.Result(res, strings.Join(res.IDs, "\n"))
}

func mutationFromFlags(opts *EnqueueOptions, args []string) (record.Mutation, error) {
	if len(args) == 0 {
		return record.Mutation{}, fmt.Errorf("entity type is required")
	}
	et, err := record.ParseEntityType(args[0])
	if err != nil {
		return record.Mutation{}, err
	}

	m := record.Mutation{
		EntityType:      et,
		Operation:       record.Operation(opts.Operation),
		ExpectedVersion: opts.Version,
	}
	if len(args) == 2 {
		id := args[1]
		m.EntityID = &id
	}
	if opts.Data != "" {
		if !json.Valid([]byte(opts.Data)) {
			return record.Mutation{}, fmt.Errorf("--data is not valid JSON")
		}
		m.Payload = json.RawMessage(opts.Data)
	}
	return m, nil
}

// readBatch decodes a YAML batch file into mutations.
func readBatch(path string) ([]record.Mutation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}

	var batch BatchFile
	if err := yaml.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("parse batch file: %w", err)
	}
	if len(batch.Mutations) == 0 {
		return nil, fmt.Errorf("batch file %s has no mutations", path)
	}

	out := make([]record.Mutation, 0, len(batch.Mutations))
	for i, bm := range batch.Mutations {
		et, err := record.ParseEntityType(bm.EntityType)
		if err != nil {
			return nil, fmt.Errorf("mutation %d: %w", i, err)
		}
		m := record.Mutation{
			EntityType:      et,
			Operation:       record.Operation(bm.Operation),
			ExpectedVersion: bm.ExpectedVersion,
		}
		if bm.EntityID != "" {
			id := bm.EntityID
			m.EntityID = &id
		}
		if bm.Payload != nil {
			payload, err := json.Marshal(bm.Payload)
			if err != nil {
				return nil, fmt.Errorf("mutation %d: payload: %w", i, err)
			}
			m.Payload = payload
		}
		out = append(out, m)
	}
	return out, nil
}
