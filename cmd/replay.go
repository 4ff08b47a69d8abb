package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/adalundhe/coedit/core/config"
	"github.com/adalundhe/coedit/core/conflict"
	"github.com/adalundhe/coedit/core/document"
	"github.com/adalundhe/coedit/core/ot"
)

// =============================================================================
// Scenario format
// =============================================================================

// scenario is a recorded editing session. JSON files decode too since the
// YAML decoder accepts JSON.
type scenario struct {
	Document     string              `yaml:"document"`
	Owner        string              `yaml:"owner"`
	Content      string              `yaml:"content"`
	Participants map[string][]string `yaml:"participants"`
	Changes      []scenarioChange    `yaml:"changes"`
}

type scenarioChange struct {
	Author   string       `yaml:"author"`
	Revision int          `yaml:"revision"`
	Ops      []scenarioOp `yaml:"ops"`
}

// scenarioOp sets exactly one of its fields.
type scenarioOp struct {
	Retain int    `yaml:"retain"`
	Insert string `yaml:"insert"`
	Delete int    `yaml:"delete"`
}

func (o scenarioOp) operation() (ot.Operation, error) {
	set := 0
	var op ot.Operation
	if o.Retain > 0 {
		set++
		op = ot.Retain(o.Retain)
	}
	if o.Insert != "" {
		set++
		op = ot.Insert(o.Insert)
	}
	if o.Delete > 0 {
		set++
		op = ot.Delete(o.Delete)
	}
	if set != 1 {
		return ot.Operation{}, fmt.Errorf("operation must set exactly one of retain, insert or delete")
	}
	return op, nil
}

func (c scenarioChange) change() (ot.Change, error) {
	ops := make([]ot.Operation, 0, len(c.Ops))
	for i, raw := range c.Ops {
		op, err := raw.operation()
		if err != nil {
			return ot.Change{}, fmt.Errorf("op %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ot.NewChange(c.Revision, c.Author, ops...), nil
}

func parseScenario(data []byte) (*scenario, error) {
	var sc scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if sc.Document == "" {
		sc.Document = "scenario"
	}
	if sc.Owner == "" {
		return nil, fmt.Errorf("scenario owner is required")
	}
	return &sc, nil
}

// =============================================================================
// Replay
// =============================================================================

type rejectedChange struct {
	Index  int    `json:"index"`
	Author string `json:"author"`
	Error  string `json:"error"`
}

type replayResult struct {
	Document    string                          `json:"document"`
	Content     string                          `json:"content"`
	Revision    int                             `json:"revision"`
	Applied     int                             `json:"applied"`
	Rejected    []rejectedChange                `json:"rejected,omitempty"`
	Conflicts   []conflict.Summary              `json:"conflicts"`
	Resolutions map[string]*conflict.Resolution `json:"resolutions,omitempty"`
}

// replayScenario applies sc to a fresh engine in order. Changes that fail are
// reported and skipped. Conflicts are detected over every accepted change
// and, when strategy is set, resolved with it.
func replayScenario(ctx context.Context, sc *scenario, cfg *config.Config, strategy string, logger *slog.Logger) (*replayResult, error) {
	docs, err := document.NewEngine(document.EngineConfig{
		MaxHistory:   cfg.Document.MaxHistory,
		CacheMaxCost: cfg.Document.CacheMaxCost,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	defer docs.Close()

	conflicts, err := conflict.NewEngine(conflict.Config{
		DefaultStrategy: cfg.Conflict.DefaultStrategy,
		UserPriorities:  cfg.Conflict.UserPriorities,
		ArchiveSize:     cfg.Conflict.ArchiveSize,
		Snapshots:       docs,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Conflict.WordBoundaryRule {
		conflicts.RegisterRule(conflict.WordBoundaryRule{})
	}

	if _, err := docs.CreateDocument(sc.Document, sc.Content, sc.Owner); err != nil {
		return nil, err
	}
	for user, names := range sc.Participants {
		perms, err := document.ParsePermissions(names...)
		if err != nil {
			return nil, fmt.Errorf("participant %s: %w", user, err)
		}
		if err := docs.JoinDocument(sc.Document, user, perms); err != nil {
			return nil, fmt.Errorf("participant %s: %w", user, err)
		}
	}

	result := &replayResult{Document: sc.Document}
	var accepted []ot.Change
	for i, raw := range sc.Changes {
		change, err := raw.change()
		if err == nil {
			_, err = docs.ApplyChange(sc.Document, change, raw.Author)
		}
		if err != nil {
			result.Rejected = append(result.Rejected, rejectedChange{Index: i, Author: raw.Author, Error: err.Error()})
			continue
		}
		result.Applied++
		accepted = append(accepted, change)
	}

	found, err := conflicts.DetectConflicts(sc.Document, accepted)
	if err != nil {
		return nil, err
	}
	for _, c := range found {
		if strategy != "" {
			res, err := conflicts.ResolveConflict(ctx, c.ID, strategy)
			if err != nil {
				return nil, err
			}
			if result.Resolutions == nil {
				result.Resolutions = make(map[string]*conflict.Resolution)
			}
			result.Resolutions[c.ID] = res
		}
		summary, err := conflicts.Summary(c.ID)
		if err != nil {
			return nil, err
		}
		result.Conflicts = append(result.Conflicts, summary)
	}

	state, err := docs.GetState(sc.Document, sc.Owner)
	if err != nil {
		return nil, err
	}
	result.Content = state.Content
	result.Revision = state.Revision
	return result, nil
}

// =============================================================================
// Command
// =============================================================================

var (
	replayJSON     bool
	replayStrategy string
)

var replayCmd = &cobra.Command{
	Use:   "replay <scenario>",
	Short: "Replay a recorded editing session",
	Long: `Replay a YAML or JSON scenario against a fresh engine and print the final
content, revision and the conflicts the session produced.

Scenario format:
  document: notes
  owner: alice
  content: "Hello"
  participants:
    bob: [read, write]
  changes:
    - author: alice
      revision: 0
      ops: [{retain: 5}, {insert: " world"}]

Examples:
  coedit replay session.yaml
  coedit replay session.json --json
  coedit replay session.yaml --resolve operational_transform`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Output as JSON")
	replayCmd.Flags().StringVar(&replayStrategy, "resolve", "", "Resolve detected conflicts with this strategy")
}

func runReplay(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := loadConfig(logger)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	sc, err := parseScenario(data)
	if err != nil {
		return err
	}

	result, err := replayScenario(cmd.Context(), sc, manager.Get(), replayStrategy, logger)
	if err != nil {
		return err
	}

	if replayJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	return writeReplayText(cmd.OutOrStdout(), result)
}

func writeReplayText(w io.Writer, r *replayResult) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Document: %s\n", r.Document)
	fmt.Fprintf(&b, "Revision: %d (%d applied, %d rejected)\n", r.Revision, r.Applied, len(r.Rejected))
	fmt.Fprintf(&b, "Content:  %q\n", r.Content)

	for _, rej := range r.Rejected {
		fmt.Fprintf(&b, "Rejected: change %d by %s: %s\n", rej.Index, rej.Author, rej.Error)
	}

	fmt.Fprintf(&b, "Conflicts: %d\n", len(r.Conflicts))
	for _, c := range r.Conflicts {
		fmt.Fprintf(&b, "  %s %s %s authors=%s", c.ID, c.Type, c.Priority, strings.Join(c.Authors, ","))
		if res, ok := r.Resolutions[c.ID]; ok {
			fmt.Fprintf(&b, " resolved=%s", res.Strategy)
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
