package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orneryd/organicdb/pkg/errors"
	"github.com/orneryd/organicdb/pkg/graph"
	"github.com/orneryd/organicdb/pkg/implicit"
	"github.com/orneryd/organicdb/pkg/organic"
	"github.com/orneryd/organicdb/pkg/pattern"
	"github.com/orneryd/organicdb/pkg/validation"
)

func newLearnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learn <entity-type> <attribute> <value>",
		Short: "Learn one observed attribute value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			module, _ := cmd.Flags().GetString("module")
			return withSystem(cmd, func(_ context.Context, sys *organic.System) (any, error) {
				return sys.Learner.Learn(args[0], args[1], parseValue(args[2]), observation(module, "cli")), nil
			})
		},
	}
	cmd.Flags().String("module", "", "Module the value was written in")
	return cmd
}

// validateOutput is a validation result plus the feedback recorded for it.
type validateOutput struct {
	validation.Result
	Feedback string `json:"feedback,omitempty"`
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <entity-type> <attribute> <value>",
		Short: "Validate a value against the learned pattern (never rejects)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			module, _ := cmd.Flags().GetString("module")
			feedback, _ := cmd.Flags().GetString("feedback")
			if feedback != "" && feedback != "accepted" && feedback != "rejected" {
				return errors.WithHint(
					errors.Wrapf(errors.ErrInvalidInput, "feedback %q", feedback),
					"use accepted or rejected")
			}
			return withSystem(cmd, func(_ context.Context, sys *organic.System) (any, error) {
				res := sys.Validator.Validate(args[0], args[1], parseValue(args[2]), observation(module, "cli"))
				if feedback != "" {
					sys.Validator.RecordFeedback(args[0], args[1], feedback == "accepted")
				}
				return validateOutput{Result: res, Feedback: feedback}, nil
			})
		},
	}
	cmd.Flags().String("module", "", "Module the value is written in")
	cmd.Flags().String("feedback", "", "Record whether the suggestions were accepted or rejected")
	return cmd
}

// correctOutput reports the corrections offered for an entity attribute.
type correctOutput struct {
	EntityID   string                      `json:"entityId"`
	Attribute  string                      `json:"attribute"`
	Original   any                         `json:"original"`
	Applied    *validation.AutoCorrection  `json:"applied,omitempty"`
	Pending    []validation.AutoCorrection `json:"pending"`
	Validation validation.Result           `json:"validation"`
}

func newCorrectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "correct <entity-id> <attribute>",
		Short: "Apply the best auto-correction to a stored attribute",
		Long: `Validates the stored value of an entity attribute and writes back the
most confident correction that is safe to apply. Corrections that need
approval are listed as pending unless --confirm is given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			confirm, _ := cmd.Flags().GetBool("confirm")
			return withSystem(cmd, func(ctx context.Context, sys *organic.System) (any, error) {
				entity, err := sys.Store.GetEntity(ctx, args[0])
				if err != nil {
					return nil, err
				}
				value, ok := entity.Attributes[args[1]]
				if !ok {
					return nil, errors.Wrapf(errors.ErrNotFound, "attribute %s on entity %s", args[1], args[0])
				}

				res := sys.Validator.Validate(entity.Type, args[1], value, observation(entity.ModuleID(), "correction"))
				out := correctOutput{
					EntityID:   entity.ID,
					Attribute:  args[1],
					Original:   value,
					Pending:    []validation.AutoCorrection{},
					Validation: res,
				}

				for i := range res.AutoCorrections {
					c := res.AutoCorrections[i]
					if confirm {
						c.Confirm()
					}
					if out.Applied != nil || !c.AutoApply {
						out.Pending = append(out.Pending, c)
						continue
					}
					if err := sys.Validator.ApplyCorrection(ctx, entity.ID, args[1], c); err != nil {
						return nil, err
					}
					out.Applied = &c
				}
				return out, nil
			})
		},
	}
	cmd.Flags().Bool("confirm", false, "Approve corrections that change meaning")
	return cmd
}

func newDocsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "docs <entity-type>",
		Short: "Print the living documentation of an entity type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd, func(_ context.Context, sys *organic.System) (any, error) {
				return sys.Learner.LivingDocumentation(args[0]), nil
			})
		},
	}
}

func newSuggestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suggest <entity-type>...",
		Short: "Suggest attributes for a new entity in a context",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd, func(_ context.Context, sys *organic.System) (any, error) {
				return sys.Learner.SuggestAttributesForContext(args), nil
			})
		},
	}
}

func newPropagateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "propagate <module-id> <attribute> <value>",
		Short: "Set an attribute on every member of a module",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd, func(ctx context.Context, sys *organic.System) (any, error) {
				return sys.Learner.PropagateToGroup(ctx, args[0], args[1], parseValue(args[2]))
			})
		},
	}
}

func newRelatedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "related <entity-id>",
		Short: "List entities implicitly related through shared modules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			types, _ := cmd.Flags().GetStringSlice("types")
			noContext, _ := cmd.Flags().GetBool("no-context")
			return withSystem(cmd, func(ctx context.Context, sys *organic.System) (any, error) {
				opts := sys.Resolver.DefaultRelatedOptions()
				if limit > 0 {
					opts.Limit = limit
				}
				opts.RelationTypes = types
				opts.IncludeContext = !noContext
				return sys.Resolver.RelatedEntities(ctx, args[0], opts), nil
			})
		},
	}
	cmd.Flags().Int("limit", 0, "Maximum number of results (0 uses the configured default)")
	cmd.Flags().StringSlice("types", nil, "Only these relation types or relationship labels")
	cmd.Flags().Bool("no-context", false, "Omit the relation context")
	return cmd
}

func newPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path <entity-a> <entity-b>",
		Short: "Find how two entities are connected through modules",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			depth, _ := cmd.Flags().GetInt("depth")
			return withSystem(cmd, func(ctx context.Context, sys *organic.System) (any, error) {
				return sys.Resolver.FindConnectionPath(ctx, args[0], args[1], depth), nil
			})
		},
	}
	cmd.Flags().Int("depth", 2, "Maximum depth (2 allows one bridging entity)")
	return cmd
}

func newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <module-id>",
		Short: "Create an entity in a module, inheriting the module's common attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			entityType, _ := cmd.Flags().GetString("type")
			attrs, _ := cmd.Flags().GetStringArray("attr")
			link, _ := cmd.Flags().GetBool("link")

			data := graph.Entity{ID: id, Type: entityType, Attributes: make(map[string]any, len(attrs))}
			for _, kv := range attrs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return errors.WithHint(
						errors.Wrapf(errors.ErrInvalidInput, "attribute %q", kv),
						"use --attr name=value")
				}
				data.Attributes[k] = parseValue(v)
			}

			return withSystem(cmd, func(ctx context.Context, sys *organic.System) (any, error) {
				return sys.Resolver.AddEntityToGroup(ctx, args[0], data, implicit.AddOptions{CreateExplicitLink: link})
			})
		},
	}
	cmd.Flags().String("id", "", "Entity id (generated when empty)")
	cmd.Flags().String("type", "", "Entity type (the module's majority type when empty)")
	cmd.Flags().StringArray("attr", nil, "Attribute as name=value (repeatable)")
	cmd.Flags().Bool("link", false, "Also create an explicit CONTAINS edge")
	return cmd
}

// reportOutput summarizes the learner and the validator.
type reportOutput struct {
	EntityTypes []entityTypeReport `json:"entityTypes"`
	Validation  validation.Report  `json:"validation"`
}

type entityTypeReport struct {
	EntityType string `json:"entityType"`
	Patterns   int    `json:"patterns"`
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Summarize learned patterns and validation feedback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd, func(_ context.Context, sys *organic.System) (any, error) {
				out := reportOutput{
					EntityTypes: []entityTypeReport{},
					Validation:  sys.Validator.GenerateReport(),
				}
				for _, t := range sys.Learner.EntityTypes() {
					out.EntityTypes = append(out.EntityTypes, entityTypeReport{
						EntityType: t,
						Patterns:   len(sys.Learner.Patterns(t)),
					})
				}
				return out, nil
			})
		},
	}
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run the pattern and resolver cleanup passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd, func(_ context.Context, sys *organic.System) (any, error) {
				return sys.Cleanup(), nil
			})
		},
	}
}

func observation(moduleID, source string) *pattern.ObservationContext {
	return &pattern.ObservationContext{ModuleID: moduleID, Source: source}
}
