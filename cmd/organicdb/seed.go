package main

import (
	"context"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/organicdb/pkg/errors"
	"github.com/orneryd/organicdb/pkg/graph"
	"github.com/orneryd/organicdb/pkg/organic"
)

// seedFile is the YAML layout accepted by the seed command:
//
//	modules:
//	  - id: sales
//	    name: Sales Pipeline
//	    targetEntityType: Lead
//	entities:
//	  - id: lead-1
//	    type: Lead
//	    modules: [sales]
//	    attributes:
//	      email: ada@example.com
type seedFile struct {
	Modules  []graph.Module `yaml:"modules"`
	Entities []seedEntity   `yaml:"entities"`
}

type seedEntity struct {
	graph.Entity `yaml:",inline"`
	Modules      []string `yaml:"modules"`
}

type seedResult struct {
	Modules         int `json:"modules"`
	Entities        int `json:"entities"`
	Links           int `json:"links"`
	ValuesLearned   int `json:"valuesLearned"`
	PatternsTracked int `json:"patternsTracked"`
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load modules and entities from YAML and learn their attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrapf(err, "read seed file %s", args[0])
			}
			var seed seedFile
			if err := yaml.Unmarshal(data, &seed); err != nil {
				return errors.Wrapf(errors.Mark(err, errors.ErrInvalidInput), "parse seed file %s", args[0])
			}
			return withSystem(cmd, func(ctx context.Context, sys *organic.System) (any, error) {
				return runSeed(ctx, sys, seed)
			})
		},
	}
}

func runSeed(ctx context.Context, sys *organic.System, seed seedFile) (seedResult, error) {
	var result seedResult

	for i := range seed.Modules {
		m := seed.Modules[i]
		if m.ID == "" {
			return result, errors.Wrapf(errors.ErrInvalidInput, "module %d has no id", i)
		}
		if err := sys.Store.CreateModule(ctx, &m); err != nil {
			return result, errors.Wrapf(err, "create module %s", m.ID)
		}
		result.Modules++
	}

	for i := range seed.Entities {
		se := seed.Entities[i]
		e := se.Entity
		if e.ID == "" || e.Type == "" {
			return result, errors.Wrapf(errors.ErrInvalidInput, "entity %d needs an id and a type", i)
		}
		if err := sys.Store.CreateEntity(ctx, &e); err != nil {
			return result, errors.Wrapf(err, "create entity %s", e.ID)
		}
		result.Entities++

		for _, moduleID := range se.Modules {
			if err := sys.Store.LinkEntityToModule(ctx, moduleID, e.ID); err != nil {
				return result, errors.Wrapf(err, "link %s to %s", e.ID, moduleID)
			}
			result.Links++
		}

		moduleID := e.ModuleID()
		if moduleID == "" && len(se.Modules) > 0 {
			moduleID = se.Modules[0]
		}
		names := make([]string, 0, len(e.Attributes))
		for name := range e.Attributes {
			if name != graph.ModuleIDAttribute {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			sys.Learner.Learn(e.Type, name, e.Attributes[name], observation(moduleID, "seed"))
			result.ValuesLearned++
		}
	}

	for _, t := range sys.Learner.EntityTypes() {
		result.PatternsTracked += len(sys.Learner.Patterns(t))
	}
	return result, nil
}
