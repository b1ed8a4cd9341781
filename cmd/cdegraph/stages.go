package main

import (
	"github.com/spf13/cobra"

	"github.com/rohankatakam/cdegraph/internal/metrics"
)

var (
	normalizeFlags stageFlags
	extractFlags   stageFlags
	nodesFlags     stageFlags
	edgesFlags     stageFlags
	enrichFlags    stageFlags
	runFlags       stageFlags
)

var normalizeCmd = &cobra.Command{
	Use:   "normalize",
	Short: "Parse the XML export into the schema store entity tables",
	Long: `Streams every record of the XML export, recognizes CDE, DEC, OC, PR, VDM and PV
records (including nested ones) and upserts them into the entity tables.
Records already present with identical content are skipped; malformed
records are counted and recorded in the failure ledger.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd, &normalizeFlags, []string{metrics.StageNormalize})
	},
}

var extractLinksCmd = &cobra.Command{
	Use:   "extract-links",
	Short: "Derive parent/child and concept links into the link tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd, &extractFlags, []string{metrics.StageExtractLinks})
	},
}

var loadNodesCmd = &cobra.Command{
	Use:   "load-nodes",
	Short: "Merge every schema store entity into the graph as a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd, &nodesFlags, []string{metrics.StageLoadNodes})
	},
}

var loadEdgesCmd = &cobra.Command{
	Use:   "load-edges",
	Short: "Merge every link table row into the graph as a relationship",
	Long: `Merges relationships between existing nodes. Rows whose endpoints are not
in the graph yet are counted as dangling and picked up again by a later run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd, &edgesFlags, []string{metrics.StageLoadEdges})
	},
}

var enrichCmd = &cobra.Command{
	Use:   "enrich-embeddings",
	Short: "Embed node definitions that do not have a vector yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd, &enrichFlags, []string{metrics.StageEnrich})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run all stages (or a subset) in pipeline order",
	Example: `  cdegraph run --source ./exports
  cdegraph run --stages load-nodes,load-edges
  cdegraph run --interleave -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd, &runFlags, runFlags.stages)
	},
}

func init() {
	for _, c := range []struct {
		cmd *cobra.Command
		f   *stageFlags
	}{
		{normalizeCmd, &normalizeFlags},
		{extractLinksCmd, &extractFlags},
		{runCmd, &runFlags},
	} {
		addSourceFlags(c.cmd, c.f)
	}

	for _, c := range []struct {
		cmd *cobra.Command
		f   *stageFlags
	}{
		{normalizeCmd, &normalizeFlags},
		{extractLinksCmd, &extractFlags},
		{loadNodesCmd, &nodesFlags},
		{loadEdgesCmd, &edgesFlags},
		{enrichCmd, &enrichFlags},
		{runCmd, &runFlags},
	} {
		addCommonFlags(c.cmd, c.f)
	}

	loadNodesCmd.Flags().StringSliceVar(&nodesFlags.kinds, "kinds", nil, "entity kinds to load (CDE,DEC,OC,PR,VDM,PV)")
	loadEdgesCmd.Flags().StringSliceVar(&edgesFlags.links, "links", nil, "link tables to load (e.g. cde_vdm,pv_ncit)")
	addGraphFlags(runCmd, &runFlags)

	addEmbedFlags(enrichCmd, &enrichFlags)
	addEmbedFlags(runCmd, &runFlags)

	runCmd.Flags().StringSliceVar(&runFlags.stages, "stages", nil, "stages to run (default: all)")
	runCmd.Flags().BoolVar(&runFlags.interleave, "interleave", false, "normalize and extract links in a single pass over the export")
}
