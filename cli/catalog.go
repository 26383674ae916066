package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/reelflow/core"
)

// catalogFile is the YAML document accepted by "catalog import".
type catalogFile struct {
	Items []core.CatalogItem `yaml:"items"`
}

// NewCatalogCmd creates the "catalog" command group.
func NewCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the reference catalog used to ground scripts",
	}

	importCmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Insert or update catalog items from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE:  runCatalogImport,
	}
	addConfigFlags(importCmd)
	cmd.AddCommand(importCmd)

	return cmd
}

func runCatalogImport(cmd *cobra.Command, args []string) error {
	items, err := readCatalogFile(args[0])
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	if err := st.UpsertCatalogItems(cmd.Context(), items); err != nil {
		return exitError(exitRuntime, "importing catalog: %v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d catalog items\n", len(items))
	return nil
}

func readCatalogFile(path string) ([]core.CatalogItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, exitError(exitInput, "reading %s: %v", path, err)
	}
	var doc catalogFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, exitError(exitInput, "parsing %s: %v", path, err)
	}
	if len(doc.Items) == 0 {
		return nil, exitError(exitInput, "%s: no catalog items", path)
	}

	seen := make(map[int64]bool, len(doc.Items))
	for i, item := range doc.Items {
		switch {
		case item.ID <= 0:
			return nil, exitError(exitInput, "%s: item %d: id must be positive", path, i)
		case strings.TrimSpace(item.Name) == "":
			return nil, exitError(exitInput, "%s: item %d: name is required", path, i)
		case seen[item.ID]:
			return nil, exitError(exitInput, "%s: item %d: duplicate id %d", path, i, item.ID)
		}
		seen[item.ID] = true
	}
	return doc.Items, nil
}
