package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/lola/pkg/lola/shm"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Dump the shared-memory segment paths for an instance",
	Long: `inspect is a read-only debugging aid: given --service-id/--instance-id it
prints the deterministic paths LoLa uses for an instance's data and
control segments under --mount, and whether each currently exists.`,
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().Uint16("service-id", 1, "Service id to inspect")
	inspectCmd.Flags().Uint16("instance-id", 1, "Instance id to inspect")
}

func runInspect(cmd *cobra.Command, args []string) error {
	mount, _ := cmd.Flags().GetString("mount")
	serviceID, _ := cmd.Flags().GetUint16("service-id")
	instanceID, _ := cmd.Flags().GetUint16("instance-id")

	segments := []struct {
		name string
		kind shm.Kind
	}{
		{"data", shm.KindData},
		{"control-qm", shm.KindControlQM},
		{"control-asil-b", shm.KindControlASILB},
	}

	for _, seg := range segments {
		path := shm.PathFor(mount, seg.kind, serviceID, instanceID)
		_, err := os.Stat(path)
		fmt.Printf("%-16s %-40s exists=%v\n", seg.name, path, err == nil)
	}
	return nil
}
