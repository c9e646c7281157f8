package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/lola/pkg/lola/discovery/watcher"
	"github.com/cuemby/lola/pkg/log"
)

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Watch a service for offered instances and print handle-set changes",
	Long: `find starts a discovery watcher rooted at --discovery-root and prints
every handle-set change for --service-id (optionally narrowed to
--instance-id) as it occurs, until interrupted.`,
	RunE: runFind,
}

func init() {
	findCmd.Flags().Uint16("service-id", 1, "Service id to watch")
	findCmd.Flags().Int32("instance-id", -1, "Instance id to watch (-1 means any instance)")
}

func runFind(cmd *cobra.Command, args []string) error {
	discoveryRoot, _ := cmd.Flags().GetString("discovery-root")
	serviceID, _ := cmd.Flags().GetUint16("service-id")
	instanceIDArg, _ := cmd.Flags().GetInt32("instance-id")

	w, err := watcher.New(discoveryRoot)
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	w.Start()
	defer w.Stop()

	id := watcher.ServiceInstanceIdentifier{ServiceID: serviceID}
	if instanceIDArg >= 0 {
		iid := uint16(instanceIDArg)
		id.InstanceID = &iid
	}

	logger := log.WithComponent("cmd/find")
	handle, err := w.StartFindService(id, func(offerings []watcher.InstanceOffering) {
		for _, o := range offerings {
			fmt.Printf("instance %d: qualities=%v\n", o.InstanceID, o.Qualities)
		}
		if len(offerings) == 0 {
			fmt.Println("no instances currently offered")
		}
	})
	if err != nil {
		return fmt.Errorf("starting find-service subscription: %w", err)
	}
	defer w.StopFindService(handle)

	logger.Info().Uint16("service_id", serviceID).Msg("watching for offers, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}
