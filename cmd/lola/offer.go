package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/lola/pkg/lola/control"
	"github.com/cuemby/lola/pkg/lola/metrics"
	"github.com/cuemby/lola/pkg/lola/shm"
	"github.com/cuemby/lola/pkg/lola/skeleton"
	"github.com/cuemby/lola/pkg/log"
)

var offerCmd = &cobra.Command{
	Use:   "offer",
	Short: "Offer one service instance and serve until signaled",
	Long: `offer creates a skeleton for a (service-id, instance-id) pair, registers
a single event element sized by --num-slots/--sample-size, advertises it
and blocks until interrupted, at which point it stops the offer and tears
down cleanly.`,
	RunE: runOffer,
}

func init() {
	offerCmd.Flags().Uint16("service-id", 1, "Service id to offer")
	offerCmd.Flags().Uint16("instance-id", 1, "Instance id to offer")
	offerCmd.Flags().Uint8("element-id", 0, "Element id of the single event offered")
	offerCmd.Flags().Int("num-slots", 4, "Number of event slots")
	offerCmd.Flags().Int("sample-size", 64, "Sample payload size in bytes")
	offerCmd.Flags().Int("max-subscribers", 8, "Maximum number of concurrent subscribers")
	offerCmd.Flags().Bool("asil-b", false, "Also offer an ASIL-B control segment")
	offerCmd.Flags().String("metrics-addr", "", "If set, serve /metrics on this address")
}

func runOffer(cmd *cobra.Command, args []string) error {
	mount, _ := cmd.Flags().GetString("mount")
	stateDir, _ := cmd.Flags().GetString("state-dir")
	discoveryRoot, _ := cmd.Flags().GetString("discovery-root")
	serviceID, _ := cmd.Flags().GetUint16("service-id")
	instanceID, _ := cmd.Flags().GetUint16("instance-id")
	elementID, _ := cmd.Flags().GetUint8("element-id")
	numSlots, _ := cmd.Flags().GetInt("num-slots")
	sampleSize, _ := cmd.Flags().GetInt("sample-size")
	maxSubscribers, _ := cmd.Flags().GetInt("max-subscribers")
	hasASILB, _ := cmd.Flags().GetBool("asil-b")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg := skeleton.Config{Mount: mount, StateDir: stateDir, DiscoveryRoot: discoveryRoot}
	sk := skeleton.New(cfg, serviceID, instanceID, hasASILB)

	if err := sk.Create(); err != nil {
		return fmt.Errorf("creating skeleton: %w", err)
	}
	defer sk.Destroy()

	if err := sk.PrepareOffer([]shm.EventSizing{{NumSlots: numSlots, SampleSize: sampleSize}}); err != nil {
		return fmt.Errorf("preparing offer: %w", err)
	}

	id := skeleton.ElementFqId{ServiceID: serviceID, ElementID: elementID, InstanceID: instanceID, ElementType: skeleton.ElementEvent}
	policy := control.Policy{MaxSubscribers: maxSubscribers}
	if _, err := skeleton.Register[struct{}](sk, id, struct{}{}, numSlots, policy, false); err != nil {
		return fmt.Errorf("registering element: %w", err)
	}

	if err := sk.FinalizeOffer(); err != nil {
		return fmt.Errorf("finalizing offer: %w", err)
	}
	defer sk.PrepareStopOffer()

	logger := log.WithComponent("cmd/offer")
	logger.Info().
		Uint16("service_id", serviceID).
		Uint16("instance_id", instanceID).
		Bool("reopened", sk.Reopened()).
		Msg("offer advertised, serving until signaled")

	if metricsAddr != "" {
		go serveMetrics(metricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("signal received, stopping offer")
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithComponent("cmd/offer").Error().Err(err).Msg("metrics server stopped")
	}
}
