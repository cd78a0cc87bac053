//go:build linux

// nvmectl pokes at an NVMe PCIe function from user space. The device must
// be unbound from the kernel nvme driver first; bring-up talks to BAR0
// directly through sysfs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	nvme "github.com/behrlich/go-nvme"
	"github.com/behrlich/go-nvme/internal/logging"
	"github.com/behrlich/go-nvme/internal/platform"
	"github.com/behrlich/go-nvme/internal/wire"
)

var (
	bdf     string
	verbose bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nvmectl",
		Short: "User-space NVMe PCIe transport utility",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg := logging.DefaultConfig()
			if verbose {
				cfg.Level = logging.LevelDebug
			}
			logging.SetDefault(logging.NewLogger(cfg))
		},
	}
	cmd.PersistentFlags().StringVarP(&bdf, "device", "d", "", "PCI address (e.g. 0000:03:00.0)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	cmd.MarkPersistentFlagRequired("device")

	cmd.AddCommand(newRegsCmd())
	cmd.AddCommand(newQueuesCmd())
	return cmd
}

func bringUp() (*nvme.Controller, error) {
	dev, err := platform.NewSysfsDevice(bdf)
	if err != nil {
		return nil, err
	}
	mem := platform.NewPagemapMemory()
	return nvme.New(dev, mem, nvme.DefaultOptions())
}

func newRegsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regs",
		Short: "Bring up the controller and dump its registers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrlr, err := bringUp()
			if err != nil {
				return err
			}
			defer ctrlr.Destruct()

			cap := ctrlr.Cap()
			id := ctrlr.PCIID()
			fmt.Printf("device    %s [%04x:%04x]\n", bdf, id.Vendor, id.Device)
			fmt.Printf("CAP       %#016x\n", uint64(cap))
			fmt.Printf("  MQES    %d (max queue depth %d)\n", cap.MQES(), cap.MQES()+1)
			fmt.Printf("  DSTRD   %d (doorbell stride %d bytes)\n", cap.DSTRD(), 4<<cap.DSTRD())
			fmt.Printf("  TO      %d (%d ms enable timeout)\n", cap.TO(), uint32(cap.TO())*500)
			fmt.Printf("VS        %#08x\n", ctrlr.GetReg4(wire.RegVS))
			fmt.Printf("CC        %#08x\n", ctrlr.GetReg4(wire.RegCC))
			csts := wire.CSTS(ctrlr.GetReg4(wire.RegCSTS))
			fmt.Printf("CSTS      %#08x (rdy=%v cfs=%v)\n", uint32(csts), csts.RDY(), csts.CFS())
			fmt.Printf("max xfer  %d bytes\n", ctrlr.MaxXferSize())
			return nil
		},
	}
}

func newQueuesCmd() *cobra.Command {
	var qid uint16
	cmd := &cobra.Command{
		Use:   "queues",
		Short: "Enable the controller, create an I/O queue pair, delete it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrlr, err := bringUp()
			if err != nil {
				return err
			}
			defer ctrlr.Destruct()

			if err := ctrlr.Enable(); err != nil {
				return err
			}

			ioq, err := ctrlr.CreateIOQueuePair(qid, wire.QPrioMedium)
			if err != nil {
				return err
			}
			fmt.Printf("created I/O queue pair %d: %d entries, sq in cmb: %v\n",
				ioq.ID(), ioq.Entries(), ioq.SQInCMB())

			if err := ctrlr.DeleteIOQueuePair(ioq); err != nil {
				return err
			}
			fmt.Printf("deleted I/O queue pair %d\n", qid)
			return nil
		},
	}
	cmd.Flags().Uint16Var(&qid, "qid", 1, "I/O queue identifier")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
