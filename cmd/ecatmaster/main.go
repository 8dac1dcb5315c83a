// Command ecatmaster is the CLI facade over pkg/master: scan the ring and
// bring it to PreOperational, read/write a single CoE object, or run a
// process-data exchange loop at a fixed period. Subcommand names mirror the
// three behaviours the Rust reference implementation's example driver
// exposed (read_eeprom_test, sdo_test, pdo_test).
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	ecat "github.com/gecat-project/gecat"
	"github.com/gecat-project/gecat/pkg/config"
	"github.com/gecat-project/gecat/pkg/master"
	"github.com/gecat-project/gecat/pkg/network"
	"github.com/gecat-project/gecat/pkg/transceiver"
	_ "github.com/gecat-project/gecat/pkg/transceiver/rawsocket"
	_ "github.com/gecat-project/gecat/pkg/transceiver/virtual"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	verbose := false
	for _, a := range os.Args {
		if a == "-v" {
			verbose = true
		}
	}
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	var err error
	switch os.Args[1] {
	case "scan":
		err = runScan(os.Args[2:])
	case "sdo":
		err = runSdo(os.Args[2:])
	case "pdo":
		err = runPdo(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ecatmaster <scan|sdo|pdo> [flags]")
}

// openTransceiver builds the transceiver named by backend/iface and a
// plausible source MAC to transmit from: the interface's own hardware
// address for "rawsocket", DefaultMasterMAC for "virtual".
func openTransceiver(backend, iface string) (transceiver.Transceiver, [6]byte, error) {
	tx, err := transceiver.New(backend, iface)
	if err != nil {
		return nil, [6]byte{}, err
	}
	if backend != "rawsocket" {
		return tx, ecat.DefaultMasterMAC, nil
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		tx.Close()
		return nil, [6]byte{}, fmt.Errorf("resolve hardware address of %s: %w", iface, err)
	}
	var mac [6]byte
	copy(mac[:], ifi.HardwareAddr)
	return tx, mac, nil
}

func commonFlags(fs *flag.FlagSet) (backend, iface, esi *string) {
	backend = fs.String("backend", "rawsocket", "transceiver backend: rawsocket or virtual")
	iface = fs.String("i", "eth0", "network interface (or virtual ring name)")
	esi = fs.String("esi", "", "ESI/OD-defaults .ini file to apply to every slave once it reaches PreOperational")
	fs.Bool("v", false, "verbose logging")
	return
}

// applyESI loads path (if non-empty) and pushes its ObjectDictionary
// defaults into every slave on the ring.
func applyESI(path string, m *master.EtherCatMaster, n int) error {
	if path == "" {
		return nil
	}
	doc, err := config.LoadESI(path)
	if err != nil {
		return fmt.Errorf("esi: %w", err)
	}
	log.Infof("esi: applying %d object dictionary default(s) from %s", len(doc.Defaults), path)
	for i := 0; i < n; i++ {
		conf := config.NewNodeConfigurator(ecat.Position(uint16(i)), m, nil)
		if err := doc.ApplyDefaults(conf); err != nil {
			return fmt.Errorf("esi: slave %d: %w", i, err)
		}
	}
	return nil
}

func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	backend, iface, esi := commonFlags(fs)
	toOp := fs.Bool("op", false, "also drive every slave to Operational")
	fs.Parse(args)

	tx, mac, err := openTransceiver(*backend, *iface)
	if err != nil {
		return err
	}
	defer tx.Close()

	m := master.NewEtherCatMaster(tx, mac, 100*time.Millisecond, 10000)
	net, err := m.InitializeSlaves()
	if err != nil {
		return fmt.Errorf("initialize slaves: %w", err)
	}
	log.Infof("found %d slave(s)", net.NumSlaves())
	for i, slave := range net.Slaves {
		log.Infof("  [%d] station=0x%04X vendor=0x%08X product=0x%08X al=%s",
			i, slave.ConfiguredAddr, slave.VendorID, slave.ProductCode, slave.AlState)
	}

	target := ecat.All(uint16(net.NumSlaves()))
	if err := m.ChangeAlState(target, network.AlInit, network.AlPreOperational); err != nil {
		return fmt.Errorf("reach PreOperational: %w", err)
	}
	log.Info("ring is PreOperational")

	if err := applyESI(*esi, m, net.NumSlaves()); err != nil {
		return err
	}

	if !*toOp {
		return nil
	}
	if err := m.ChangeAlState(target, network.AlPreOperational, network.AlSafeOperational); err != nil {
		return fmt.Errorf("reach SafeOperational: %w", err)
	}
	if err := m.ChangeAlState(target, network.AlSafeOperational, network.AlOperational); err != nil {
		return fmt.Errorf("reach Operational: %w", err)
	}
	log.Info("ring is Operational")
	return nil
}

func parseIndexSub(s string) (uint16, uint8, error) {
	parts := strings.SplitN(s, ":", 2)
	index, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad index %q: %w", parts[0], err)
	}
	var sub uint64
	if len(parts) == 2 {
		sub, err = strconv.ParseUint(parts[1], 0, 8)
		if err != nil {
			return 0, 0, fmt.Errorf("bad subindex %q: %w", parts[1], err)
		}
	}
	return uint16(index), uint8(sub), nil
}

func runSdo(args []string) error {
	fs := flag.NewFlagSet("sdo", flag.ExitOnError)
	backend, iface, _ := commonFlags(fs)
	station := fs.Uint("station", 1, "configured station address of the target slave")
	entry := fs.String("entry", "", "object entry as 0xINDEX[:SUB]")
	write := fs.String("write", "", "uint32 value to write; omit to read")
	fs.Parse(args)

	if *entry == "" {
		return fmt.Errorf("sdo: -entry is required")
	}
	index, sub, err := parseIndexSub(*entry)
	if err != nil {
		return err
	}

	tx, mac, err := openTransceiver(*backend, *iface)
	if err != nil {
		return err
	}
	defer tx.Close()

	m := master.NewEtherCatMaster(tx, mac, 100*time.Millisecond, 10000)
	if _, err := m.InitializeSlaves(); err != nil {
		return fmt.Errorf("initialize slaves: %w", err)
	}
	addr := ecat.Station(uint16(*station))
	if err := m.ChangeAlState(ecat.Single(addr), network.AlInit, network.AlPreOperational); err != nil {
		return fmt.Errorf("reach PreOperational: %w", err)
	}

	if *write != "" {
		v, err := strconv.ParseUint(*write, 0, 32)
		if err != nil {
			return fmt.Errorf("bad -write value %q: %w", *write, err)
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(v))
		if err := m.WriteSdo(addr, index, sub, buf); err != nil {
			return fmt.Errorf("write 0x%04X:%d: %w", index, sub, err)
		}
		log.Infof("wrote 0x%04X:%d = %d", index, sub, v)
		return nil
	}

	data, err := m.ReadSdo(addr, index, sub)
	if err != nil {
		return fmt.Errorf("read 0x%04X:%d: %w", index, sub, err)
	}
	log.Infof("read 0x%04X:%d = % X", index, sub, data)
	return nil
}

func runPdo(args []string) error {
	fs := flag.NewFlagSet("pdo", flag.ExitOnError)
	backend, iface, esi := commonFlags(fs)
	period := fs.Duration("period", time.Millisecond, "cycle period")
	cycles := fs.Int("cycles", 0, "number of cycles to run, 0 = forever")
	rxThreshold := fs.Uint("rx-error-threshold", 0, "RxErrorCounter delta considered fatal, 0 disables the check")
	fs.Parse(args)

	tx, mac, err := openTransceiver(*backend, *iface)
	if err != nil {
		return err
	}
	defer tx.Close()

	m := master.NewEtherCatMaster(tx, mac, 100*time.Millisecond, 10000)
	net, err := m.InitializeSlaves()
	if err != nil {
		return fmt.Errorf("initialize slaves: %w", err)
	}

	target := ecat.All(uint16(net.NumSlaves()))
	if err := m.ChangeAlState(target, network.AlInit, network.AlPreOperational); err != nil {
		return fmt.Errorf("reach PreOperational: %w", err)
	}
	if err := applyESI(*esi, m, net.NumSlaves()); err != nil {
		return err
	}
	if err := m.ChangeAlState(target, network.AlPreOperational, network.AlSafeOperational); err != nil {
		return fmt.Errorf("reach SafeOperational: %w", err)
	}
	if err := m.ChangeAlState(target, network.AlSafeOperational, network.AlOperational); err != nil {
		return fmt.Errorf("reach Operational: %w", err)
	}

	m.StartCyclicOperation(mac, tx, uint32(*rxThreshold))
	log.Infof("running process data at %s", *period)

	ticker := time.NewTicker(*period)
	defer ticker.Stop()
	for i := 0; *cycles == 0 || i < *cycles; i++ {
		<-ticker.C
		if err := m.ProcessOneCycle(ecat.Now()); err != nil {
			return fmt.Errorf("cycle %d: %w", i, err)
		}
		if i%1000 == 0 {
			log.Debugf("cycle %d: inputs=% X", m.CycleCount(), m.Inputs())
		}
	}
	return nil
}
