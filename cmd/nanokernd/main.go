// Command nanokernd boots a self-contained instance of the kernel
// core against simulated hardware: a PATA drive backed by
// internal/simhw's register/IRQ fakes, an EXT2 filesystem formatted
// and mounted on top of it, a multi-CPU scheduler topology driving a
// small process tree, and a pair of loopback TCP sockets carrying a
// short request/response exchange. Grounded on cmd/ublk-mem/main.go's
// shape: flag parsing, klog setup, a one-shot bring-up sequence, then
// a signal-driven wait for shutdown.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nanokern/nanokern/internal/blockdev"
	"github.com/nanokern/nanokern/internal/ext2"
	"github.com/nanokern/nanokern/internal/klog"
	"github.com/nanokern/nanokern/internal/kparam"
	"github.com/nanokern/nanokern/internal/pata"
	"github.com/nanokern/nanokern/internal/proc"
	"github.com/nanokern/nanokern/internal/sched"
	"github.com/nanokern/nanokern/internal/tcp"
)

func main() {
	var (
		sectors = flag.Uint64("disk-sectors", 8192, "size of the simulated drive, in 512-byte sectors")
		ncpus   = flag.Int("cpus", 2, "number of simulated CPUs in the scheduler topology")
		verbose = flag.Bool("v", false, "verbose (debug-level) logging")
	)
	flag.Parse()

	logCfg := klog.DefaultConfig()
	if *verbose {
		logCfg.Level = klog.LevelDebug
	}
	log := klog.New(logCfg)
	klog.SetDefault(log)

	params := kparam.Default()
	log.Info("boot parameters", "pata_ro", params.PATARO, "tcp_disable_cc", params.TCPDisableCC, "sched_ipi", params.SchedIPI)

	dev, err := bringUpDisk(log, *sectors)
	if err != nil {
		log.Error("disk bring-up failed", "error", err)
		os.Exit(1)
	}

	fs, err := bringUpFilesystem(log, dev)
	if err != nil {
		log.Error("filesystem bring-up failed", "error", err)
		os.Exit(1)
	}
	if err := runFilesystemDemo(log, fs); err != nil {
		log.Error("filesystem demo failed", "error", err)
		os.Exit(1)
	}

	topology := bringUpScheduler(log, *ncpus)
	runSchedulerDemo(log, topology)

	runNetworkDemo(log, params.TCPDisableCC)

	fmt.Println("nanokernd: bring-up complete")
	fmt.Println("Press Ctrl+C to exit...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("received shutdown signal, exiting")
}

// bringUpDisk builds a simulated single-drive PATA channel and probes
// it through a Controller, returning the blockdev.Device backing drive
// 0 (minor 0, the raw partition).
func bringUpDisk(log *klog.Logger, sectors uint64) (*blockdev.Device, error) {
	const irqVector = 14
	ch, drive, _, irqLine, err := pata.NewSimChannel("primary", irqVector, 4<<20, log)
	if err != nil {
		return nil, err
	}
	drive.AddDrive(0, sectors, true)

	ctl, err := pata.NewController([]*pata.Channel{ch}, 8, log)
	if err != nil {
		return nil, err
	}
	if err := ctl.RegisterIRQ(irqLine, irqVector); err != nil {
		return nil, err
	}

	dev, _, err := ctl.Device(0)
	if err != nil {
		return nil, err
	}
	log.Info("disk ready", "sectors", sectors)
	return dev, nil
}

// bringUpFilesystem formats a fresh EXT2 filesystem spanning the whole
// drive and mounts it.
func bringUpFilesystem(log *klog.Logger, dev *blockdev.Device) (*ext2.FileSystem, error) {
	cache := blockdev.NewCache(dev, 0)

	// Partitions[0].Last is already expressed in blockdev.BlockSize
	// (1024-byte) units: Controller.NewController derives it from the
	// drive's 512-byte sector count via SetRawSize.
	totalBlocks := uint32(dev.Partitions[0].Last + 1)
	if totalBlocks == 0 {
		totalBlocks = 512
	}
	totalInodes := totalBlocks / 4
	if totalInodes < 32 {
		totalInodes = 32
	}

	if err := ext2.Format(cache, totalBlocks, totalInodes); err != nil {
		return nil, err
	}
	fs, err := ext2.Probe(cache, log)
	if err != nil {
		return nil, err
	}
	log.Info("filesystem mounted", "blocks", totalBlocks, "inodes", totalInodes)
	return fs, nil
}

// runFilesystemDemo exercises the namespace and file-data operations:
// create a directory, write a file into it, read the bytes back.
func runFilesystemDemo(log *klog.Logger, fs *ext2.FileSystem) error {
	root, err := fs.Root()
	if err != nil {
		return err
	}
	defer fs.ReleaseInode(root)

	srv, err := fs.Mkdir(root, "srv")
	if err != nil {
		return err
	}
	defer fs.ReleaseInode(srv)

	greeting, err := fs.Create(srv, "motd", ext2.ModeReg)
	if err != nil {
		return err
	}
	defer fs.ReleaseInode(greeting)

	msg := []byte("nanokern is up\n")
	if _, err := fs.WriteFile(greeting, 0, msg); err != nil {
		return err
	}

	readBack := make([]byte, len(msg))
	n, err := fs.ReadFile(greeting, 0, readBack)
	if err != nil {
		return err
	}
	log.Info("filesystem demo", "path", "/srv/motd", "wrote", len(msg), "read", n, "content", string(readBack[:n]))
	return nil
}

// bringUpScheduler constructs a topology of n idle CPUs.
func bringUpScheduler(log *klog.Logger, n int) *sched.Topology {
	if n < 1 {
		n = 1
	}
	cpus := make([]*sched.CPU, n)
	for i := range cpus {
		cpus[i] = sched.NewCPU(sched.CPUConfig{ID: i, MaxPrio: 31, InitQuantum: 10, HZ: 100})
	}
	topology := sched.NewTopology(cpus, nil, false)
	log.Info("scheduler topology ready", "cpus", n)
	return topology
}

// runSchedulerDemo spawns an init process and two forked children,
// runs three Pick+Tick steps on each CPU, then exits one child and
// reaps it from init with Waitpid.
func runSchedulerDemo(log *klog.Logger, topology *sched.Topology) {
	mgr := proc.NewManager(64, 64, 10, topology, klog.Default())

	initPID, err := mgr.Spawn(15)
	if err != nil {
		log.Error("spawn init failed", "error", err)
		return
	}
	childA, err := mgr.Fork(initPID)
	if err != nil {
		log.Error("fork failed", "error", err)
		return
	}
	childB, err := mgr.Fork(initPID)
	if err != nil {
		log.Error("fork failed", "error", err)
		return
	}
	log.Info("process tree", "init", initPID, "childA", childA, "childB", childB)

	for i := 0; i < topology.Len(); i++ {
		cpu := topology.CPU(i)
		for step := 0; step < 3; step++ {
			active := cpu.Pick()
			cpu.Tick()
			if active.TaskID != sched.IdleTaskID {
				log.Debug("scheduler tick", "cpu", i, "running_task", active.TaskID, "step", step)
			}
		}
	}

	if err := mgr.Exit(childA, 0); err != nil {
		log.Error("exit failed", "error", err)
	}
	if pid, status, err := mgr.Waitpid(initPID); err == nil {
		log.Info("reaped child", "pid", pid, "status", status)
	}
}

// runNetworkDemo drives a complete TCP handshake, a short data
// exchange, and a FIN teardown between two in-process sockets, without
// any real NIC: trigger_send's output on one socket is fed directly
// into the other's Input, exactly the loopback path a real interface
// would otherwise carry over the wire.
func runNetworkDemo(log *klog.Logger, disableCC bool) {
	const (
		serverIP   = 0x0A000001 // 10.0.0.1
		clientIP   = 0x0A000002 // 10.0.0.2
		serverPort = 7
		clientPort = 40000
	)

	listener := tcp.NewSocket(tcp.Quadruple{LocalIP: serverIP, LocalPort: serverPort}, 9000, 0, disableCC)
	listener.Listen(4)

	client := tcp.NewSocket(tcp.Quadruple{LocalIP: clientIP, LocalPort: clientPort, ForeignIP: serverIP, ForeignPort: serverPort}, 1000, 0, disableCC)
	client.Connect(serverIP, serverPort)

	var now uint32
	syn := client.SynSegment()
	server := listener.HandleSYN(&tcp.Segment{Flags: syn.Flags, Seq: syn.Seq, Window: syn.Win}, clientIP, 9000, now)
	if server == nil {
		log.Error("tcp demo: listener rejected the SYN")
		return
	}

	synAck := server.SynAckSegment()
	client.Input(&tcp.Segment{Flags: synAck.Flags, Seq: synAck.Seq, Ack: synAck.Ack, Window: synAck.Win}, now)

	for _, seg := range client.TriggerSend(now) {
		server.Input(&tcp.Segment{Flags: seg.Flags, Seq: seg.Seq, Ack: seg.Ack, Window: seg.Win, Data: seg.Data}, now)
	}

	log.Info("tcp handshake", "client_state", stateName(client), "server_state", stateName(server))

	client.SendBuf = append(client.SendBuf, []byte("GET /srv/motd\n")...)
	for _, seg := range client.TriggerSend(now) {
		server.Input(&tcp.Segment{Flags: seg.Flags, Seq: seg.Seq, Ack: seg.Ack, Window: seg.Win, Data: seg.Data}, now)
	}
	for _, seg := range server.TriggerSend(now) {
		client.Input(&tcp.Segment{Flags: seg.Flags, Seq: seg.Seq, Ack: seg.Ack, Window: seg.Win, Data: seg.Data}, now)
	}
	log.Info("tcp data delivered", "server_received", string(server.RecvBuf))

	server.SendBuf = append(server.SendBuf, []byte("nanokern is up\n")...)
	server.Close()
	for _, seg := range server.TriggerSend(now) {
		client.Input(&tcp.Segment{Flags: seg.Flags, Seq: seg.Seq, Ack: seg.Ack, Window: seg.Win, Data: seg.Data}, now)
	}

	client.Close()
	for _, seg := range client.TriggerSend(now) {
		server.Input(&tcp.Segment{Flags: seg.Flags, Seq: seg.Seq, Ack: seg.Ack, Window: seg.Win, Data: seg.Data}, now)
	}
	for _, seg := range server.TriggerSend(now) {
		client.Input(&tcp.Segment{Flags: seg.Flags, Seq: seg.Seq, Ack: seg.Ack, Window: seg.Win, Data: seg.Data}, now)
	}

	log.Info("tcp teardown", "client_received", string(client.RecvBuf), "client_state", stateName(client), "server_state", stateName(server))

	listener.Release()
	client.Release()
}

func stateName(s *tcp.Socket) string {
	return s.State().String()
}
