package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"hubgo/internal/app"
	"hubgo/internal/config"
	"hubgo/internal/domain"
	"hubgo/internal/events"
	"hubgo/internal/transport"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	defaultHistoryLimit   = 20
)

func main() {
	if err := run(); err != nil {
		slog.Error("hubctl failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: hubctl [flags] <command> [args]

Commands:
  info                     connect and print the hub's identity
  slots                    list the hub's program slots
  slot <index>             query one slot directly from the hub
  install <slot> <file>    write a program file into a slot
  uninstall <slot>         remove the program from a slot
  download <slot>          read a program image back out of a slot
  watch                    stay connected and stream hub events
  history                  show the local transfer journal
  hubs                     show hubs this machine has connected to
  forget                   wipe the local journal and known-hub list
  ports                    list serial ports on this machine

Flags:
`)
	flag.PrintDefaults()
}

func run() error {
	target := flag.String("target", "", `connection target: "serial:/dev/ttyACM0", "tcp:host:port", "rfcomm:MAC", "ble:MAC", or a bare serial device path`)
	logLevel := flag.String("log-level", "", "override the configured log level (debug|info|warn|error)")
	timeout := flag.Duration("timeout", defaultCommandTimeout, "overall command deadline")
	save := flag.Bool("save", false, "persist the -target connection settings after a successful connect")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println("hubctl", app.BuildVersionWithDate())
		return nil
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths, err := app.ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(*target) != "" {
		cfg.Connection, err = app.ParseTarget(*target, cfg.Connection)
		if err != nil {
			return err
		}
	}
	if strings.TrimSpace(*logLevel) != "" {
		cfg.Logging.Level = strings.TrimSpace(*logLevel)
	}

	rt, err := app.InitializeWithConfig(ctx, paths, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Warn("close runtime", "error", closeErr)
		}
	}()

	cli := &cliApp{rt: rt, out: os.Stdout, saveOnConnect: *save, timeout: *timeout}

	command, rest := args[0], args[1:]
	switch command {
	case "info":
		return cli.runInfo(ctx)
	case "slots":
		return cli.runSlots(ctx)
	case "slot":
		return cli.runSlot(ctx, rest)
	case "install":
		return cli.runInstall(ctx, rest)
	case "uninstall":
		return cli.runUninstall(ctx, rest)
	case "download":
		return cli.runDownload(ctx, rest)
	case "watch":
		return cli.runWatch(ctx, rest)
	case "history":
		return cli.runHistory(ctx, rest)
	case "hubs":
		return cli.runHubs(ctx)
	case "forget":
		return cli.runForget(ctx)
	case "ports":
		return cli.runPorts()
	default:
		usage()
		return fmt.Errorf("unknown command: %q", command)
	}
}

type cliApp struct {
	rt            *app.Runtime
	out           *os.File
	saveOnConnect bool
	timeout       time.Duration
}

// connect dials the configured hub and optionally persists the
// connection settings that worked.
func (c *cliApp) connect(ctx context.Context) (domain.HubInfo, error) {
	info, err := c.rt.Connect(ctx)
	if err != nil {
		return domain.HubInfo{}, err
	}

	if c.saveOnConnect {
		if err := c.rt.SaveConfig(c.rt.Config); err != nil {
			slog.Warn("save config", "error", err)
		}
	}

	return info, nil
}

func (c *cliApp) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.timeout)
}

func (c *cliApp) runInfo(ctx context.Context) error {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	info, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer c.rt.Client.Disconnect()

	fmt.Fprintf(c.out, "Device:    %s\n", info.DeviceName)
	fmt.Fprintf(c.out, "Target:    %s\n", info.Target)
	fmt.Fprintf(c.out, "Firmware:  %s\n", info.Firmware)
	fmt.Fprintf(c.out, "Protocol:  v%d\n", info.Protocol)
	fmt.Fprintf(c.out, "Slots:     %d\n", info.SlotCount)
	fmt.Fprintf(c.out, "Max chunk: %d bytes\n", info.MaxChunk)

	return nil
}

func (c *cliApp) runSlots(ctx context.Context) error {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	if _, err := c.connect(ctx); err != nil {
		return err
	}
	defer c.rt.Client.Disconnect()

	slots, err := c.rt.Client.Slots(ctx, false)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tSTATE\tNAME\tTYPE\tSIZE\tMODIFIED")
	for _, slot := range slots {
		fmt.Fprintln(w, formatSlotRow(slot))
	}

	return w.Flush()
}

func (c *cliApp) runSlot(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: hubctl slot <index>")
	}
	index, err := parseSlotIndex(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	if _, err := c.connect(ctx); err != nil {
		return err
	}
	defer c.rt.Client.Disconnect()

	slot, err := c.rt.Client.Slot(ctx, index)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tSTATE\tNAME\tTYPE\tSIZE\tMODIFIED")
	fmt.Fprintln(w, formatSlotRow(slot))

	return w.Flush()
}

func (c *cliApp) runInstall(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	progType := fs.String("type", "", "program type (python|scratch); inferred from the file extension when empty")
	progName := fs.String("name", "", "program display name; defaults to the file name without extension")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: hubctl install [-type T] [-name N] <slot> <file>")
	}

	index, err := parseSlotIndex(fs.Arg(0))
	if err != nil {
		return err
	}
	path := fs.Arg(1)

	typ, err := resolveProgramType(*progType, path)
	if err != nil {
		return err
	}
	name := strings.TrimSpace(*progName)
	if name == "" {
		name = programNameFromPath(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read program file: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("program file %q is empty", path)
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	if _, err := c.connect(ctx); err != nil {
		return err
	}
	defer c.rt.Client.Disconnect()

	stopProgress := c.showProgress()
	installed, err := c.rt.Client.Install(ctx, index, domain.Program{Name: name, Type: typ, Data: data})
	stopProgress()
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "installed %q (%s, %d bytes) into slot %d\n", installed.Name, installed.Type, installed.Size, installed.Index)

	return nil
}

func (c *cliApp) runUninstall(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: hubctl uninstall <slot>")
	}
	index, err := parseSlotIndex(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	if _, err := c.connect(ctx); err != nil {
		return err
	}
	defer c.rt.Client.Disconnect()

	if err := c.rt.Client.Uninstall(ctx, index); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "slot %d cleared\n", index)

	return nil
}

func (c *cliApp) runDownload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	outPath := fs.String("o", "", "output file; defaults to the program name with a type-derived extension")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: hubctl download [-o FILE] <slot>")
	}
	index, err := parseSlotIndex(fs.Arg(0))
	if err != nil {
		return err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	if _, err := c.connect(ctx); err != nil {
		return err
	}
	defer c.rt.Client.Disconnect()

	stopProgress := c.showProgress()
	prog, err := c.rt.Client.Extract(ctx, index)
	stopProgress()
	if err != nil {
		return err
	}

	path := strings.TrimSpace(*outPath)
	if path == "" {
		path = defaultProgramFilename(prog, index)
	}
	if err := os.WriteFile(path, prog.Data, 0o600); err != nil {
		return fmt.Errorf("write program file: %w", err)
	}
	fmt.Fprintf(c.out, "downloaded slot %d (%d bytes) to %s\n", index, len(prog.Data), path)

	return nil
}

func (c *cliApp) runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	listenFor := fs.Duration("for", 0, "watch duration, e.g. 30s; 0 means until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := c.connect(ctx); err != nil {
		return err
	}
	defer c.rt.Client.Disconnect()

	conn := c.rt.Bus.Subscribe(events.TopicConnStatus)
	changes := c.rt.Bus.Subscribe(events.TopicSlotChanged)
	transfers := c.rt.Bus.Subscribe(events.TopicTransferStatus)
	defer c.rt.Bus.Unsubscribe(conn, events.TopicConnStatus)
	defer c.rt.Bus.Unsubscribe(changes, events.TopicSlotChanged)
	defer c.rt.Bus.Unsubscribe(transfers, events.TopicTransferStatus)

	watchCtx := ctx
	if *listenFor > 0 {
		var cancel context.CancelFunc
		watchCtx, cancel = context.WithTimeout(ctx, *listenFor)
		defer cancel()
	}

	fmt.Fprintln(c.out, "watching hub events, interrupt to stop")
	for {
		select {
		case <-watchCtx.Done():
			return nil
		case raw := <-conn:
			status, ok := raw.(events.ConnStatus)
			if !ok {
				continue
			}
			if status.Err != "" {
				fmt.Fprintf(c.out, "%s  connection: %s (%s)\n", time.Now().Format(time.TimeOnly), status.State, status.Err)
			} else {
				fmt.Fprintf(c.out, "%s  connection: %s\n", time.Now().Format(time.TimeOnly), status.State)
			}
			if status.State == events.ConnectionStateDisconnected {
				return nil
			}
		case raw := <-changes:
			change, ok := raw.(events.SlotChanged)
			if !ok {
				continue
			}
			fmt.Fprintf(c.out, "%s  slot %d changed on device\n", time.Now().Format(time.TimeOnly), change.Slot)
		case raw := <-transfers:
			status, ok := raw.(events.TransferStatus)
			if !ok {
				continue
			}
			fmt.Fprintf(c.out, "%s  %s slot %d: %s %d/%d\n", time.Now().Format(time.TimeOnly), status.Direction, status.Slot, status.Phase, status.BytesMoved, status.BytesTotal)
		}
	}
}

func (c *cliApp) runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("n", defaultHistoryLimit, "number of journal entries to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	records, err := c.rt.History(ctx, *limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(c.out, "no transfers recorded yet")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tACTION\tSLOT\tPROGRAM\tBYTES\tRESULT")
	for _, rec := range records {
		result := "ok"
		if !rec.Succeeded {
			result = rec.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n",
			rec.At.Format(time.DateTime), rec.Direction, rec.Slot, rec.ProgramName, rec.Bytes, result)
	}

	return w.Flush()
}

func (c *cliApp) runHubs(ctx context.Context) error {
	hubs, err := c.rt.KnownHubs(ctx)
	if err != nil {
		return err
	}
	if len(hubs) == 0 {
		fmt.Fprintln(c.out, "no hubs recorded yet")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tNAME\tFIRMWARE\tPROTOCOL\tSLOTS\tLAST SEEN")
	for _, hub := range hubs {
		fmt.Fprintf(w, "%s\t%s\t%s\tv%d\t%d\t%s\n",
			hub.Target, hub.Name, hub.Firmware, hub.Protocol, hub.SlotCount, hub.LastSeenAt.Format(time.DateTime))
	}

	return w.Flush()
}

func (c *cliApp) runForget(ctx context.Context) error {
	if err := c.rt.ClearHistory(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "local history cleared")

	return nil
}

func (c *cliApp) runPorts() error {
	ports, err := transport.ListSerialPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(c.out, "no serial ports found")
		return nil
	}
	for _, port := range ports {
		fmt.Fprintln(c.out, port)
	}

	return nil
}

// showProgress prints transfer progress lines until the returned stop
// function runs. Terminal events are skipped; the command prints its own
// summary.
func (c *cliApp) showProgress() func() {
	ch := c.rt.Bus.Subscribe(events.TopicTransferStatus)
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		lastTenth := -1
		for {
			select {
			case <-done:
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				status, ok := raw.(events.TransferStatus)
				if !ok || status.Done || status.BytesTotal <= 0 {
					continue
				}
				tenth := status.BytesMoved * 10 / status.BytesTotal
				if tenth <= lastTenth {
					continue
				}
				lastTenth = tenth
				fmt.Fprintf(os.Stderr, "%s... %d%% (%d/%d bytes)\n", status.Phase, tenth*10, status.BytesMoved, status.BytesTotal)
			}
		}
	}()

	return func() {
		close(done)
		<-finished
		c.rt.Bus.Unsubscribe(ch, events.TopicTransferStatus)
	}
}

func parseSlotIndex(raw string) (int, error) {
	index, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || index < 0 {
		return 0, fmt.Errorf("invalid slot index: %q", raw)
	}

	return index, nil
}

// resolveProgramType prefers an explicit -type, falling back to the file
// extension.
func resolveProgramType(explicit, path string) (domain.ProgramType, error) {
	if trimmed := strings.TrimSpace(explicit); trimmed != "" {
		typ, ok := domain.ParseProgramType(trimmed)
		if !ok {
			return 0, fmt.Errorf("unknown program type %q, use python or scratch", trimmed)
		}
		return typ, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".py", ".mpy":
		return domain.ProgramTypePython, nil
	case ".llsp", ".llsp3", ".lms", ".sb3":
		return domain.ProgramTypeScratch, nil
	default:
		return 0, fmt.Errorf("cannot infer program type from %q, pass -type python or -type scratch", filepath.Base(path))
	}
}

func programNameFromPath(path string) string {
	base := filepath.Base(path)

	return strings.TrimSuffix(base, filepath.Ext(base))
}

// defaultProgramFilename picks an output name for a downloaded image.
func defaultProgramFilename(prog domain.Program, slot int) string {
	name := strings.TrimSpace(prog.Name)
	if name == "" {
		name = fmt.Sprintf("slot-%d", slot)
	}

	ext := ".bin"
	switch prog.Type {
	case domain.ProgramTypePython:
		ext = ".py"
	case domain.ProgramTypeScratch:
		ext = ".llsp3"
	}

	return name + ext
}

func formatSlotRow(slot domain.Slot) string {
	if slot.State != domain.SlotStateOccupied {
		return fmt.Sprintf("%d\t%s\t\t\t\t", slot.Index, slot.State)
	}

	return fmt.Sprintf("%d\t%s\t%s\t%s\t%d\t%s",
		slot.Index, slot.State, slot.Name, slot.Type, slot.Size, slot.ModifiedAt.Format(time.DateTime))
}
