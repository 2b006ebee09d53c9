// Package console implements the interactive operator console of the
// character directory: status, rosters and the kick command over stdin.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/seolan-project/seolan/internal/char"
	"github.com/seolan-project/seolan/internal/config"
	"github.com/seolan-project/seolan/internal/events"
	"github.com/seolan-project/seolan/internal/util"
)

// Console reads operator commands and answers them from the live
// directory state. It never touches the wire itself; mutations go
// through the same directory calls the admin API uses.
type Console struct {
	cfg *config.ServerConfig
	bus *events.EventBus
	dir *char.Server

	in  io.Reader
	out io.Writer
}

// NewConsole creates a console bound to stdin/stdout.
func NewConsole(cfg *config.ServerConfig, bus *events.EventBus, dir *char.Server) *Console {
	return &Console{
		cfg: cfg,
		bus: bus,
		dir: dir,
		in:  os.Stdin,
		out: os.Stdout,
	}
}

// Run reads commands until ctx is cancelled or input ends.
func (c *Console) Run(ctx context.Context) {
	fmt.Fprintln(c.out, "\nconsole ready, type 'help' for commands")
	fmt.Fprintln(c.out, "─────────────────────────────────────────")

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fmt.Fprint(c.out, "seolan> ")
		if !scanner.Scan() {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if err := c.execute(ctx, cmd, args); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *Console) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "workers", "w":
		c.printWorkers()
	case "online", "o":
		c.printOnline()
	case "kick":
		return c.cmdKick(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "shutting down")
		c.bus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "console",
		})
	default:
		fmt.Fprintf(c.out, "unknown command %q, type 'help' for commands\n", cmd)
	}
	return nil
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, "\n  status         directory summary")
	fmt.Fprintln(c.out, "  workers        attached map workers")
	fmt.Fprintln(c.out, "  online         characters in world")
	fmt.Fprintln(c.out, "  kick <id>      disconnect a character by id")
	fmt.Fprintln(c.out, "  quit           stop the server")
	fmt.Fprintln(c.out, "  help           this list")
	fmt.Fprintln(c.out)
}

func (c *Console) printStatus() {
	link := "down"
	if c.dir.LoginLinkUp() {
		link = "up"
	}

	fmt.Fprintf(c.out, "\n  Version:     %d\n", c.cfg.Version)
	fmt.Fprintf(c.out, "  Uptime:      %s\n", c.dir.Uptime().Round(time.Second))
	fmt.Fprintf(c.out, "  Login link:  %s\n", link)
	fmt.Fprintf(c.out, "  Workers:     %d\n", len(c.dir.Workers()))
	fmt.Fprintf(c.out, "  Online:      %d\n", c.dir.OnlineCount())
	if cpu, err := util.GetCPUUsage(); err == nil {
		fmt.Fprintf(c.out, "  CPU:         %.1f%%\n", cpu)
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		fmt.Fprintf(c.out, "  Memory:      %.1f%%\n", mem.UsedPercent)
	}
	fmt.Fprintln(c.out)
}

func (c *Console) printWorkers() {
	workers := c.dir.Workers()
	if len(workers) == 0 {
		fmt.Fprintln(c.out, "no workers attached")
		return
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Idx", "Addr", "Maps", "Since"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, w := range workers {
		tw.Append([]string{
			strconv.Itoa(w.ServerIdx),
			w.Addr,
			joinMaps(w.Maps),
			w.Since,
		})
	}

	tw.Render()
}

func (c *Console) printOnline() {
	online := c.dir.Online()
	if len(online) == 0 {
		fmt.Fprintln(c.out, "nobody in world")
		return
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Char ID", "Name", "Worker"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, e := range online {
		tw.Append([]string{
			strconv.FormatUint(uint64(e.CharID), 10),
			e.Name,
			strconv.Itoa(e.ServerIdx),
		})
	}

	tw.Render()
}

func (c *Console) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <char_id>")
	}

	charID, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid character id: %s", args[0])
	}

	if err := c.dir.KickChar(uint32(charID)); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "kick sent for character %d\n", charID)
	return nil
}

func joinMaps(maps []uint16) string {
	if len(maps) == 0 {
		return "-"
	}

	var b strings.Builder
	for i, m := range maps {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatUint(uint64(m), 10))
	}
	return b.String()
}
