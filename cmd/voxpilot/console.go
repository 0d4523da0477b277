package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/voxpilot/voxpilot/internal/config"
	"github.com/voxpilot/voxpilot/internal/coordinator"
	"github.com/voxpilot/voxpilot/internal/history"
	"github.com/voxpilot/voxpilot/internal/supervisor"
)

// consoleLoop reads interactive commands from stdin until the context is
// cancelled or the user quits. An empty line ends the current utterance in
// the batch modes; plain text is submitted as a typed query.
func consoleLoop(ctx context.Context, quit func(), coord *coordinator.Coordinator, sup *supervisor.Supervisor, hist *history.Log) {
	fmt.Println("press Enter to end an utterance, type text to ask, /help for commands")

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			if err := coord.EndUtterance(); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case line == "/help":
			printHelp()
		case line == "/quit", line == "/exit":
			quit()
			return
		case line == "/interrupt":
			if err := coord.Interrupt(); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case line == "/history":
			for _, t := range hist.Turns() {
				fmt.Printf("%s [%s] %s: %s\n", t.Time.Format("15:04:05"), t.Mode, t.Role, t.Text)
			}
		case line == "/backends":
			for _, st := range sup.Snapshot() {
				fmt.Printf("%-12s %-8s %s\n", st.Name, st.State, st.URL)
			}
		case line == "/restart":
			if err := sup.RestartAll(ctx); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case strings.HasPrefix(line, "/restart "):
			if err := sup.Restart(ctx, strings.TrimPrefix(line, "/restart ")); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case strings.HasPrefix(line, "/mode "):
			m := config.Mode(strings.TrimPrefix(line, "/mode "))
			if !m.IsValid() {
				fmt.Printf("! unknown mode %q\n", m)
				continue
			}
			if err := coord.SetMode(ctx, m); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case strings.HasPrefix(line, "/"):
			fmt.Printf("! unknown command %s\n", line)
		default:
			go func(text string) {
				response, err := coord.Ask(ctx, text)
				if err != nil {
					fmt.Printf("! %v\n", err)
					return
				}
				fmt.Printf("vox: %s\n", response)
			}(line)
		}
	}
}

func printHelp() {
	fmt.Print(`commands:
  <Enter>          end the current utterance (legacy mode)
  <text>           submit a typed query
  /mode NAME       switch mode (full_duplex, hybrid, legacy)
  /interrupt       stop the current spoken response
  /history         print the conversation so far
  /backends        print backend health
  /restart [NAME]  restart spawned backends
  /quit            exit
`)
}
