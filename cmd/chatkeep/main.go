// Command chatkeep is a terminal chat client with persistent sessions.
//
// Usage:
//
//	export OPENAI_API_KEY="your-api-key"
//	export DEFAULT_MODEL="deepseek-ai/DeepSeek-R1"
//	go run ./cmd/chatkeep
//
// Commands:
//
//	/new [title]    - Start a new session
//	/rename <title> - Rename the current session
//	/clear          - Remove every message from the current session
//	/delete         - Delete the current session
//	/sessions       - Pick a session
//	/exit           - Exit the program
//	<message>       - Send a message
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nstogner/chatkeep/pkg/app"
	"github.com/nstogner/chatkeep/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The terminal belongs to the UI, so logs go to a file.
	var logOut io.Writer = io.Discard
	if f, err := app.OpenLogFile(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "warning: logging disabled:", err)
	} else {
		defer f.Close()
		logOut = f
	}
	app.SetupLogging(cfg, logOut)

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to start", "error", err)
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	defer a.Close()

	p := tea.NewProgram(initialModel(ctx, a.Store, a.Runner), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
