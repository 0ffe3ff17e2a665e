package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aeolun/chatcast/pkg/client"
	"github.com/aeolun/chatcast/pkg/client/ui"
	"github.com/aeolun/chatcast/pkg/i18n"
	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	// Command line flags
	server := flag.String("server", "localhost:8080", "Server address (host:port)")
	path := flag.String("path", "/chat", "WebSocket endpoint path")
	useTLS := flag.Bool("tls", false, "Connect with wss://")
	name := flag.String("name", os.Getenv("USER"), "Display name")
	lang := flag.String("lang", os.Getenv("LANG"), "UI language (e.g. en, ca)")
	notify := flag.Bool("notify", true, "Desktop notification when someone mentions you")
	flag.Parse()

	if *name == "" {
		log.Fatal("A display name is required (-name)")
	}

	catalog, err := i18n.Load("en")
	if err != nil {
		log.Fatalf("Failed to load locales: %v", err)
	}
	labels := catalog.Localizer(catalog.Match(*lang))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	conn, err := client.Dial(ctx, client.URL(*server, *path, *useTLS))
	cancel()
	if err != nil {
		msg, _ := labels.Text("ui.error.connection.failed")
		log.Fatalf("%s (%s): %v", msg, *server, err)
	}
	defer conn.Close()

	var notifier ui.Notifier
	if *notify {
		notifier = ui.DesktopNotifier
	}

	model := ui.NewModel(conn, *name, labels, notifier)
	p := tea.NewProgram(model, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Printf("Error running program: %v\n", err)
		os.Exit(1)
	}
}
