// ui.go
package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jroimartin/gocui"
	"github.com/mattn/go-runewidth"

	"shellmates/internal"
)

const ansiReset = "\x1b[0m"

// helpKey toggles the help window. Ctrl-H shares its code with backspace.
const helpKey = gocui.KeyF1

// ansiColors maps transcript color classes to terminal colors
var ansiColors = map[string]string{
	internal.ColorDefault: "\x1b[37m",
	internal.ColorSystem:  "\x1b[33m",
	internal.ColorSelf:    "\x1b[32m",
	"color-player1":       "\x1b[36m",
	"color-player2":       "\x1b[35m",
	"color-player3":       "\x1b[34m",
	"color-player4":       "\x1b[31m",
}

const contentText = `Welcome to shellmates!

Type a message and press Enter to chat.
Messages typed while offline stay in
your transcript.`

func colorize(class, line string) string {
	code, ok := ansiColors[class]
	if !ok {
		code = ansiColors[internal.ColorDefault]
	}
	return code + line + ansiReset
}

// ClientUI is the terminal client: a content panel, the chat transcript,
// the roster, a status bar and the input line.
type ClientUI struct {
	gui         *gocui.Gui
	session     *internal.Session
	msgView     string
	inputView   string
	statusView  string
	rosterView  string
	contentView string
	helpView    string
	activeView  string
	showHelp    bool
	state       internal.State
	roster      []string
}

func NewClientUI(cfg internal.Config) (*ClientUI, error) {
	g, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return nil, err
	}

	ui := &ClientUI{
		gui:         g,
		msgView:     "chat",
		inputView:   "input",
		statusView:  "status",
		rosterView:  "roster",
		contentView: "content",
		helpView:    "help",
		activeView:  "input",
	}
	ui.session = internal.NewSession(internal.SessionConfig{
		Endpoint:  cfg.Client.Endpoint,
		Client:    cfg.ClientConfig(),
		Scheduler: ui,
		View:      ui,
	})

	g.Cursor = true
	g.SetManagerFunc(ui.layout)
	return ui, nil
}

// Schedule implements internal.Scheduler by running fn on the gocui main loop
func (ui *ClientUI) Schedule(fn func()) {
	ui.gui.Update(func(*gocui.Gui) error {
		fn()
		return nil
	})
}

// ShowEntry implements internal.View
func (ui *ClientUI) ShowEntry(entry internal.TranscriptEntry) {
	v, err := ui.gui.View(ui.msgView)
	if err != nil {
		// layout renders the whole transcript when the view appears
		return
	}
	fmt.Fprintln(v, colorize(entry.ColorClass, entry.FormattedLine))
}

// ShowRoster implements internal.View
func (ui *ClientUI) ShowRoster(names []string) {
	ui.roster = names
	ui.drawRoster()
}

// ShowState implements internal.View
func (ui *ClientUI) ShowState(state internal.State, endpoint string) {
	ui.state = state
	ui.drawStatus()
}

func (ui *ClientUI) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()

	sidebarWidth := 24
	msgWidth := maxX - sidebarWidth - 1
	msgHeight := maxY - 5
	contentHeight := msgHeight / 3

	// Content view
	if v, err := g.SetView(ui.contentView, 0, 0, msgWidth, contentHeight); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Content View"
		v.Wrap = true
		fmt.Fprint(v, contentText)
	}

	// Messages view
	if v, err := g.SetView(ui.msgView, 0, contentHeight+1, msgWidth, msgHeight); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Chat"
		v.Wrap = true
		v.Autoscroll = true
		for _, entry := range ui.session.Transcript().Entries() {
			fmt.Fprintln(v, colorize(entry.ColorClass, entry.FormattedLine))
		}
	}

	// Roster view
	if v, err := g.SetView(ui.rosterView, msgWidth+1, 0, maxX-1, msgHeight); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Roster"
		ui.drawRoster()
	}

	// Status bar
	if v, err := g.SetView(ui.statusView, 0, msgHeight+1, maxX-1, msgHeight+3); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Status"
		v.Wrap = true
		ui.drawStatus()
	}

	// Input field
	if v, err := g.SetView(ui.inputView, 0, msgHeight+3, maxX-1, maxY-1); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "> "
		v.Editable = true
		v.Wrap = true

		if _, err := g.SetCurrentView(ui.inputView); err != nil {
			return err
		}
	}

	// Help window
	if ui.showHelp {
		helpX1 := maxX / 6
		helpY1 := maxY / 6
		helpX2 := maxX * 5 / 6
		helpY2 := maxY * 5 / 6
		if v, err := g.SetView(ui.helpView, helpX1, helpY1, helpX2, helpY2); err != nil {
			if err != gocui.ErrUnknownView {
				return err
			}
			v.Title = "Help"
			fmt.Fprintln(v, internal.HelpText)
			fmt.Fprintln(v, `
Keybindings:
Ctrl-C          - Quit
F1              - Toggle help
Tab             - Switch views
Enter           - Send message`)
		}
	} else if _, err := g.View(ui.helpView); err == nil {
		if err := g.DeleteView(ui.helpView); err != nil {
			return err
		}
	}

	return nil
}

func (ui *ClientUI) drawRoster() {
	v, err := ui.gui.View(ui.rosterView)
	if err != nil {
		return
	}
	v.Clear()

	width, _ := v.Size()
	colors := ui.session.Transcript().Colors()
	for _, name := range ui.roster {
		line := runewidth.Truncate(name, width, "…")
		fmt.Fprintln(v, colorize(colors.Classify(name), line))
	}
}

func (ui *ClientUI) drawStatus() {
	v, err := ui.gui.View(ui.statusView)
	if err != nil {
		return
	}
	v.Clear()
	fmt.Fprintf(v, "%s | %s | Name: %s | F1: Help",
		strings.ToUpper(ui.state.String()), ui.session.Endpoint(), ui.session.Name())
}

func (ui *ClientUI) keybindings() error {
	// Quit
	if err := ui.gui.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone,
		func(g *gocui.Gui, _ *gocui.View) error {
			return gocui.ErrQuit
		}); err != nil {
		return err
	}

	// Toggle help
	if err := ui.gui.SetKeybinding("", helpKey, gocui.ModNone,
		func(_ *gocui.Gui, _ *gocui.View) error {
			ui.showHelp = !ui.showHelp
			return nil
		}); err != nil {
		return err
	}

	// Send message
	if err := ui.gui.SetKeybinding(ui.inputView, gocui.KeyEnter, gocui.ModNone,
		ui.handleInput); err != nil {
		return err
	}

	// Switch views
	if err := ui.gui.SetKeybinding("", gocui.KeyTab, gocui.ModNone,
		func(g *gocui.Gui, v *gocui.View) error {
			nextView := map[string]string{
				ui.msgView:     ui.rosterView,
				ui.rosterView:  ui.contentView,
				ui.contentView: ui.inputView,
				ui.inputView:   ui.msgView,
			}
			current := ui.activeView
			if v != nil {
				current = v.Name()
			}
			if next, ok := nextView[current]; ok {
				ui.activeView = next
				_, err := g.SetCurrentView(next)
				return err
			}
			return nil
		}); err != nil {
		return err
	}

	return nil
}

func (ui *ClientUI) handleInput(_ *gocui.Gui, v *gocui.View) error {
	input := strings.TrimSpace(v.Buffer())
	v.Clear()
	v.SetCursor(0, 0)
	v.SetOrigin(0, 0)

	if err := ui.session.HandleInput(input); err != nil {
		if errors.Is(err, internal.ErrQuit) {
			return gocui.ErrQuit
		}
		return err
	}
	return nil
}

func (ui *ClientUI) Run() error {
	if err := ui.keybindings(); err != nil {
		return err
	}
	if err := ui.session.Start(); err != nil {
		return err
	}

	if err := ui.gui.MainLoop(); err != nil && err != gocui.ErrQuit {
		return err
	}

	return nil
}

func (ui *ClientUI) Close() {
	ui.session.Close()
	ui.gui.Close()
}
